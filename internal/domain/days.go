package domain

import (
	"fmt"
	"sort"
	"time"
)

// DayLayout — формат календарного дня в UTC.
const DayLayout = "2006-01-02"

// Day представляет календарный день в форме YYYY-MM-DD (UTC).
// Лексикографическое сравнение строк совпадает с хронологическим.
type Day string

// DayOf возвращает день, которому принадлежит момент времени.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format(DayLayout))
}

// ParseDay разбирает строку YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation(DayLayout, s, time.UTC)
	if err != nil {
		return "", fmt.Errorf("некорректный день %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Time возвращает полночь этого дня в UTC.
func (d Day) Time() time.Time {
	t, _ := time.ParseInLocation(DayLayout, string(d), time.UTC)
	return t
}

// Next возвращает следующий день.
func (d Day) Next() Day {
	return DayOf(d.Time().AddDate(0, 0, 1))
}

// Prev возвращает предыдущий день.
func (d Day) Prev() Day {
	return DayOf(d.Time().AddDate(0, 0, -1))
}

// Before сообщает, предшествует ли день другому.
func (d Day) Before(other Day) bool {
	return d < other
}

// DaysBack возвращает n дней, заканчивая указанным днём включительно,
// от старых к новым.
func DaysBack(last Day, n int) []Day {
	if n <= 0 {
		return nil
	}
	days := make([]Day, n)
	cur := DayOf(last.Time().AddDate(0, 0, -(n - 1)))
	for i := 0; i < n; i++ {
		days[i] = cur
		cur = cur.Next()
	}
	return days
}

// SortDaysDesc сортирует дни от новых к старым.
func SortDaysDesc(days []Day) {
	sort.Slice(days, func(i, j int) bool { return days[i] > days[j] })
}
