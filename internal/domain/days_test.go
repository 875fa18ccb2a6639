package domain

import (
	"testing"
	"time"
)

func TestDayOfUsesUTC(t *testing.T) {
	// 23:30 по Москве 29 марта — это уже 20:30 UTC того же дня,
	// а 02:30 по Москве 30 марта — ещё 23:30 UTC 29 марта.
	msk := time.FixedZone("MSK", 3*60*60)

	if got := DayOf(time.Date(2024, 3, 29, 23, 30, 0, 0, msk)); got != "2024-03-29" {
		t.Fatalf("ожидали 2024-03-29, получили %s", got)
	}
	if got := DayOf(time.Date(2024, 3, 30, 2, 30, 0, 0, msk)); got != "2024-03-29" {
		t.Fatalf("локальная полночь не сдвигает день UTC, получили %s", got)
	}
}

func TestParseDay(t *testing.T) {
	day, err := ParseDay("2024-03-30")
	if err != nil {
		t.Fatalf("валидная дата: %v", err)
	}
	if day != "2024-03-30" {
		t.Fatalf("ожидали 2024-03-30, получили %s", day)
	}

	for _, bad := range []string{"30-03-2024", "2024-3-30", "2024-03-32", "сегодня", ""} {
		if _, err := ParseDay(bad); err == nil {
			t.Fatalf("строка %q не должна разбираться", bad)
		}
	}
}

func TestNextPrevCrossMonth(t *testing.T) {
	if got := Day("2024-03-31").Next(); got != "2024-04-01" {
		t.Fatalf("переход через месяц: получили %s", got)
	}
	if got := Day("2024-03-01").Prev(); got != "2024-02-29" {
		t.Fatalf("високосный февраль: получили %s", got)
	}
}

func TestBeforeMatchesChronology(t *testing.T) {
	if !Day("2024-03-29").Before("2024-03-30") {
		t.Fatalf("лексикографический порядок должен совпадать с хронологическим")
	}
	if Day("2024-03-30").Before("2024-03-30") {
		t.Fatalf("день не предшествует сам себе")
	}
}

func TestDaysBack(t *testing.T) {
	days := DaysBack("2024-03-30", 3)
	want := []Day{"2024-03-28", "2024-03-29", "2024-03-30"}
	if len(days) != len(want) {
		t.Fatalf("ожидали %d дней, получили %d", len(want), len(days))
	}
	for i := range want {
		if days[i] != want[i] {
			t.Fatalf("дни идут от старых к новым: позиция %d, ожидали %s, получили %s", i, want[i], days[i])
		}
	}

	if got := DaysBack("2024-03-30", 0); got != nil {
		t.Fatalf("нулевой горизонт — пустой список, получили %v", got)
	}
}

func TestSortDaysDesc(t *testing.T) {
	days := []Day{"2024-03-28", "2024-03-30", "2024-03-29"}
	SortDaysDesc(days)
	if days[0] != "2024-03-30" || days[2] != "2024-03-28" {
		t.Fatalf("сортировка от новых к старым: %v", days)
	}
}
