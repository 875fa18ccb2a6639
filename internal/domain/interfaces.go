package domain

import (
	"context"
	"time"
)

// Clock отдаёт текущее время; внедряется для детерминированных тестов.
type Clock interface {
	Now() time.Time
}

// SystemClock реализует Clock через time.Now.
type SystemClock struct{}

// Now возвращает текущее время в UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fetcher выгружает активность аккаунта за полуинтервал [from, to).
// Безопасен для конкурентных вызовов по разным аккаунтам. Успешный ответ
// покрывает весь интервал: отсутствие записей за день означает пустой день.
type Fetcher interface {
	FetchRange(ctx context.Context, account Account, from, to Day) ([]Record, error)
}

// DayStore — контракт хранилища: индекс дней и записи с гранулярностью
// (аккаунт, день). PutDay атомарен относительно конкурентных чтений ключа.
type DayStore interface {
	GetDay(ctx context.Context, accountID int64, day Day) (*DayEntry, error)
	GetRecords(ctx context.Context, accountID int64, day Day) ([]Record, error)
	PutDay(ctx context.Context, accountID int64, day Day, records []Record, fetchedAt time.Time) error
	ScanDays(ctx context.Context, accountIDs []int64, days []Day) (map[DayKey]DayEntry, error)
}

// AccountRepo управляет подключёнными аккаунтами.
type AccountRepo interface {
	ListEnabled(ctx context.Context) ([]Account, error)
	GetByID(ctx context.Context, id int64) (Account, error)
	UpsertAccount(ctx context.Context, account Account) (Account, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Del(key string) error
}
