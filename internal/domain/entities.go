package domain

import "time"

// Provider идентифицирует тип внешнего источника активности.
type Provider string

const (
	// ProviderGitHub — события GitHub пользователя.
	ProviderGitHub Provider = "github"
	// ProviderTelegram — сообщения Telegram-канала.
	ProviderTelegram Provider = "telegram"
)

// Account описывает подключённый внешний аккаунт.
type Account struct {
	ID        int64
	Provider  Provider
	Login     string
	Title     string
	Enabled   bool
	CreatedAt time.Time
}

// Record представляет одну единицу активности аккаунта.
// Ядро не интерпретирует содержимое глубже аккаунта и метки времени.
type Record struct {
	ID          string
	AccountID   int64
	Kind        string
	Title       string
	URL         string
	OccurredAt  time.Time
	RawMetaJSON []byte
}

// DayKey адресует кэш: один аккаунт, один календарный день.
type DayKey struct {
	AccountID int64
	Day       Day
}

// DayEntry фиксирует факт выгрузки дня для аккаунта.
// Count равен числу записей, сохранённых для этого ключа на момент FetchedAt.
type DayEntry struct {
	FetchedAt time.Time
	Count     int
}

// HeatmapBucket — агрегат тепловой карты: день и суммарное число записей
// по всем включённым аккаунтам.
type HeatmapBucket struct {
	Day   Day `json:"day"`
	Count int `json:"count"`
}
