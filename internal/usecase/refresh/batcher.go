package refresh

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
)

// Result — итог работы Batcher: число слитых дней и ошибки по аккаунтам.
type Result struct {
	MergedDays int
	Err        *domain.RefreshError
}

// Batcher разбивает множество дней на пакеты, выгружает каждый пакет
// параллельно по аккаунтам и сливает результаты в хранилище.
type Batcher struct {
	store           domain.DayStore
	fetcher         domain.Fetcher
	clock           domain.Clock
	log             zerolog.Logger
	maxDaysPerBatch int

	// OnMerge вызывается после слияния каждого пакета со списком
	// затронутых дней; тепловая карта обновляется прогрессивно.
	OnMerge func(days []domain.Day)
}

// NewBatcher создаёт Batcher.
func NewBatcher(store domain.DayStore, fetcher domain.Fetcher, clock domain.Clock, maxDaysPerBatch int, log zerolog.Logger) *Batcher {
	if maxDaysPerBatch <= 0 {
		maxDaysPerBatch = 14
	}
	return &Batcher{store: store, fetcher: fetcher, clock: clock, maxDaysPerBatch: maxDaysPerBatch, log: log}
}

// Refresh выгружает указанные дни для всех аккаунтов. Дни группируются в
// пакеты от новых к старым; внутри пакета аккаунты выгружаются параллельно,
// ошибка одного аккаунта не прерывает остальных.
func (b *Batcher) Refresh(ctx context.Context, accounts []domain.Account, days []domain.Day) Result {
	res := Result{Err: &domain.RefreshError{}}
	if len(accounts) == 0 || len(days) == 0 {
		return res
	}

	for _, batch := range PartitionDays(days, b.maxDaysPerBatch) {
		merged := b.refreshBatch(ctx, accounts, batch, res.Err)
		res.MergedDays += merged
	}
	return res
}

// PartitionDays разбивает дни на пакеты размером не более maxPerBatch,
// начиная с самых новых.
func PartitionDays(days []domain.Day, maxPerBatch int) [][]domain.Day {
	sorted := append([]domain.Day(nil), days...)
	domain.SortDaysDesc(sorted)

	var batches [][]domain.Day
	for len(sorted) > 0 {
		n := maxPerBatch
		if n > len(sorted) {
			n = len(sorted)
		}
		batches = append(batches, sorted[:n])
		sorted = sorted[n:]
	}
	return batches
}

type accountFetch struct {
	account domain.Account
	records []domain.Record
	err     error
}

func (b *Batcher) refreshBatch(ctx context.Context, accounts []domain.Account, batch []domain.Day, agg *domain.RefreshError) int {
	// Пакет отсортирован по убыванию: последний элемент — самый старый.
	from := batch[len(batch)-1]
	to := batch[0].Next()

	results := make(chan accountFetch, len(accounts))
	for _, account := range accounts {
		go func(account domain.Account) {
			start := time.Now()
			records, err := b.fetcher.FetchRange(ctx, account, from, to)
			metrics.ObserveNetworkRequest(string(account.Provider), "fetch_range", account.Login, start, err)
			results <- accountFetch{account: account, records: records, err: err}
		}(account)
	}

	fetchedAt := b.clock.Now()
	merged := make(map[domain.Day]struct{}, len(batch))

	// Точка соединения: ждём все аккаунты, слияние идёт в одной горутине.
	for range accounts {
		fr := <-results
		if fr.err != nil {
			metrics.IncFetchError(string(fr.account.Provider))
			agg.Add(&domain.FetchError{AccountID: fr.account.ID, Provider: fr.account.Provider, Login: fr.account.Login, Err: fr.err})
			b.log.Warn().Err(fr.err).Str("provider", string(fr.account.Provider)).Str("login", fr.account.Login).Msg("batcher: выгрузка аккаунта не удалась")
			continue
		}
		for _, day := range b.mergeAccount(ctx, fr.account, batch, fr.records, fetchedAt, agg) {
			merged[day] = struct{}{}
		}
	}

	if len(merged) > 0 && b.OnMerge != nil {
		affected := make([]domain.Day, 0, len(merged))
		for day := range merged {
			affected = append(affected, day)
		}
		domain.SortDaysDesc(affected)
		b.OnMerge(affected)
	}
	return len(merged)
}

// mergeAccount заменяет дни аккаунта содержимым успешной выгрузки.
// Успешный ответ покрывает весь пакет: день без записей сохраняется
// пустым, чтобы не считаться отсутствующим при следующем цикле.
func (b *Batcher) mergeAccount(ctx context.Context, account domain.Account, batch []domain.Day, records []domain.Record, fetchedAt time.Time, agg *domain.RefreshError) []domain.Day {
	byDay := make(map[domain.Day][]domain.Record, len(batch))
	for _, day := range batch {
		byDay[day] = nil
	}
	for _, record := range records {
		day := domain.DayOf(record.OccurredAt)
		record.AccountID = account.ID
		byDay[day] = append(byDay[day], record)
	}

	days := make([]domain.Day, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	domain.SortDaysDesc(days)

	merged := days[:0]
	for _, day := range days {
		if err := b.store.PutDay(ctx, account.ID, day, byDay[day], fetchedAt); err != nil {
			agg.Add(&domain.FetchError{AccountID: account.ID, Provider: account.Provider, Login: account.Login, Err: err})
			b.log.Error().Err(err).Str("login", account.Login).Str("day", string(day)).Msg("batcher: не удалось сохранить день")
			continue
		}
		merged = append(merged, day)
	}
	return merged
}
