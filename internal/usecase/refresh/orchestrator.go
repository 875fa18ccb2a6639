package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
)

// ErrRefreshInProgress возвращается, если цикл обновления уже идёт.
// Повторный триггер в этот момент отбрасывается, а не ставится в очередь.
var ErrRefreshInProgress = errors.New("обновление уже выполняется")

// Orchestrator — верхнеуровневая политика обновления: приоритетные дни
// (сегодня, вчера и недостающие не старше вчера) выгружаются синхронно под
// флагом isRefreshing, остальная история — отменяемой фоновой задачей,
// обрабатывающей пакеты строго последовательно.
type Orchestrator struct {
	accounts domain.AccountRepo
	store    domain.DayStore
	batcher  *Batcher
	clock    domain.Clock
	log      zerolog.Logger

	horizonDays     int
	freshnessWindow time.Duration
	maxDaysPerBatch int

	refreshing atomic.Bool

	mu       sync.Mutex
	lastErr  *domain.RefreshError
	bgCancel context.CancelFunc
	bgDone   chan struct{}

	updates chan []domain.Day
}

// NewOrchestrator создаёт оркестратор и подписывает его на слияния Batcher.
func NewOrchestrator(accounts domain.AccountRepo, store domain.DayStore, batcher *Batcher, clock domain.Clock, horizonDays int, freshnessWindow time.Duration, maxDaysPerBatch int, log zerolog.Logger) *Orchestrator {
	if horizonDays <= 0 {
		horizonDays = 91
	}
	if freshnessWindow <= 0 {
		freshnessWindow = 15 * time.Minute
	}
	if maxDaysPerBatch <= 0 {
		maxDaysPerBatch = 14
	}
	o := &Orchestrator{
		accounts:        accounts,
		store:           store,
		batcher:         batcher,
		clock:           clock,
		log:             log,
		horizonDays:     horizonDays,
		freshnessWindow: freshnessWindow,
		maxDaysPerBatch: maxDaysPerBatch,
		updates:         make(chan []domain.Day, 16),
	}
	batcher.OnMerge = o.publish
	return o
}

// Updates возвращает канал уведомлений с днями, чьи данные изменились.
func (o *Orchestrator) Updates() <-chan []domain.Day { return o.updates }

// IsRefreshing сообщает, идёт ли видимый цикл обновления.
func (o *Orchestrator) IsRefreshing() bool { return o.refreshing.Load() }

// LastError возвращает агрегированную ошибку последнего цикла или nil.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr.ErrOrNil()
}

func (o *Orchestrator) publish(days []domain.Day) {
	select {
	case o.updates <- days:
	default:
		// Потребитель не успевает: уведомление отбрасывается, данные
		// всё равно будут получены при следующем чтении.
	}
}

// Refresh выполняет один видимый цикл обновления: приоритетная фаза
// синхронно, затем запуск фоновой зачистки старых недостающих дней.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if !o.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer o.refreshing.Store(false)

	start := time.Now()
	metrics.RefreshCyclesTotal.Inc()

	accounts, err := o.accounts.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("список аккаунтов: %w", err)
	}
	if len(accounts) == 0 {
		o.setLastErr(nil)
		return nil
	}

	today := domain.DayOf(o.clock.Now())
	yesterday := today.Prev()

	missing, err := o.missingDays(ctx, accounts, today)
	if err != nil {
		return fmt.Errorf("поиск недостающих дней: %w", err)
	}

	prioritySet := map[domain.Day]struct{}{today: {}, yesterday: {}}
	var background []domain.Day
	for _, day := range missing {
		if day.Before(yesterday) {
			background = append(background, day)
			continue
		}
		prioritySet[day] = struct{}{}
	}
	priority := make([]domain.Day, 0, len(prioritySet))
	for day := range prioritySet {
		priority = append(priority, day)
	}

	res := o.batcher.Refresh(ctx, accounts, priority)
	o.setLastErr(res.Err)
	metrics.RefreshCycleSeconds.Observe(time.Since(start).Seconds())
	o.log.Info().Int("priority_days", len(priority)).Int("background_days", len(background)).Int("errors", res.Err.Len()).Msg("orchestrator: приоритетная фаза завершена")

	o.startBackground(accounts, background)

	return res.Err.ErrOrNil()
}

// startBackground отменяет предыдущую фоновую зачистку и запускает новую.
// Новая горутина дожидается завершения старой, поэтому одновременно
// активна не более одной зачистки.
func (o *Orchestrator) startBackground(accounts []domain.Account, days []domain.Day) {
	o.mu.Lock()
	if o.bgCancel != nil {
		o.bgCancel()
	}
	prevDone := o.bgDone

	if len(days) == 0 {
		o.bgCancel, o.bgDone = nil, nil
		o.mu.Unlock()
		return
	}

	// Контекст фоновой зачистки не привязан к запросу, породившему цикл:
	// завершение HTTP-запроса не должно убивать зачистку.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.bgCancel, o.bgDone = cancel, done
	o.mu.Unlock()

	go func() {
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		o.runSweep(ctx, accounts, days)
	}()
}

// StopBackground отменяет фоновую зачистку и дожидается её завершения.
func (o *Orchestrator) StopBackground() {
	o.mu.Lock()
	cancel, done := o.bgCancel, o.bgDone
	o.bgCancel, o.bgDone = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// runSweep обрабатывает пакеты последовательно, проверяя отмену перед
// каждым пакетом; выгрузки текущего пакета не прерываются на середине.
func (o *Orchestrator) runSweep(ctx context.Context, accounts []domain.Account, days []domain.Day) {
	batches := PartitionDays(days, o.maxDaysPerBatch)
	o.log.Info().Int("days", len(days)).Int("batches", len(batches)).Msg("orchestrator: запуск фоновой зачистки")

	for i, batch := range batches {
		if ctx.Err() != nil {
			o.log.Info().Int("processed", i).Msg("orchestrator: фоновая зачистка отменена")
			return
		}
		res := o.batcher.Refresh(ctx, accounts, batch)
		metrics.BackgroundBatchesTotal.Inc()
		if res.Err.Len() > 0 {
			o.appendErrors(res.Err)
		}
	}
	o.log.Info().Int("batches", len(batches)).Msg("orchestrator: фоновая зачистка завершена")
}

func (o *Orchestrator) setLastErr(err *domain.RefreshError) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) appendErrors(err *domain.RefreshError) {
	o.mu.Lock()
	if o.lastErr == nil {
		o.lastErr = &domain.RefreshError{}
	}
	o.lastErr.Errors = append(o.lastErr.Errors, err.Errors...)
	o.mu.Unlock()
}

// NeedsInitialFetch — дешёвая проверка без выгрузки: true, если у какого-то
// включённого аккаунта сегодняшний день отсутствует или устарел.
func (o *Orchestrator) NeedsInitialFetch(ctx context.Context) (bool, error) {
	accounts, err := o.accounts.ListEnabled(ctx)
	if err != nil {
		return false, fmt.Errorf("список аккаунтов: %w", err)
	}
	if len(accounts) == 0 {
		return false, nil
	}

	now := o.clock.Now()
	today := domain.DayOf(now)
	ids := accountIDs(accounts)

	entries, err := o.store.ScanDays(ctx, ids, []domain.Day{today})
	if err != nil {
		return false, fmt.Errorf("чтение индекса дней: %w", err)
	}
	for _, id := range ids {
		entry, ok := entries[domain.DayKey{AccountID: id, Day: today}]
		if !ok || now.Sub(entry.FetchedAt) > o.freshnessWindow {
			return true, nil
		}
	}
	return false, nil
}

// MissingDays возвращает дни видимого горизонта, не выгруженные хотя бы
// для одного включённого аккаунта, от старых к новым.
func (o *Orchestrator) MissingDays(ctx context.Context) ([]domain.Day, error) {
	accounts, err := o.accounts.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("список аккаунтов: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return o.missingDays(ctx, accounts, domain.DayOf(o.clock.Now()))
}

func (o *Orchestrator) missingDays(ctx context.Context, accounts []domain.Account, today domain.Day) ([]domain.Day, error) {
	horizon := domain.DaysBack(today, o.horizonDays)
	ids := accountIDs(accounts)

	entries, err := o.store.ScanDays(ctx, ids, horizon)
	if err != nil {
		return nil, fmt.Errorf("чтение индекса дней: %w", err)
	}

	var missing []domain.Day
	for _, day := range horizon {
		for _, id := range ids {
			if _, ok := entries[domain.DayKey{AccountID: id, Day: day}]; !ok {
				missing = append(missing, day)
				break
			}
		}
	}
	return missing, nil
}

// Heatmap возвращает по корзине на каждый день горизонта: сумма счётчиков
// по всем включённым аккаунтам, от старых к новым.
func (o *Orchestrator) Heatmap(ctx context.Context) ([]domain.HeatmapBucket, error) {
	accounts, err := o.accounts.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("список аккаунтов: %w", err)
	}

	horizon := domain.DaysBack(domain.DayOf(o.clock.Now()), o.horizonDays)
	buckets := make([]domain.HeatmapBucket, 0, len(horizon))
	if len(accounts) == 0 {
		for _, day := range horizon {
			buckets = append(buckets, domain.HeatmapBucket{Day: day})
		}
		return buckets, nil
	}

	entries, err := o.store.ScanDays(ctx, accountIDs(accounts), horizon)
	if err != nil {
		return nil, fmt.Errorf("чтение индекса дней: %w", err)
	}
	for _, day := range horizon {
		bucket := domain.HeatmapBucket{Day: day}
		for _, account := range accounts {
			if entry, ok := entries[domain.DayKey{AccountID: account.ID, Day: day}]; ok {
				bucket.Count += entry.Count
			}
		}
		buckets = append(buckets, bucket)
	}
	return buckets, nil
}

func accountIDs(accounts []domain.Account) []int64 {
	ids := make([]int64, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	return ids
}
