package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
	"pulseboard/internal/usecase/refresh"
)

type loadState int

const (
	stateLoading loadState = iota + 1
	stateLoaded
)

// Coordinator обслуживает запросы «загрузить день для всех включённых
// аккаунтов»: кэш-попадания отдаются сразу, на каждый день в сессии
// выполняется не более одной выгрузки одновременно.
type Coordinator struct {
	accounts domain.AccountRepo
	store    domain.DayStore
	batcher  *refresh.Batcher
	clock    domain.Clock
	log      zerolog.Logger

	freshnessWindow time.Duration

	// Таблица состояний дней живёт только в памяти процесса и
	// принадлежит исключительно координатору.
	mu   sync.Mutex
	days map[domain.Day]loadState
}

// NewCoordinator создаёт координатор.
func NewCoordinator(accounts domain.AccountRepo, store domain.DayStore, batcher *refresh.Batcher, clock domain.Clock, freshnessWindow time.Duration, log zerolog.Logger) *Coordinator {
	if freshnessWindow <= 0 {
		freshnessWindow = 15 * time.Minute
	}
	return &Coordinator{
		accounts:        accounts,
		store:           store,
		batcher:         batcher,
		clock:           clock,
		log:             log,
		freshnessWindow: freshnessWindow,
		days:            make(map[domain.Day]loadState),
	}
}

// LoadDay возвращает записи дня по всем включённым аккаунтам. Если день
// уже загружен — чистое кэш-попадание. Если день загружается другим
// вызовом, возвращается текущее содержимое кэша, а завершение выгрузки
// будет объявлено через канал обновлений. Иначе вызов сам выполняет
// выгрузку недостающих или устаревших аккаунтов и переводит день в
// Loaded даже при частичных ошибках.
func (c *Coordinator) LoadDay(ctx context.Context, day domain.Day) ([]domain.Record, error) {
	c.mu.Lock()
	if st, ok := c.days[day]; ok {
		c.mu.Unlock()
		if st == stateLoaded {
			metrics.IncDayLoad("hit")
		} else {
			metrics.IncDayLoad("inflight")
		}
		return c.readDay(ctx, day)
	}
	c.days[day] = stateLoading
	c.mu.Unlock()

	records, err := c.loadMissing(ctx, day)

	// Инфраструктурная ошибка уже вернула день в NotLoaded; иначе день
	// становится Loaded даже при частичных ошибках аккаунтов.
	c.mu.Lock()
	if _, ok := c.days[day]; ok {
		c.days[day] = stateLoaded
	}
	c.mu.Unlock()

	return records, err
}

func (c *Coordinator) loadMissing(ctx context.Context, day domain.Day) ([]domain.Record, error) {
	accounts, err := c.accounts.ListEnabled(ctx)
	if err != nil {
		c.reset(day)
		return nil, fmt.Errorf("список аккаунтов: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	stale, err := c.staleAccounts(ctx, accounts, day)
	if err != nil {
		c.reset(day)
		return nil, err
	}
	if len(stale) == 0 {
		metrics.IncDayLoad("cached")
		return c.readDay(ctx, day)
	}

	metrics.IncDayLoad("fetch")
	res := c.batcher.Refresh(ctx, stale, []domain.Day{day})
	records, readErr := c.readDay(ctx, day)
	if readErr != nil {
		return records, readErr
	}
	// Частичные данные предпочтительнее отсутствия данных: день считается
	// загруженным, ошибки аккаунтов всплывают рядом с результатом.
	return records, res.Err.ErrOrNil()
}

// staleAccounts возвращает аккаунты, для которых день нужно выгружать:
// запись индекса отсутствует либо (только для сегодняшнего дня) устарела.
func (c *Coordinator) staleAccounts(ctx context.Context, accounts []domain.Account, day domain.Day) ([]domain.Account, error) {
	ids := make([]int64, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	entries, err := c.store.ScanDays(ctx, ids, []domain.Day{day})
	if err != nil {
		return nil, fmt.Errorf("чтение индекса дней: %w", err)
	}

	now := c.clock.Now()
	today := domain.DayOf(now)

	var stale []domain.Account
	for _, account := range accounts {
		entry, ok := entries[domain.DayKey{AccountID: account.ID, Day: day}]
		switch {
		case !ok:
			stale = append(stale, account)
		case day == today && now.Sub(entry.FetchedAt) > c.freshnessWindow:
			stale = append(stale, account)
		}
	}
	return stale, nil
}

// readDay читает и сливает записи дня по всем включённым аккаунтам,
// от новых к старым.
func (c *Coordinator) readDay(ctx context.Context, day domain.Day) ([]domain.Record, error) {
	accounts, err := c.accounts.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("список аккаунтов: %w", err)
	}

	var records []domain.Record
	for _, account := range accounts {
		accountRecords, err := c.store.GetRecords(ctx, account.ID, day)
		if err != nil {
			return nil, fmt.Errorf("чтение записей %s/%s: %w", account.Provider, account.Login, err)
		}
		records = append(records, accountRecords...)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].OccurredAt.After(records[j].OccurredAt)
	})
	return records, nil
}

// reset возвращает день в NotLoaded после ошибки инфраструктуры,
// чтобы повторный LoadDay не стал no-op.
func (c *Coordinator) reset(day domain.Day) {
	c.mu.Lock()
	delete(c.days, day)
	c.mu.Unlock()
}

// Invalidate сбрасывает состояние дня в NotLoaded: следующий LoadDay снова
// обратится к хранилищу и при необходимости выгрузит день. Путь для
// явного force-обновления; день в процессе загрузки не трогается.
func (c *Coordinator) Invalidate(day domain.Day) {
	c.mu.Lock()
	if st, ok := c.days[day]; ok && st == stateLoaded {
		delete(c.days, day)
	}
	c.mu.Unlock()
}

// InvalidateAll сбрасывает все загруженные дни; используется при удалении
// аккаунта и ручной очистке кэша.
func (c *Coordinator) InvalidateAll() {
	c.mu.Lock()
	for day, st := range c.days {
		if st == stateLoaded {
			delete(c.days, day)
		}
	}
	c.mu.Unlock()
}
