package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pulseboard/internal/domain"
	"pulseboard/internal/usecase/refresh"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[domain.DayKey]domain.DayEntry
	records map[domain.DayKey][]domain.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[domain.DayKey]domain.DayEntry),
		records: make(map[domain.DayKey][]domain.Record),
	}
}

func (s *fakeStore) GetDay(_ context.Context, accountID int64, day domain.Day) (*domain.DayEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[domain.DayKey{AccountID: accountID, Day: day}]; ok {
		copied := entry
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStore) GetRecords(_ context.Context, accountID int64, day domain.Day) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Record(nil), s.records[domain.DayKey{AccountID: accountID, Day: day}]...), nil
}

func (s *fakeStore) PutDay(_ context.Context, accountID int64, day domain.Day, records []domain.Record, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.DayKey{AccountID: accountID, Day: day}
	s.entries[key] = domain.DayEntry{FetchedAt: fetchedAt, Count: len(records)}
	s.records[key] = append([]domain.Record(nil), records...)
	return nil
}

func (s *fakeStore) ScanDays(_ context.Context, accountIDs []int64, days []domain.Day) (map[domain.DayKey]domain.DayEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.DayKey]domain.DayEntry)
	for _, id := range accountIDs {
		for _, day := range days {
			key := domain.DayKey{AccountID: id, Day: day}
			if entry, ok := s.entries[key]; ok {
				out[key] = entry
			}
		}
	}
	return out, nil
}

func (s *fakeStore) seed(accountID int64, day domain.Day, fetchedAt time.Time, records ...domain.Record) {
	s.PutDay(context.Background(), accountID, day, records, fetchedAt)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
	fn    func(account domain.Account) ([]domain.Record, error)
}

func (f *fakeFetcher) FetchRange(_ context.Context, account domain.Account, _, _ domain.Day) ([]domain.Record, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(account)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAccounts struct {
	accounts []domain.Account
	listErr  error
}

func (r *fakeAccounts) ListEnabled(context.Context) ([]domain.Account, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]domain.Account(nil), r.accounts...), nil
}

func (r *fakeAccounts) GetByID(_ context.Context, id int64) (domain.Account, error) {
	for _, account := range r.accounts {
		if account.ID == id {
			return account, nil
		}
	}
	return domain.Account{}, errors.New("нет аккаунта")
}

func (r *fakeAccounts) UpsertAccount(_ context.Context, account domain.Account) (domain.Account, error) {
	return account, nil
}

func (r *fakeAccounts) SetEnabled(context.Context, int64, bool) error { return nil }

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(store *fakeStore, fetcher *fakeFetcher, clock *fixedClock, accounts ...domain.Account) *Coordinator {
	repo := &fakeAccounts{accounts: accounts}
	batcher := refresh.NewBatcher(store, fetcher, clock, 14, zerolog.Nop())
	return NewCoordinator(repo, store, batcher, clock, 15*time.Minute, zerolog.Nop())
}

func ghAccount(id int64, login string) domain.Account {
	return domain.Account{ID: id, Provider: domain.ProviderGitHub, Login: login, Enabled: true}
}

func TestLoadDayFetchesMissingDay(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	fetcher := &fakeFetcher{fn: func(account domain.Account) ([]domain.Record, error) {
		return []domain.Record{{ID: "r1", Kind: "event", OccurredAt: now.Add(-time.Hour)}}, nil
	}}
	clock := &fixedClock{now: now}
	c := newTestCoordinator(store, fetcher, clock, ghAccount(1, "alice"))

	records, err := c.LoadDay(context.Background(), domain.DayOf(now))
	if err != nil {
		t.Fatalf("загрузка дня: %v", err)
	}
	if len(records) != 1 || records[0].ID != "r1" {
		t.Fatalf("ожидали одну запись r1, получили %v", records)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("недостающий день выгружается ровно один раз, выгрузок %d", fetcher.callCount())
	}
}

func TestLoadDaySingleFetchUnderConcurrency(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	fetcher := &fakeFetcher{block: make(chan struct{})}
	clock := &fixedClock{now: now}
	c := newTestCoordinator(store, fetcher, clock, ghAccount(1, "alice"))
	day := domain.DayOf(now)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		c.LoadDay(context.Background(), day)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for fetcher.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("первая выгрузка так и не началась")
		}
		time.Sleep(time.Millisecond)
	}

	// Пока день в состоянии Loading, конкурентные вызовы отдают текущее
	// содержимое кэша и не порождают вторую выгрузку.
	for i := 0; i < 5; i++ {
		if _, err := c.LoadDay(context.Background(), day); err != nil {
			t.Fatalf("конкурентный вызов %d: %v", i, err)
		}
	}
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("на день допускается не более одной выгрузки, получили %d", got)
	}

	close(fetcher.block)
	<-firstDone
}

func TestLoadDayServesFreshFromCache(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	fetcher := &fakeFetcher{}
	clock := &fixedClock{now: now}
	c := newTestCoordinator(store, fetcher, clock, ghAccount(1, "alice"))

	// Прошлые дни не устаревают: запись десятичасовой давности — валидна.
	yesterday := domain.DayOf(now).Prev()
	store.seed(1, yesterday, now.Add(-10*time.Hour), domain.Record{ID: "old", OccurredAt: now.Add(-20 * time.Hour)})

	records, err := c.LoadDay(context.Background(), yesterday)
	if err != nil {
		t.Fatalf("загрузка дня: %v", err)
	}
	if len(records) != 1 || records[0].ID != "old" {
		t.Fatalf("ожидали кэшированную запись, получили %v", records)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("прошлый день с индексной записью не должен выгружаться")
	}
}

func TestLoadDayRefreshesStaleToday(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	fetcher := &fakeFetcher{}
	clock := &fixedClock{now: now}
	c := newTestCoordinator(store, fetcher, clock, ghAccount(1, "alice"))
	today := domain.DayOf(now)

	// Свежая запись внутри окна — выгрузки нет.
	store.seed(1, today, now.Add(-14*time.Minute-59*time.Second))
	if _, err := c.LoadDay(context.Background(), today); err != nil {
		t.Fatalf("загрузка свежего дня: %v", err)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("свежий сегодняшний день не должен выгружаться")
	}

	// После инвалидации и устаревания записи день выгружается заново.
	c.Invalidate(today)
	store.seed(1, today, now.Add(-15*time.Minute-1*time.Second))
	if _, err := c.LoadDay(context.Background(), today); err != nil {
		t.Fatalf("загрузка устаревшего дня: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("устаревший сегодняшний день должен выгружаться, выгрузок %d", fetcher.callCount())
	}
}

func TestLoadDayRetriesAfterInfraError(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	fetcher := &fakeFetcher{}
	clock := &fixedClock{now: now}
	repo := &fakeAccounts{accounts: []domain.Account{ghAccount(1, "alice")}, listErr: errors.New("база недоступна")}
	batcher := refresh.NewBatcher(store, fetcher, clock, 14, zerolog.Nop())
	c := NewCoordinator(repo, store, batcher, clock, 15*time.Minute, zerolog.Nop())
	day := domain.DayOf(now)

	if _, err := c.LoadDay(context.Background(), day); err == nil {
		t.Fatalf("инфраструктурная ошибка должна всплывать")
	}

	// День вернулся в NotLoaded: после восстановления повторный вызов
	// выполняет выгрузку, а не отдаёт пустой Loaded-день.
	repo.listErr = nil
	if _, err := c.LoadDay(context.Background(), day); err != nil {
		t.Fatalf("повторная загрузка после восстановления: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("после сброса день должен выгружаться, выгрузок %d", fetcher.callCount())
	}

	// Теперь день Loaded: следующий вызов — чистое кэш-попадание.
	if _, err := c.LoadDay(context.Background(), day); err != nil {
		t.Fatalf("кэш-попадание: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("загруженный день не должен выгружаться повторно, выгрузок %d", fetcher.callCount())
	}
}

func TestLoadDayReturnsPartialDataWithError(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	fetcher := &fakeFetcher{fn: func(account domain.Account) ([]domain.Record, error) {
		if account.ID == 2 {
			return nil, errors.New("провайдер недоступен")
		}
		return []domain.Record{{ID: "ok", OccurredAt: now.Add(-time.Hour)}}, nil
	}}
	clock := &fixedClock{now: now}
	c := newTestCoordinator(store, fetcher, clock, ghAccount(1, "alice"), ghAccount(2, "bob"))

	records, err := c.LoadDay(context.Background(), domain.DayOf(now))
	if err == nil {
		t.Fatalf("ошибка аккаунта должна всплывать рядом с результатом")
	}
	var refreshErr *domain.RefreshError
	if !errors.As(err, &refreshErr) || refreshErr.Len() != 1 {
		t.Fatalf("ожидали одну ошибку аккаунта, получили %v", err)
	}
	if len(records) != 1 || records[0].ID != "ok" {
		t.Fatalf("частичные данные должны возвращаться несмотря на ошибку: %v", records)
	}
}

func TestLoadDayMergesAccountsNewestFirst(t *testing.T) {
	now := time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	clock := &fixedClock{now: now}
	c := newTestCoordinator(store, &fakeFetcher{}, clock, ghAccount(1, "alice"), ghAccount(2, "bob"))

	yesterday := domain.DayOf(now).Prev()
	store.seed(1, yesterday, now, domain.Record{ID: "older", AccountID: 1, OccurredAt: now.Add(-20 * time.Hour)})
	store.seed(2, yesterday, now, domain.Record{ID: "newer", AccountID: 2, OccurredAt: now.Add(-15 * time.Hour)})

	records, err := c.LoadDay(context.Background(), yesterday)
	if err != nil {
		t.Fatalf("загрузка дня: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ожидали записи обоих аккаунтов, получили %d", len(records))
	}
	if records[0].ID != "newer" || records[1].ID != "older" {
		t.Fatalf("записи должны идти от новых к старым: %v, %v", records[0].ID, records[1].ID)
	}
}
