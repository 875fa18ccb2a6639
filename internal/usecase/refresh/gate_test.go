package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestGateDebouncesTriggers(t *testing.T) {
	refresher := &countingRefresher{}
	clock := &stubClock{now: time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(refresher, clock, 5*time.Minute)

	if err := gate.TriggerRefresh(context.Background()); err != nil {
		t.Fatalf("первый триггер: %v", err)
	}
	if err := gate.TriggerRefresh(context.Background()); err != nil {
		t.Fatalf("повторный триггер: %v", err)
	}
	if got := refresher.count(); got != 1 {
		t.Fatalf("триггер внутри debounce-интервала должен быть no-op, запусков %d", got)
	}

	clock.advance(5 * time.Minute)
	if err := gate.TriggerRefresh(context.Background()); err != nil {
		t.Fatalf("триггер после интервала: %v", err)
	}
	if got := refresher.count(); got != 2 {
		t.Fatalf("после истечения интервала триггер должен проходить, запусков %d", got)
	}
}

func TestGateForceBypassesDebounce(t *testing.T) {
	refresher := &countingRefresher{}
	clock := &stubClock{now: time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(refresher, clock, 5*time.Minute)

	gate.TriggerRefresh(context.Background())
	if err := gate.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("форсированный запуск: %v", err)
	}
	if got := refresher.count(); got != 2 {
		t.Fatalf("Force игнорирует debounce, запусков %d", got)
	}

	// Force сбрасывает отсчёт: обычный триггер сразу после него — no-op.
	gate.TriggerRefresh(context.Background())
	if got := refresher.count(); got != 2 {
		t.Fatalf("триггер сразу после Force должен быть no-op, запусков %d", got)
	}
}

// onceCache повторяет семантику SETNX: первый захват ключа выполняет
// функцию, повтор — no-op, ошибка освобождает ключ.
type onceCache struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newOnceCache() *onceCache { return &onceCache{keys: make(map[string]struct{})} }

func (c *onceCache) Once(key string, _ time.Duration, fn func() error) error {
	c.mu.Lock()
	if _, ok := c.keys[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.keys[key] = struct{}{}
	c.mu.Unlock()

	if err := fn(); err != nil {
		c.mu.Lock()
		delete(c.keys, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *onceCache) Set(string, []byte, time.Duration) error { return nil }

func (c *onceCache) Get(string) ([]byte, error) { return nil, errors.New("ключ не найден") }

func (c *onceCache) Del(key string) error {
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
	return nil
}

func TestGateForceRefreshOnceDeduplicates(t *testing.T) {
	refresher := &countingRefresher{}
	clock := &stubClock{now: time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(refresher, clock, 5*time.Minute)
	cache := newOnceCache()

	if err := gate.ForceRefreshOnce(context.Background(), cache, "refresh:initial", time.Minute); err != nil {
		t.Fatalf("первый захват ключа: %v", err)
	}
	if err := gate.ForceRefreshOnce(context.Background(), cache, "refresh:initial", time.Minute); err != nil {
		t.Fatalf("повторный захват ключа: %v", err)
	}
	if got := refresher.count(); got != 1 {
		t.Fatalf("занятый ключ должен подавлять повторный запуск, запусков %d", got)
	}
}

func TestGateForceRefreshOnceReleasesKeyOnError(t *testing.T) {
	refresher := &countingRefresher{err: errors.New("цикл не удался")}
	clock := &stubClock{now: time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(refresher, clock, 5*time.Minute)
	cache := newOnceCache()

	if err := gate.ForceRefreshOnce(context.Background(), cache, "refresh:initial", time.Minute); err == nil {
		t.Fatalf("ошибка цикла должна всплывать из Once")
	}

	refresher.err = nil
	if err := gate.ForceRefreshOnce(context.Background(), cache, "refresh:initial", time.Minute); err != nil {
		t.Fatalf("после ошибки ключ освобождается: %v", err)
	}
	if got := refresher.count(); got != 2 {
		t.Fatalf("после освобождения ключа запуск должен повториться, запусков %d", got)
	}
}

func TestGateSwallowsInProgress(t *testing.T) {
	refresher := &countingRefresher{err: ErrRefreshInProgress}
	clock := &stubClock{now: time.Date(2024, 3, 30, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(refresher, clock, 5*time.Minute)

	if err := gate.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("идущее обновление не считается ошибкой триггера: %v", err)
	}
}
