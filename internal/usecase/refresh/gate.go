package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"pulseboard/internal/domain"
)

// Refresher запускает один видимый цикл обновления.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Gate ограничивает частоту внешних запросов на обновление: периодические
// триггеры проходят не чаще debounceInterval, явный Force — всегда.
type Gate struct {
	refresher Refresher
	clock     domain.Clock
	interval  time.Duration

	mu      sync.Mutex
	lastRun time.Time
}

// NewGate создаёт Gate.
func NewGate(refresher Refresher, clock domain.Clock, interval time.Duration) *Gate {
	return &Gate{refresher: refresher, clock: clock, interval: interval}
}

// TriggerRefresh запускает обновление, если с последнего запуска прошло не
// меньше debounce-интервала; иначе — no-op. Триггер во время идущего
// обновления отбрасывается.
func (g *Gate) TriggerRefresh(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()
	if !g.lastRun.IsZero() && now.Sub(g.lastRun) < g.interval {
		g.mu.Unlock()
		return nil
	}
	g.lastRun = now
	g.mu.Unlock()

	return g.run(ctx)
}

// ForceRefresh запускает обновление немедленно, игнорируя debounce и
// сбрасывая его отсчёт; используется для явного действия пользователя
// и для только что добавленных аккаунтов.
func (g *Gate) ForceRefresh(ctx context.Context) error {
	g.mu.Lock()
	g.lastRun = g.clock.Now()
	g.mu.Unlock()

	return g.run(ctx)
}

// ForceRefreshOnce выполняет ForceRefresh, только если ключ удалось
// занять в общем кэше: реплики, стартующие одновременно, запускают
// одно первичное обновление на ttl, а не по обновлению каждая.
func (g *Gate) ForceRefreshOnce(ctx context.Context, cache domain.Cache, key string, ttl time.Duration) error {
	return cache.Once(key, ttl, func() error {
		return g.ForceRefresh(ctx)
	})
}

func (g *Gate) run(ctx context.Context) error {
	err := g.refresher.Refresh(ctx)
	if errors.Is(err, ErrRefreshInProgress) {
		return nil
	}
	return err
}
