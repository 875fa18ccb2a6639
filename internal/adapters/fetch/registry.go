package fetch

import (
	"context"
	"fmt"

	"pulseboard/internal/domain"
)

// Registry маршрутизирует выгрузку к Fetcher нужного провайдера.
type Registry struct {
	fetchers map[domain.Provider]domain.Fetcher
}

var _ domain.Fetcher = (*Registry)(nil)

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[domain.Provider]domain.Fetcher)}
}

// Register привязывает Fetcher к провайдеру.
func (r *Registry) Register(provider domain.Provider, fetcher domain.Fetcher) {
	r.fetchers[provider] = fetcher
}

// FetchRange делегирует выгрузку Fetcher-у провайдера аккаунта.
func (r *Registry) FetchRange(ctx context.Context, account domain.Account, from, to domain.Day) ([]domain.Record, error) {
	fetcher, ok := r.fetchers[account.Provider]
	if !ok {
		return nil, fmt.Errorf("провайдер %s не настроен", account.Provider)
	}
	return fetcher.FetchRange(ctx, account, from, to)
}
