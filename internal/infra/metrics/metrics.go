package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	RefreshCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_cycles_total",
		Help: "Количество запущенных циклов обновления",
	})
	RefreshCycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "refresh_cycle_seconds",
		Help:    "Длительность приоритетной фазы цикла обновления",
		Buckets: prometheus.DefBuckets,
	})
	BackgroundBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "background_batches_total",
		Help: "Количество обработанных фоновых пакетов",
	})
	FetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_errors_total",
		Help: "Ошибки выгрузки по провайдерам",
	}, []string{"provider"})
	DayLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "day_loads_total",
		Help: "Запросы загрузки дня по исходу (hit/inflight/cached/fetch)",
	}, []string{"outcome"})
	HeatmapCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heatmap_cache_total",
		Help: "Обращения к кэшу тепловой карты",
	}, []string{"result"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		RefreshCyclesTotal,
		RefreshCycleSeconds,
		BackgroundBatchesTotal,
		FetchErrorsTotal,
		DayLoadsTotal,
		HeatmapCacheTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncFetchError увеличивает счётчик ошибок выгрузки провайдера.
func IncFetchError(provider string) {
	if provider == "" {
		provider = "unknown"
	}
	FetchErrorsTotal.WithLabelValues(provider).Inc()
}

// IncDayLoad увеличивает счётчик загрузок дня по исходу.
func IncDayLoad(outcome string) {
	DayLoadsTotal.WithLabelValues(outcome).Inc()
}

// IncHeatmapCache увеличивает счётчик обращений к кэшу тепловой карты.
func IncHeatmapCache(result string) {
	HeatmapCacheTotal.WithLabelValues(result).Inc()
}
