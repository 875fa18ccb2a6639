package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/config"
	applog "pulseboard/internal/infra/log"
	"pulseboard/internal/infra/metrics"
	"pulseboard/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("scheduler: не указан адрес RabbitMQ (RABBITMQ_URL)")
	}
	refreshQueue, err := queue.NewRabbitRefreshQueue(cfg.RabbitURL, cfg.Queues.Refresh)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
	}
	defer refreshQueue.Close()

	ticker := time.NewTicker(cfg.Refresh.Interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", cfg.Refresh.Interval).Msg("scheduler: запуск периодических обновлений")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
			job := domain.RefreshJob{
				ID:          uuid.NewString(),
				Cause:       domain.RefreshCauseScheduled,
				RequestedAt: time.Now().UTC(),
			}
			if err := refreshQueue.Enqueue(ctx, job); err != nil {
				logger.Error().Err(err).Msg("scheduler: не удалось опубликовать задачу")
				continue
			}
			logger.Debug().Str("job_id", job.ID).Msg("scheduler: задача обновления опубликована")
		}
	}
}
