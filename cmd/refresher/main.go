package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"pulseboard/internal/adapters/fetch"
	"pulseboard/internal/adapters/github"
	"pulseboard/internal/adapters/mtproto"
	"pulseboard/internal/adapters/repo"
	"pulseboard/internal/domain"
	"pulseboard/internal/infra/config"
	"pulseboard/internal/infra/db"
	applog "pulseboard/internal/infra/log"
	"pulseboard/internal/infra/metrics"
	"pulseboard/internal/infra/queue"
	"pulseboard/internal/usecase/refresh"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "refresher")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9091")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("refresher: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("refresher: не указан адрес RabbitMQ (RABBITMQ_URL)")
	}
	refreshQueue, err := queue.NewRabbitRefreshQueue(cfg.RabbitURL, cfg.Queues.Refresh)
	if err != nil {
		logger.Fatal().Err(err).Msg("refresher: не удалось инициализировать очередь RabbitMQ")
	}
	defer refreshQueue.Close()

	registry := fetch.NewRegistry()
	registry.Register(domain.ProviderGitHub, github.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL, cfg.GitHub.Timeout))
	if cfg.Telegram.APIID != 0 && cfg.Telegram.APIHash != "" && cfg.Telegram.SessionName != "" {
		sessionDB := mtproto.NewSessionDB(repoAdapter, cfg.Telegram.SessionName)
		registry.Register(domain.ProviderTelegram, mtproto.NewFetcher(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionDB, logger.With().Str("component", "mtproto").Logger()))
	}

	clock := domain.SystemClock{}
	batcher := refresh.NewBatcher(repoAdapter, registry, clock, cfg.Refresh.MaxDaysPerBatch, logger.With().Str("component", "batcher").Logger())
	orchestrator := refresh.NewOrchestrator(repoAdapter, repoAdapter, batcher, clock, cfg.Refresh.HorizonDays, cfg.Refresh.FreshnessWindow, cfg.Refresh.MaxDaysPerBatch, logger.With().Str("component", "orchestrator").Logger())
	gate := refresh.NewGate(orchestrator, clock, cfg.Refresh.Debounce)

	logger.Info().Msg("refresher: запуск обработки очереди")
	for {
		job, err := refreshQueue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error().Err(err).Msg("refresher: ошибка чтения очереди")
			continue
		}

		logger.Info().Str("job_id", job.ID).Str("cause", string(job.Cause)).Bool("force", job.Force).Msg("refresher: задача получена")
		if job.Force {
			err = gate.ForceRefresh(ctx)
		} else {
			err = gate.TriggerRefresh(ctx)
		}
		if err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("refresher: цикл завершился с ошибками")
		}
	}

	orchestrator.StopBackground()
	logger.Info().Msg("refresher: остановлен")
}
