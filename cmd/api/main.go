package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"pulseboard/internal/adapters/fetch"
	"pulseboard/internal/adapters/github"
	"pulseboard/internal/adapters/httpapi"
	"pulseboard/internal/adapters/mtproto"
	"pulseboard/internal/adapters/repo"
	"pulseboard/internal/domain"
	rediscache "pulseboard/internal/infra/cache"
	"pulseboard/internal/infra/config"
	"pulseboard/internal/infra/db"
	httpinfra "pulseboard/internal/infra/http"
	applog "pulseboard/internal/infra/log"
	"pulseboard/internal/infra/metrics"
	"pulseboard/internal/usecase/feed"
	"pulseboard/internal/usecase/refresh"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("api: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	responseCache := rediscache.NewRedis(redisClient)

	registry := fetch.NewRegistry()
	registry.Register(domain.ProviderGitHub, github.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL, cfg.GitHub.Timeout))
	if cfg.Telegram.APIID != 0 && cfg.Telegram.APIHash != "" && cfg.Telegram.SessionName != "" {
		sessionDB := mtproto.NewSessionDB(repoAdapter, cfg.Telegram.SessionName)
		registry.Register(domain.ProviderTelegram, mtproto.NewFetcher(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionDB, logger.With().Str("component", "mtproto").Logger()))
	} else {
		logger.Warn().Msg("api: провайдер Telegram не настроен, аккаунты Telegram выгружаться не будут")
	}

	clock := domain.SystemClock{}
	batcher := refresh.NewBatcher(repoAdapter, registry, clock, cfg.Refresh.MaxDaysPerBatch, logger.With().Str("component", "batcher").Logger())
	orchestrator := refresh.NewOrchestrator(repoAdapter, repoAdapter, batcher, clock, cfg.Refresh.HorizonDays, cfg.Refresh.FreshnessWindow, cfg.Refresh.MaxDaysPerBatch, logger.With().Str("component", "orchestrator").Logger())
	gate := refresh.NewGate(orchestrator, clock, cfg.Refresh.Debounce)
	coordinator := feed.NewCoordinator(repoAdapter, repoAdapter, batcher, clock, cfg.Refresh.FreshnessWindow, logger.With().Str("component", "coordinator").Logger())

	handler := httpapi.NewHandler(coordinator, orchestrator, gate, repoAdapter, responseCache, cfg.Cache.HeatmapTTL, logger.With().Str("component", "api").Logger())

	// Изменившиеся дни немедленно инвалидируют закэшированную тепловую
	// карту, чтобы потребитель видел прогресс фоновой зачистки.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case days := <-orchestrator.Updates():
				logger.Debug().Int("days", len(days)).Msg("api: данные дней обновились")
				handler.InvalidateHeatmap()
			}
		}
	}()

	if needs, err := orchestrator.NeedsInitialFetch(ctx); err != nil {
		logger.Error().Err(err).Msg("api: проверка первичной выгрузки не удалась")
	} else if needs {
		logger.Info().Msg("api: кэш пуст или устарел, запускаем первичное обновление")
		go func() {
			// Ключ в Redis не даёт нескольким репликам запустить
			// первичное обновление одновременно.
			if err := gate.ForceRefreshOnce(context.Background(), responseCache, "refresh:initial", cfg.Refresh.Debounce); err != nil {
				logger.Warn().Err(err).Msg("api: первичное обновление завершилось с ошибками")
			}
		}()
	}

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	handler.Mount(server.Router)

	go func() {
		<-ctx.Done()
		orchestrator.StopBackground()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: ошибка остановки HTTP сервера")
		}
	}()

	if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Info().Err(err).Msg("api: HTTP сервер остановлен")
	}
}
