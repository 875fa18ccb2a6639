package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	GitHub struct {
		Token   string        `envconfig:"GITHUB_TOKEN"`
		BaseURL string        `envconfig:"GITHUB_BASE_URL"`
		Timeout time.Duration `envconfig:"GITHUB_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Telegram struct {
		APIID       int    `envconfig:"TG_API_ID"`
		APIHash     string `envconfig:"TG_API_HASH"`
		SessionName string `envconfig:"MTPROTO_SESSION_NAME"`
	} `envconfig:""`

	Refresh struct {
		HorizonDays     int           `envconfig:"HORIZON_DAYS" default:"91"`
		FreshnessWindow time.Duration `envconfig:"FRESHNESS_WINDOW" default:"15m"`
		MaxDaysPerBatch int           `envconfig:"MAX_DAYS_PER_BATCH" default:"14"`
		Debounce        time.Duration `envconfig:"REFRESH_DEBOUNCE" default:"5m"`
		Interval        time.Duration `envconfig:"REFRESH_INTERVAL" default:"15m"`
	} `envconfig:""`

	Queues struct {
		Refresh string `envconfig:"REFRESH_QUEUE_KEY" default:"refresh_jobs"`
	} `envconfig:""`

	Cache struct {
		HeatmapTTL time.Duration `envconfig:"HEATMAP_CACHE_TTL" default:"60s"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
