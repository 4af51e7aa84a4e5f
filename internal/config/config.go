package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Service struct {
	Environment     string `envconfig:"SERVICE_ENVIRONMENT" required:"true"`
	HealthCheckPort string `envconfig:"SERVICE_HEALTH_CHECK_PORT" default:"8081"`
}

type Kafka struct {
	Brokers           []string `envconfig:"KAFKA_BROKERS" required:"true"`
	Topic             string   `envconfig:"KAFKA_TOPIC" default:"events_ingestion"`
	GroupID           string   `envconfig:"KAFKA_GROUP_ID" default:"ingestion-consumer"`
	ClientID          string   `envconfig:"KAFKA_CLIENT_ID" default:"ingester"`
	AppMetricsTopic   string   `envconfig:"KAFKA_APP_METRICS_TOPIC" default:"app_metrics"`
	PluginLogTopic    string   `envconfig:"KAFKA_PLUGIN_LOG_TOPIC" default:"plugin_log_entries"`
	MaxPollRecords    int      `envconfig:"KAFKA_MAX_POLL_RECORDS" default:"500"`
	FetchMaxWaitMs    int      `envconfig:"KAFKA_FETCH_MAX_WAIT_MS" default:"1000"`
	SessionTimeoutSec int      `envconfig:"KAFKA_SESSION_TIMEOUT_SEC" default:"30"`
}

type Redis struct {
	Addr            string `envconfig:"REDIS_ADDR" required:"true"`
	Password        string `envconfig:"REDIS_PASSWORD" default:""`
	DB              int    `envconfig:"REDIS_DB" default:"0"`
	WatermarkPrefix string `envconfig:"REDIS_WATERMARK_PREFIX" default:"@ingester/watermarks"`
	CachePrefix     string `envconfig:"REDIS_CACHE_PREFIX" default:"@plugin/cache"`
}

type Postgres struct {
	URL          string `envconfig:"POSTGRES_URL" required:"true"`
	MaxOpenConns int    `envconfig:"POSTGRES_MAX_OPEN_CONNS" default:"10"`
}

type ClickHouse struct {
	Host            string `envconfig:"CLICKHOUSE_HOST" required:"true"`
	Port            string `envconfig:"CLICKHOUSE_PORT" required:"true"`
	Database        string `envconfig:"CLICKHOUSE_DB" required:"true"`
	User            string `envconfig:"CLICKHOUSE_USER" default:""`
	Password        string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	UseTLS          bool   `envconfig:"CLICKHOUSE_USE_TLS" default:"false"`
	MaxOpenConns    int    `envconfig:"CLICKHOUSE_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int    `envconfig:"CLICKHOUSE_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime int    `envconfig:"CLICKHOUSE_CONN_MAX_LIFETIME_SEC" default:"3600"`
}

type Consumer struct {
	MaxParallelism     int `envconfig:"CONSUMER_MAX_PARALLELISM" default:"10"`
	CommitIntervalSec  int `envconfig:"CONSUMER_COMMIT_INTERVAL_SEC" default:"5"`
	CommitCountTrigger int `envconfig:"CONSUMER_COMMIT_COUNT_TRIGGER" default:"500"`
}

type Sandbox struct {
	TaskTimeoutSec      int    `envconfig:"SANDBOX_TASK_TIMEOUT_SEC" default:"30"`
	KillSwitchThreshold int    `envconfig:"SANDBOX_KILL_SWITCH_THRESHOLD" default:"5"`
	GeoIPPath           string `envconfig:"SANDBOX_GEOIP_PATH" default:""`
	JobPollIntervalSec  int    `envconfig:"SANDBOX_JOB_POLL_INTERVAL_SEC" default:"5"`
	JobStaleRequeueSec  int    `envconfig:"SANDBOX_JOB_STALE_REQUEUE_SEC" default:"300"`
}

type Metrics struct {
	FlushIntervalSec int `envconfig:"METRICS_FLUSH_INTERVAL_SEC" default:"10"`
	FlushMaxBatch    int `envconfig:"METRICS_FLUSH_MAX_BATCH" default:"1000"`
	MaxErrorLength   int `envconfig:"METRICS_MAX_ERROR_LENGTH" default:"300"`
}

type Config struct {
	Service    Service
	Kafka      Kafka
	Redis      Redis
	Postgres   Postgres
	ClickHouse ClickHouse
	Consumer   Consumer
	Sandbox    Sandbox
	Metrics    Metrics
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
