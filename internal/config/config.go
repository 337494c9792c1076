package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

const (
	JobQueueRedis = "redis"
	JobQueueLocal = "local"
)

type Config struct {
	DatabaseDSN         string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL         string `env:"RABBITMQ_URL,required=true"`
	RedisURL            string `env:"REDIS_URL,required=true"`
	AuthURL             string `env:"AUTH_URL,required=true"`
	AuthServiceToken    string `env:"AUTH_SERVICE_TOKEN,required=true"`
	MasterTenantUUID    string `env:"MASTER_TENANT_UUID,required=true"`
	BusExchange         string `env:"BUS_EXCHANGE,default=wazo-headers"`
	BusUpstreamExchange string `env:"BUS_UPSTREAM_EXCHANGE,default=xivo"`
	JobQueue            string `env:"JOB_QUEUE,default=redis"`
	WorkerConcurrency   int    `env:"WORKER_CONCURRENCY,default=16"`
	HookMaxAttempts     int    `env:"HOOK_MAX_ATTEMPTS,default=10"`
	RateLimitPerSec     int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	HTTPConnectTimeout  int    `env:"HTTP_CONNECT_TIMEOUT_SEC,default=5"`
	HTTPReadTimeout     int    `env:"HTTP_READ_TIMEOUT_SEC,default=15"`
	APNSTopic           string `env:"APNS_TOPIC,default=io.wazo.songbird"`
	PushProxyURL        string `env:"PUSH_PROXY_URL"`
	LogRetentionDays    int    `env:"LOG_RETENTION_DAYS,default=30"`
	LogPurgeSchedule    string `env:"LOG_PURGE_SCHEDULE,default=0 3 * * *"`
	APIPort             int    `env:"API_PORT,default=8080"`
	LogLevel            string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.JobQueue != JobQueueRedis && cfg.JobQueue != JobQueueLocal {
		return nil, fmt.Errorf("failed to load config: invalid JOB_QUEUE %q", cfg.JobQueue)
	}
	return &cfg, nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.HTTPConnectTimeout) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.HTTPReadTimeout) * time.Second
}

func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}
