package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Timeline TimelineConfig `mapstructure:"timeline"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode         string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Swagger 是否挂载 /swagger 文档页
	Swagger bool `mapstructure:"swagger"`
}

type DatabaseConfig struct {
	// Driver 取值 postgres 或 sqlite
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// TimelineConfig 时间线构建与缓存策略
type TimelineConfig struct {
	DefaultPageSize   int           `mapstructure:"default_page_size" validate:"min=1"`
	MaxPageSize       int           `mapstructure:"max_page_size" validate:"gtefield=DefaultPageSize"`
	Oversample        int           `mapstructure:"oversample" validate:"min=1"`
	ActiveTTL         time.Duration `mapstructure:"active_ttl" validate:"gt=0"`
	InactiveTTL       time.Duration `mapstructure:"inactive_ttl" validate:"gtfield=ActiveTTL"`
	ActivityThreshold time.Duration `mapstructure:"activity_threshold" validate:"gt=0"`
	KeyPrefix         string        `mapstructure:"key_prefix" validate:"required"`
}

// RankingConfig 相关性打分权重
type RankingConfig struct {
	RecencyWeight    float64       `mapstructure:"recency_weight" validate:"gt=0"`
	AffinityWeight   float64       `mapstructure:"affinity_weight" validate:"gt=0"`
	EngagementWeight float64       `mapstructure:"engagement_weight" validate:"gte=0"`
	RecencyHalfLife  time.Duration `mapstructure:"recency_half_life" validate:"gt=0"`
}

// RefreshConfig 缓存刷新任务
type RefreshConfig struct {
	Workers      int           `mapstructure:"workers" validate:"min=1"`
	QueueSize    int           `mapstructure:"queue_size" validate:"min=1"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
	BulkInterval time.Duration `mapstructure:"bulk_interval"`
	ActiveWindow time.Duration `mapstructure:"active_window" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	RatePerSec   float64       `mapstructure:"rate_per_sec" validate:"gte=0"`
	ProgressStep int           `mapstructure:"progress_step" validate:"min=1"`
	Warm         bool          `mapstructure:"warm"`
}

type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ClaimLimit   int           `mapstructure:"claim_limit" validate:"min=1"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
}

type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// setDefaults 每个配置项都要在这里登记，否则 AutomaticEnv 在 Unmarshal 时读不到对应环境变量
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.swagger", true)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=timeline port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("timeline.default_page_size", 20)
	v.SetDefault("timeline.max_page_size", 100)
	v.SetDefault("timeline.oversample", 2)
	v.SetDefault("timeline.active_ttl", 15*time.Minute)
	v.SetDefault("timeline.inactive_ttl", 60*time.Minute)
	v.SetDefault("timeline.activity_threshold", 24*time.Hour)
	v.SetDefault("timeline.key_prefix", "timeline")

	v.SetDefault("ranking.recency_weight", 1.0)
	v.SetDefault("ranking.affinity_weight", 0.5)
	v.SetDefault("ranking.engagement_weight", 0.3)
	v.SetDefault("ranking.recency_half_life", 24*time.Hour)

	v.SetDefault("refresh.workers", 4)
	v.SetDefault("refresh.queue_size", 10000)
	v.SetDefault("refresh.max_attempts", 3)
	v.SetDefault("refresh.job_timeout", 300*time.Second)
	v.SetDefault("refresh.bulk_interval", 30*time.Minute)
	v.SetDefault("refresh.active_window", 7*24*time.Hour)
	v.SetDefault("refresh.batch_size", 500)
	v.SetDefault("refresh.rate_per_sec", 200.0)
	v.SetDefault("refresh.progress_step", 1000)
	v.SetDefault("refresh.warm", false)

	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.poll_interval", 200*time.Millisecond)
	v.SetDefault("outbox.claim_limit", 64)
	v.SetDefault("outbox.max_attempts", 5)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "timeline-feed")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Load 读取配置：默认值 < config.yaml < .env < 环境变量（TIMELINE_ 前缀）
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TIMELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
