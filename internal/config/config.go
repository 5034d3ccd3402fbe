// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Stream configures the C1 stream queue adapter.
type Stream struct {
	Key             string        `mapstructure:"key"`
	DeadLetterKey   string        `mapstructure:"dead_letter_key"`
	MaxLen          int64         `mapstructure:"maxlen"`
	ApproximateTrim bool          `mapstructure:"approximate_trim"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	ConsumerName    string        `mapstructure:"consumer_name"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout_ms"`
	ReadCount       int64         `mapstructure:"read_count"`
}

// Worker configures the C5 worker loop.
type Worker struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// StateStore configures the C2 state store adapter.
type StateStore struct {
	Namespace  string        `mapstructure:"namespace"`
	TTLSeconds time.Duration `mapstructure:"ttl_seconds"`
}

// Clustering configures the C4 clustering engine.
type Clustering struct {
	MaxClusterSize int     `mapstructure:"max_cluster_size"`
	Eps            float64 `mapstructure:"eps"`
	IdentityEps    float64 `mapstructure:"identity_eps"`
	MinSamples     int     `mapstructure:"min_samples"`
}

// Insights configures the C3 insights HTTP client.
type Insights struct {
	BaseURL            string        `mapstructure:"base_url"`
	InternalToken      string        `mapstructure:"internal_token"`
	HTTPTimeoutSeconds time.Duration `mapstructure:"http_timeout_seconds"`
	ProcessorVersion   string        `mapstructure:"processor_version"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Observability struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	LogLevel       string `mapstructure:"log_level"`
}

// FrontDoor configures the C7 submission front door.
type FrontDoor struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	InternalToken string `mapstructure:"internal_token"`
}

type Config struct {
	Environment    string         `mapstructure:"environment"`
	Redis          Redis          `mapstructure:"redis"`
	Stream         Stream         `mapstructure:"stream"`
	Worker         Worker         `mapstructure:"worker"`
	StateStore     StateStore     `mapstructure:"state_store"`
	Clustering     Clustering     `mapstructure:"clustering"`
	Insights       Insights       `mapstructure:"insights"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	FrontDoor      FrontDoor      `mapstructure:"front_door"`
}

func defaultConfig() *Config {
	return &Config{
		Environment: "local",
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Stream: Stream{
			Key:             "streams:media.cluster",
			DeadLetterKey:   "streams:media.cluster.deadletter",
			MaxLen:          10000,
			ApproximateTrim: true,
			ConsumerGroup:   "media-clustering-workers",
			ConsumerName:    "media-clustering-worker",
			ReadTimeout:     5000 * time.Millisecond,
			ReadCount:       16,
		},
		Worker: Worker{
			MaxAttempts: 5,
		},
		StateStore: StateStore{
			Namespace:  "sploot.media.clusters",
			TTLSeconds: 86400 * time.Second,
		},
		Clustering: Clustering{
			MaxClusterSize: 24,
			Eps:            0.3,
			IdentityEps:    0.15,
			MinSamples:     2,
		},
		Insights: Insights{
			HTTPTimeoutSeconds: 10 * time.Second,
			ProcessorVersion:   "v1.0.0",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsEnabled: true,
			MetricsPort:    9105,
			LogLevel:       "info",
		},
		FrontDoor: FrontDoor{
			ListenAddr: ":8080",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("environment", def.Environment)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("stream.key", def.Stream.Key)
	v.SetDefault("stream.dead_letter_key", def.Stream.DeadLetterKey)
	v.SetDefault("stream.maxlen", def.Stream.MaxLen)
	v.SetDefault("stream.approximate_trim", def.Stream.ApproximateTrim)
	v.SetDefault("stream.consumer_group", def.Stream.ConsumerGroup)
	v.SetDefault("stream.consumer_name", def.Stream.ConsumerName)
	v.SetDefault("stream.read_timeout_ms", def.Stream.ReadTimeout)
	v.SetDefault("stream.read_count", def.Stream.ReadCount)

	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)

	v.SetDefault("state_store.namespace", def.StateStore.Namespace)
	v.SetDefault("state_store.ttl_seconds", def.StateStore.TTLSeconds)

	v.SetDefault("clustering.max_cluster_size", def.Clustering.MaxClusterSize)
	v.SetDefault("clustering.eps", def.Clustering.Eps)
	v.SetDefault("clustering.identity_eps", def.Clustering.IdentityEps)
	v.SetDefault("clustering.min_samples", def.Clustering.MinSamples)

	v.SetDefault("insights.base_url", def.Insights.BaseURL)
	v.SetDefault("insights.internal_token", def.Insights.InternalToken)
	v.SetDefault("insights.http_timeout_seconds", def.Insights.HTTPTimeoutSeconds)
	v.SetDefault("insights.processor_version", def.Insights.ProcessorVersion)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_enabled", def.Observability.MetricsEnabled)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("front_door.listen_addr", def.FrontDoor.ListenAddr)
	v.SetDefault("front_door.internal_token", def.FrontDoor.InternalToken)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Stream.Key == "" {
		return fmt.Errorf("stream.key must be non-empty")
	}
	if cfg.Stream.DeadLetterKey == "" {
		return fmt.Errorf("stream.dead_letter_key must be non-empty")
	}
	if cfg.Stream.ConsumerGroup == "" {
		return fmt.Errorf("stream.consumer_group must be non-empty")
	}
	if cfg.Stream.ReadCount <= 0 {
		return fmt.Errorf("stream.read_count must be > 0")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if cfg.Clustering.MinSamples < 1 {
		return fmt.Errorf("clustering.min_samples must be >= 1")
	}
	if cfg.Clustering.MaxClusterSize < 1 {
		return fmt.Errorf("clustering.max_cluster_size must be >= 1")
	}
	if cfg.Clustering.Eps <= 0 {
		return fmt.Errorf("clustering.eps must be > 0")
	}
	if cfg.Clustering.IdentityEps <= 0 {
		return fmt.Errorf("clustering.identity_eps must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
