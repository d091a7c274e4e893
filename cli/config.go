package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/backoff"
)

// FileConfig is the on-disk configuration for the backstop service. All
// fields have env-var fallbacks so container deployments can skip the
// file entirely.
type FileConfig struct {
	// Store selects the backend: "memory", "postgres", or "redis".
	Store string `yaml:"store"`

	Postgres struct {
		// URL is a pgx connection string.
		URL string `yaml:"url"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"group_id"`
		// ResultsTopic, when set, receives the admission verdict for
		// each consumed order message.
		ResultsTopic string `yaml:"results_topic"`
	} `yaml:"kafka"`

	Sweep struct {
		IntervalSeconds int     `yaml:"interval_seconds"`
		BatchSize       int     `yaml:"batch_size"`
		ReplayRate      float64 `yaml:"replay_rate"`
		ReplayBurst     int     `yaml:"replay_burst"`
	} `yaml:"sweep"`

	Retry struct {
		Backoff BackoffConfig `yaml:"backoff"`
	} `yaml:"retry"`
}

// BackoffConfig selects the delay strategy applied between retry attempts.
// Strategy is one of "schedule" (the default 5s/15s/45s unless
// delays_seconds is set), "constant", "exponential", or
// "exponential_jitter".
type BackoffConfig struct {
	Strategy        string    `yaml:"strategy"`
	DelaysSeconds   []float64 `yaml:"delays_seconds"`
	IntervalSeconds float64   `yaml:"interval_seconds"`
	InitialSeconds  float64   `yaml:"initial_seconds"`
	Factor          float64   `yaml:"factor"`
	MaxSeconds      float64   `yaml:"max_seconds"`
}

// LoadConfig reads the YAML config at path, layering env-var overrides on
// top. A missing file is not an error; env vars and defaults carry the
// whole configuration in that case. A .env file, when present, is loaded
// first.
func LoadConfig(path string) (*FileConfig, error) {
	_ = godotenv.Load() //nolint:errcheck // absent .env is fine

	cfg := &FileConfig{}
	cfg.Store = "memory"
	cfg.HTTP.Addr = ":8080"

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("BACKSTOP_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("BACKSTOP_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("BACKSTOP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BACKSTOP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BACKSTOP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = []string{v}
	}
	if v := os.Getenv("BACKSTOP_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("BACKSTOP_KAFKA_GROUP_ID"); v != "" {
		cfg.Kafka.GroupID = v
	}
	if v := os.Getenv("BACKSTOP_KAFKA_RESULTS_TOPIC"); v != "" {
		cfg.Kafka.ResultsTopic = v
	}
	if v := os.Getenv("BACKSTOP_RETRY_BACKOFF"); v != "" {
		cfg.Retry.Backoff.Strategy = v
	}
	return cfg, nil
}

// backoffStrategy builds the configured delay strategy. Unset or unknown
// strategies fall back to the default schedule.
func (c *FileConfig) backoffStrategy() backoff.Strategy {
	b := c.Retry.Backoff
	seconds := func(s float64) time.Duration {
		return time.Duration(s * float64(time.Second))
	}
	switch b.Strategy {
	case "constant":
		if b.IntervalSeconds > 0 {
			return backoff.NewConstant(seconds(b.IntervalSeconds))
		}
	case "exponential":
		if b.InitialSeconds > 0 {
			return backoff.NewExponential(seconds(b.InitialSeconds), b.Factor, seconds(b.MaxSeconds))
		}
	case "exponential_jitter":
		if b.InitialSeconds > 0 {
			return backoff.NewExponentialWithJitter(seconds(b.InitialSeconds), seconds(b.MaxSeconds))
		}
	case "", "schedule":
		if len(b.DelaysSeconds) > 0 {
			delays := make([]time.Duration, len(b.DelaysSeconds))
			for i, s := range b.DelaysSeconds {
				delays[i] = seconds(s)
			}
			return backoff.NewSchedule(delays...)
		}
	}
	return backoff.DefaultSchedule()
}

// serviceConfig maps the file settings onto the control-plane defaults.
func (c *FileConfig) serviceConfig() backstop.Config {
	cfg := backstop.DefaultConfig()
	if c.Sweep.IntervalSeconds > 0 {
		cfg.SweepInterval = time.Duration(c.Sweep.IntervalSeconds) * time.Second
	}
	if c.Sweep.BatchSize > 0 {
		cfg.SweepBatchSize = c.Sweep.BatchSize
	}
	if c.Sweep.ReplayRate > 0 {
		cfg.ReplayRate = c.Sweep.ReplayRate
	}
	if c.Sweep.ReplayBurst > 0 {
		cfg.ReplayBurst = c.Sweep.ReplayBurst
	}
	return cfg
}
