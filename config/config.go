// Package config loads process configuration from ORDERFLOW_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"orderflow/infra/chain"
	"orderflow/infra/logging"
)

type Config struct {
	DataDir   string `env:"ORDERFLOW_DATA_DIR" envDefault:"./data"`
	LockTable string `env:"ORDERFLOW_LOCK_TABLE" envDefault:"address_locks"`

	GRPCAddr    string `env:"ORDERFLOW_GRPC_ADDR" envDefault:":50051"`
	MetricsAddr string `env:"ORDERFLOW_METRICS_ADDR" envDefault:":9090"`

	Kafka Kafka
	Chain Chain

	OrderAgeThreshold time.Duration `env:"ORDERFLOW_ORDER_AGE_THRESHOLD" envDefault:"5m"`
	MonitorInterval   time.Duration `env:"ORDERFLOW_MONITOR_INTERVAL" envDefault:"1m"`
	SubmittedAfter    time.Duration `env:"ORDERFLOW_MONITOR_SUBMITTED_AFTER" envDefault:"10m"`
	MonitorWorkers    int           `env:"ORDERFLOW_MONITOR_WORKERS" envDefault:"4"`

	Log logging.Config `envPrefix:"ORDERFLOW_LOG_"`
}

type Kafka struct {
	Brokers     []string `env:"ORDERFLOW_KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EventsTopic string   `env:"ORDERFLOW_KAFKA_EVENTS_TOPIC" envDefault:"orderflow.events"`
	ChainTopic  string   `env:"ORDERFLOW_KAFKA_CHAIN_TOPIC" envDefault:"chain.events"`
	DeadLetter  string   `env:"ORDERFLOW_KAFKA_DEAD_LETTER_TOPIC" envDefault:"orderflow.dead_letter"`
	GroupID     string   `env:"ORDERFLOW_KAFKA_GROUP_ID" envDefault:"orderflow"`
	ClientID    string   `env:"ORDERFLOW_KAFKA_CLIENT_ID" envDefault:"orderflow"`
}

type Chain struct {
	// Endpoints is a comma separated list of chain_id=url pairs.
	Endpoints        string   `env:"ORDERFLOW_CHAIN_ENDPOINTS"`
	ManagedAddresses []string `env:"ORDERFLOW_MANAGED_ADDRESSES" envSeparator:","`
	RateLimit        float64  `env:"ORDERFLOW_CHAIN_RATE_LIMIT" envDefault:"20"`
	RateBurst        int      `env:"ORDERFLOW_CHAIN_RATE_BURST" envDefault:"5"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.LockTable == "" {
		return fmt.Errorf("config: lock table name is empty")
	}
	if c.OrderAgeThreshold <= 0 || c.MonitorInterval <= 0 || c.SubmittedAfter <= 0 {
		return fmt.Errorf("config: durations must be positive")
	}
	if _, err := c.Chain.ParsedEndpoints(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Chain) ParsedEndpoints() (map[uint64]string, error) {
	return chain.ParseEndpoints(c.Endpoints)
}
