// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// Ops notifier backends.
const (
	NotifierNone  = "none"
	NotifierNATS  = "nats"
	NotifierKafka = "kafka"
)

// Config is centralized process configuration.
type Config struct {
	ServiceName string
	LogLevel    string

	AMQPURL     string
	PostgresDSN string

	BrokerReconnectDelay time.Duration
	BrokerConfirmTimeout time.Duration

	RelayQueueSize     int
	RelaySweepBatch    int
	RelaySweepInterval time.Duration

	// RelayProcessTimeout bounds one command end to end. It must exceed
	// BrokerConfirmTimeout so confirm timeouts are reported by the publisher.
	RelayProcessTimeout time.Duration

	ListenerKeepAlive      time.Duration
	ListenerReconnectDelay time.Duration

	DedupTTL        time.Duration
	DedupMaxEntries int
	RedisAddr       string

	OpsNotifier   string
	NATSURL       string
	KafkaBrokers  []string
	KafkaOpsTopic string
}

// Load reads the environment, applying defaults for anything unset. Malformed numbers and
// durations are reported together.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		ServiceName: envString("SERVICE_NAME", "posbridge"),
		LogLevel:    envString("LOG_LEVEL", "info"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   strings.TrimSpace(os.Getenv("REDIS_ADDR")),

		OpsNotifier:   strings.ToLower(envString("OPS_NOTIFIER", NotifierNone)),
		NATSURL:       os.Getenv("NATS_URL"),
		KafkaBrokers:  envList("KAFKA_BROKERS"),
		KafkaOpsTopic: envString("KAFKA_OPS_TOPIC", "ops.pos.signals"),
	}

	cfg.BrokerReconnectDelay = envDuration("BROKER_RECONNECT_DELAY", 5*time.Second, &errs)
	cfg.BrokerConfirmTimeout = envDuration("BROKER_CONFIRM_TIMEOUT", 10*time.Second, &errs)
	cfg.RelayQueueSize = envInt("RELAY_QUEUE_SIZE", 256, &errs)
	cfg.RelaySweepBatch = envInt("RELAY_SWEEP_BATCH", 100, &errs)
	cfg.RelaySweepInterval = envDuration("RELAY_SWEEP_INTERVAL", time.Minute, &errs)
	cfg.RelayProcessTimeout = envDuration("RELAY_PROCESS_TIMEOUT", 3*cfg.BrokerConfirmTimeout, &errs)
	cfg.ListenerKeepAlive = envDuration("LISTENER_KEEPALIVE", 30*time.Second, &errs)
	cfg.ListenerReconnectDelay = envDuration("LISTENER_RECONNECT_DELAY", 5*time.Second, &errs)
	cfg.DedupTTL = envDuration("DEDUP_TTL", 5*time.Minute, &errs)
	cfg.DedupMaxEntries = envInt("DEDUP_MAX_ENTRIES", 100_000, &errs)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("load config: %w", errors.Join(append(errs, berr.ErrConfiguration)...))
	}

	return cfg, nil
}

// Validate checks the settings needed to run the bridge.
func (c Config) Validate() error {
	var errs []error

	if c.AMQPURL == "" {
		errs = append(errs, errors.New("AMQP_URL is required"))
	}

	if c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required"))
	}

	positive := map[string]int64{
		"BROKER_RECONNECT_DELAY":   int64(c.BrokerReconnectDelay),
		"BROKER_CONFIRM_TIMEOUT":   int64(c.BrokerConfirmTimeout),
		"RELAY_QUEUE_SIZE":         int64(c.RelayQueueSize),
		"RELAY_SWEEP_BATCH":        int64(c.RelaySweepBatch),
		"RELAY_SWEEP_INTERVAL":     int64(c.RelaySweepInterval),
		"RELAY_PROCESS_TIMEOUT":    int64(c.RelayProcessTimeout),
		"LISTENER_KEEPALIVE":       int64(c.ListenerKeepAlive),
		"LISTENER_RECONNECT_DELAY": int64(c.ListenerReconnectDelay),
		"DEDUP_TTL":                int64(c.DedupTTL),
		"DEDUP_MAX_ENTRIES":        int64(c.DedupMaxEntries),
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.RelayProcessTimeout > 0 && c.RelayProcessTimeout <= c.BrokerConfirmTimeout {
		errs = append(errs, errors.New("RELAY_PROCESS_TIMEOUT must exceed BROKER_CONFIRM_TIMEOUT"))
	}

	switch c.OpsNotifier {
	case NotifierNone:
	case NotifierNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required when OPS_NOTIFIER=nats"))
		}
	case NotifierKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when OPS_NOTIFIER=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("OPS_NOTIFIER %q is not one of none, nats, kafka", c.OpsNotifier))
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("invalid config: %w", errors.Join(append(errs, berr.ErrConfiguration)...))
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}

	return fallback
}

func envList(name string) []string {
	var out []string

	for _, value := range strings.Split(os.Getenv(name), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			out = append(out, value)
		}
	}

	return out
}

func envInt(name string, fallback int, errs *[]error) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return fallback
	}

	return v
}

func envDuration(name string, fallback time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}

	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return fallback
	}

	return v
}
