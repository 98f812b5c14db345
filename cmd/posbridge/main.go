// Command posbridge runs the POS bridge process.
//
//	posbridge run            relay commands and consume events until SIGINT/SIGTERM
//	posbridge migrate        apply the command store schema
//	posbridge requeue <id>   move a FAILED command back to PENDING
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/next-trace/scg-pos-bridge/adapters/kafka"
	"github.com/next-trace/scg-pos-bridge/adapters/nats"
	"github.com/next-trace/scg-pos-bridge/adapters/postgres"
	"github.com/next-trace/scg-pos-bridge/adapters/rabbitmq"
	"github.com/next-trace/scg-pos-bridge/adapters/redis"
	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	"github.com/next-trace/scg-pos-bridge/internal/config"
	"github.com/next-trace/scg-pos-bridge/internal/logging"
	"github.com/next-trace/scg-pos-bridge/servicebus"
)

const usage = "usage: posbridge run | migrate | requeue <command-id>"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return serve(ctx, cfg, logger)
	case "migrate":
		if cfg.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required")
		}

		return postgres.Migrate(cfg.PostgresDSN, logger)
	case "requeue":
		if len(args) != 2 {
			return errors.New(usage)
		}

		return requeue(ctx, cfg, logger, args[1])
	default:
		return fmt.Errorf("unknown command %q; %s", args[0], usage)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.NewStore(pool, postgres.WithStoreLogger(logger))
	listener := postgres.NewListener(cfg.PostgresDSN,
		postgres.WithKeepAlive(cfg.ListenerKeepAlive),
		postgres.WithListenerLogger(logger),
	)

	propagator := rabbitmq.W3CPropagator()

	transport, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
		URL:            cfg.AMQPURL,
		ReconnectDelay: cfg.BrokerReconnectDelay,
		ConfirmTimeout: cfg.BrokerConfirmTimeout,
		ConsumerTag:    cfg.ServiceName,
		Product:        cfg.ServiceName,
	},
		rabbitmq.WithLogger(logger),
		rabbitmq.WithHeaderPropagator(propagator),
		rabbitmq.WithTracerProvider(otel.GetTracerProvider()),
	)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := opsNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	opts := servicebus.Options{
		Transport:              transport,
		Store:                  store,
		Writer:                 store,
		Venues:                 store,
		Notifications:          listener,
		Notifier:               notifier,
		Propagator:             propagator,
		Logger:                 logger,
		TracerProvider:         otel.GetTracerProvider(),
		MeterProvider:          otel.GetMeterProvider(),
		DedupTTL:               cfg.DedupTTL,
		DedupMaxEntries:        cfg.DedupMaxEntries,
		RelayQueueSize:         cfg.RelayQueueSize,
		RelaySweepBatch:        cfg.RelaySweepBatch,
		RelaySweepInterval:     cfg.RelaySweepInterval,
		ListenerReconnectDelay: cfg.ListenerReconnectDelay,
		ProcessTimeout:         cfg.RelayProcessTimeout,
	}

	if cfg.RedisAddr != "" {
		client, err := redis.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		opts.Deduper = redis.New(client, redis.WithTTL(cfg.DedupTTL), redis.WithLogger(logger))
	}

	bridge, err := servicebus.New(opts)
	if err != nil {
		return err
	}

	// Handlers are bound by the embedding backend; unrouted events are logged and acked.
	logger.Info("posbridge starting",
		zap.String("ops_notifier", cfg.OpsNotifier),
		zap.Bool("shared_dedup", opts.Deduper != nil),
	)

	return bridge.Run(ctx)
}

func opsNotifier(cfg config.Config, logger *zap.Logger) (cbus.Notifier, func(), error) {
	switch cfg.OpsNotifier {
	case config.NotifierNATS:
		n, closeFn, err := nats.NewWithNATS(nats.Config{URL: cfg.NATSURL, Name: cfg.ServiceName, MaxReconnects: -1, Logger: logger})
		if err != nil {
			return nil, nil, err
		}

		return n, closeFn, nil
	case config.NotifierKafka:
		n, closeFn, err := kafka.NewWithKgo(kafka.Config{
			Brokers:    cfg.KafkaBrokers,
			Topic:      cfg.KafkaOpsTopic,
			Idempotent: true,
			ClientID:   cfg.ServiceName,
		})
		if err != nil {
			return nil, nil, err
		}

		return n, closeFn, nil
	default:
		return cbus.NopNotifier{}, func() {}, nil
	}
}

func requeue(ctx context.Context, cfg config.Config, logger *zap.Logger, raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("requeue: invalid command id %q: %w", raw, err)
	}

	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.NewStore(pool, postgres.WithStoreLogger(logger)).Requeue(ctx, id); err != nil {
		return err
	}

	logger.Info("command requeued", zap.String("command_id", id.String()))

	return nil
}
