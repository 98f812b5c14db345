package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

// DefaultReconnectWait matches the broker reconnect delay of the AMQP transport.
const DefaultReconnectWait = 5 * time.Second

// Config configures NewWithNATS. A negative MaxReconnects retries forever.
type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
	Logger        *zap.Logger
}

type natsClient struct{ nc *nats.Conn }

// Publish sends one message and flushes, so a dead connection surfaces as an error here
// instead of a silently buffered signal.
func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

// NewWithNATS connects to cfg.URL and returns a Notifier and a cleanup that drains the
// connection.
func NewWithNATS(cfg Config) (*Notifier, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("nats url required: %w", berr.ErrConfiguration)
	}

	nc, err := nats.Connect(cfg.URL, connectOptions(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w: %w", berr.ErrConnectivity, err)
	}

	cleanup := func() {
		if !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // shutdown path; nothing to report to
		}
	}

	return New(natsClient{nc: nc}), cleanup, nil
}

func connectOptions(cfg Config) []nats.Option {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.Named("nats")

	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}

	opts := []nats.Option{
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("ops notifier disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("ops notifier reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("ops notifier connection closed")
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	return opts
}
