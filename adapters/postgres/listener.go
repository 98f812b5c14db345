package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	// DefaultKeepAlive is how long the listener waits for a notification before pinging.
	DefaultKeepAlive = 30 * time.Second

	unlistenTimeout = 5 * time.Second
)

// ListenConn is the part of *pgx.Conn the listener needs.
type ListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListenConnector opens the dedicated LISTEN connection.
type ListenConnector func(ctx context.Context) (ListenConn, error)

// Listener subscribes to the command notify channel on a dedicated connection. Pooled
// connections cannot hold a LISTEN across queries.
type Listener struct {
	connect   ListenConnector
	channel   string
	keepAlive time.Duration
	logger    *zap.Logger
}

var _ cbus.CommandNotifications = (*Listener)(nil)

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithKeepAlive sets the idle interval after which the connection is pinged.
func WithKeepAlive(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.keepAlive = d
		}
	}
}

// WithChannel overrides cbus.NotifyChannel.
func WithChannel(name string) ListenerOption {
	return func(l *Listener) {
		if name != "" {
			l.channel = name
		}
	}
}

// WithListenConnector replaces pgx.Connect, mainly for tests.
func WithListenConnector(c ListenConnector) ListenerOption {
	return func(l *Listener) {
		if c != nil {
			l.connect = c
		}
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(lg *zap.Logger) ListenerOption {
	return func(l *Listener) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewListener listens on dsn.
func NewListener(dsn string, opts ...ListenerOption) *Listener {
	l := &Listener{
		connect: func(ctx context.Context) (ListenConn, error) {
			return pgx.Connect(ctx, dsn)
		},
		channel:   cbus.NotifyChannel,
		keepAlive: DefaultKeepAlive,
		logger:    zap.NewNop(),
	}

	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}

	l.logger = l.logger.Named("listener")

	return l
}

// Listen holds the subscription until ctx is done (nil) or the connection fails.
func (l *Listener) Listen(ctx context.Context, ready func(), notify func(payload string)) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("listen %s: connect: %w: %w", l.channel, berr.ErrConnectivity, err)
	}

	ident := pgx.Identifier{l.channel}.Sanitize()

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlistenTimeout)
		defer cancel()

		if _, err := conn.Exec(cctx, "UNLISTEN "+ident); err != nil {
			l.logger.Debug("unlisten failed", zap.String("channel", l.channel), zap.Error(err))
		}

		_ = conn.Close(cctx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("listen %s: %w: %w", l.channel, berr.ErrConnectivity, err)
	}

	if ready != nil {
		ready()
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.keepAlive)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !pgconn.Timeout(err) {
				return fmt.Errorf("listen %s: wait: %w: %w", l.channel, berr.ErrConnectivity, err)
			}

			if err := conn.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("listen %s: keep-alive: %w: %w", l.channel, berr.ErrConnectivity, err)
			}

			continue
		}

		if n.Channel != l.channel {
			continue
		}

		notify(n.Payload)
	}
}
