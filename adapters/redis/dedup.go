// Package redis shares the consumer's dedup window across replicas. A fingerprint is a
// key written with SET NX and a TTL; a second replica claiming it sees the key and
// treats the delivery as a duplicate.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-pos-bridge/contract/bus"
	berr "github.com/next-trace/scg-pos-bridge/contract/errors"
)

const (
	// DefaultTTL matches the in-process cache window.
	DefaultTTL = 5 * time.Minute
	// DefaultPrefix namespaces fingerprint keys.
	DefaultPrefix = "posbridge:dedup:"
)

// Deduper implements bus.Deduper on Redis.
type Deduper struct {
	client goredis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

var _ cbus.Deduper = (*Deduper)(nil)

// Option configures a Deduper.
type Option func(*Deduper)

// WithTTL sets the dedup window.
func WithTTL(ttl time.Duration) Option {
	return func(d *Deduper) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithPrefix namespaces keys, e.g. per environment.
func WithPrefix(p string) Option {
	return func(d *Deduper) {
		if p != "" {
			d.prefix = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Deduper) {
		if l != nil {
			d.logger = l
		}
	}
}

// New wraps client.
func New(client goredis.UniversalClient, opts ...Option) *Deduper {
	d := &Deduper{
		client: client,
		ttl:    DefaultTTL,
		prefix: DefaultPrefix,
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}

	d.logger = d.logger.Named("redis-dedup")

	return d
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis: address required: %w", berr.ErrConfiguration)
	}

	c := goredis.NewClient(&goredis.Options{Addr: addr})

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping %s: %w: %w", addr, berr.ErrConnectivity, err)
	}

	return c, nil
}

// Claim sets the fingerprint key unless it exists. It reports true for a duplicate.
func (d *Deduper) Claim(ctx context.Context, fingerprint, externalID string) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+fingerprint, externalID, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup claim: %w: %w", berr.ErrConnectivity, err)
	}

	if !set {
		d.logger.Debug("fingerprint already claimed", zap.String("fingerprint", fingerprint))
	}

	return !set, nil
}

// Release deletes the fingerprint key.
func (d *Deduper) Release(ctx context.Context, fingerprint string) error {
	if err := d.client.Del(ctx, d.prefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("redis dedup release: %w: %w", berr.ErrConnectivity, err)
	}

	return nil
}
