// Package dedup provides a bounded, time-bucketed fingerprint cache used to suppress
// broker redeliveries of inbound POS events.
//
// Entries live in a ring of buckets, each covering a fixed slice of time. Advancing the
// clock past a bucket boundary recycles the oldest bucket wholesale, so eviction costs
// one map drop per bucket instead of a scan. When the entry bound is reached the oldest
// bucket is evicted early.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/next-trace/scg-pos-bridge/contract/bus"
)

const (
	// DefaultTTL is how long a fingerprint suppresses redeliveries.
	DefaultTTL = 5 * time.Minute
	// DefaultBuckets is the number of time slices the TTL is divided into.
	DefaultBuckets = 10
	// DefaultMaxEntries bounds memory regardless of traffic.
	DefaultMaxEntries = 100_000
)

// Entry is one remembered fingerprint.
type Entry struct {
	At         time.Time
	ExternalID string
}

type bucket struct {
	start   time.Time
	entries map[string]Entry
}

// Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	ttl        time.Duration
	width      time.Duration
	maxEntries int
	now        func() time.Time

	ring []bucket
	head int
	size int
}

var _ bus.Deduper = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the dedup window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of live fingerprints.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithBuckets sets how many slices the TTL window is split into.
func WithBuckets(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.width = c.ttl / time.Duration(n)
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a cache. Options are applied in order, so WithBuckets must follow WithTTL.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	c.width = c.ttl / DefaultBuckets

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.width <= 0 || c.width > c.ttl {
		c.width = c.ttl
	}

	// One extra slot keeps the bucket that straddles the TTL edge alive; entries in it
	// that have aged out are filtered by timestamp on lookup.
	n := int((c.ttl+c.width-1)/c.width) + 1
	c.ring = make([]bucket, n)

	start := c.now().Truncate(c.width)
	for i := range c.ring {
		c.ring[i] = bucket{start: start, entries: make(map[string]Entry)}
	}

	return c
}

// Claim records fingerprint unless it is already live; see bus.Deduper.
func (c *Cache) Claim(_ context.Context, fingerprint, externalID string) (bool, error) {
	return c.CheckAndRecord(fingerprint, externalID), nil
}

// Release forgets fingerprint.
func (c *Cache) Release(_ context.Context, fingerprint string) error {
	c.Forget(fingerprint)
	return nil
}

// CheckAndRecord returns true if fingerprint was seen within the TTL, otherwise records it.
func (c *Cache) CheckAndRecord(fingerprint, externalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.advanceLocked(now)

	if _, ok := c.lookupLocked(fingerprint, now); ok {
		return true
	}

	if c.size >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.ring[c.head].entries[fingerprint] = Entry{At: now, ExternalID: externalID}
	c.size++

	return false
}

// Lookup returns the live entry for fingerprint.
func (c *Cache) Lookup(fingerprint string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.advanceLocked(now)

	return c.lookupLocked(fingerprint, now)
}

// Forget removes fingerprint from whichever bucket holds it.
func (c *Cache) Forget(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.ring {
		if _, ok := c.ring[i].entries[fingerprint]; ok {
			delete(c.ring[i].entries, fingerprint)
			c.size--
		}
	}
}

// Len returns the number of stored fingerprints, including aged entries not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// Sweep recycles expired buckets and drops aged entries. It returns the number evicted.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	before := c.size
	c.advanceLocked(now)

	for i := range c.ring {
		for fp, e := range c.ring[i].entries {
			if now.Sub(e.At) >= c.ttl {
				delete(c.ring[i].entries, fp)
				c.size--
			}
		}
	}

	return before - c.size
}

// Run sweeps once per bucket width until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.width)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) lookupLocked(fingerprint string, now time.Time) (Entry, bool) {
	for i := range c.ring {
		e, ok := c.ring[i].entries[fingerprint]
		if ok && now.Sub(e.At) < c.ttl {
			return e, true
		}
	}

	return Entry{}, false
}

func (c *Cache) advanceLocked(now time.Time) {
	headStart := c.ring[c.head].start

	steps := int(now.Sub(headStart) / c.width)
	if steps <= 0 {
		return
	}

	if steps > len(c.ring) {
		// Everything is older than the ring; restart it at now.
		start := now.Truncate(c.width)
		for i := range c.ring {
			c.ring[i] = bucket{start: start, entries: make(map[string]Entry)}
		}

		c.size = 0

		return
	}

	for range steps {
		headStart = headStart.Add(c.width)
		c.head = (c.head + 1) % len(c.ring)
		c.size -= len(c.ring[c.head].entries)
		c.ring[c.head] = bucket{start: headStart, entries: make(map[string]Entry)}
	}
}

// evictOldestLocked drops the oldest non-empty bucket. If only the head holds entries,
// the single oldest entry in it goes.
func (c *Cache) evictOldestLocked() {
	for i := 1; i < len(c.ring); i++ {
		idx := (c.head + i) % len(c.ring)
		if n := len(c.ring[idx].entries); n > 0 {
			c.size -= n
			c.ring[idx].entries = make(map[string]Entry)

			return
		}
	}

	var (
		oldestKey string
		oldestAt  time.Time
	)

	for fp, e := range c.ring[c.head].entries {
		if oldestKey == "" || e.At.Before(oldestAt) {
			oldestKey, oldestAt = fp, e.At
		}
	}

	if oldestKey != "" {
		delete(c.ring[c.head].entries, oldestKey)
		c.size--
	}
}
