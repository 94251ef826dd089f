package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sourceplane/liteflow/internal/ctxlog"
)

// DefaultMaxAge is the life span of records stored without one
const DefaultMaxAge = 14 * 24 * time.Hour

// Policy decides when a record may no longer be served
type Policy interface {
	Expired(rec *Record, now time.Time) bool
}

// MaxAge expires records older than their life span, or Default when they have none
type MaxAge struct {
	Default time.Duration
}

// Expired implements Policy
func (m MaxAge) Expired(rec *Record, now time.Time) bool {
	age := rec.LifeSpan
	if age <= 0 {
		age = m.Default
	}
	if age <= 0 {
		age = DefaultMaxAge
	}
	return now.Sub(rec.CreatedAt) > age
}

// Cache fronts a Store with an eviction policy and collapses concurrent
// lookups of the same fingerprint into one store read
type Cache struct {
	store  Store
	policy Policy
	now    func() time.Time
	group  singleflight.Group
}

// Option configures a Cache
type Option func(*Cache)

// WithPolicy replaces the default MaxAge policy
func WithPolicy(p Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over store
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		policy: MaxAge{Default: DefaultMaxAge},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the success record for fingerprint. Expired and non-success
// records are reported as misses.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*Record, bool, error) {
	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		rec, err := c.store.Get(ctx, fingerprint)
		if errors.Is(err, ErrNotFound) {
			return (*Record)(nil), nil
		}
		return rec, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up %s: %w", fingerprint, err)
	}
	rec := v.(*Record)
	if rec == nil || rec.Status != StatusSuccess {
		return nil, false, nil
	}
	if c.policy.Expired(rec, c.now()) {
		ctxlog.FromContext(ctx).Debug("cache record expired",
			slog.String("fingerprint", fingerprint),
			slog.String("node", rec.NodeID))
		return nil, false, nil
	}

	// Callers may modify what they get back
	out := *rec
	out.Outputs = copyOutputs(rec.Outputs)
	return &out, true, nil
}

// Store persists rec when it records a success; other outcomes are never cached
func (c *Cache) Store(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Status != StatusSuccess {
		return nil
	}
	stored := *rec
	stored.Outputs = copyOutputs(rec.Outputs)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.now()
	}
	if err := c.store.Put(ctx, &stored); err != nil {
		return fmt.Errorf("failed to store %s: %w", rec.Fingerprint, err)
	}
	ctxlog.FromContext(ctx).Debug("cache record stored",
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("node", rec.NodeID))
	return nil
}

// Invalidate removes the records selected by f
func (c *Cache) Invalidate(ctx context.Context, f Filter) (int, error) {
	n, err := c.store.Delete(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache records: %w", err)
	}
	return n, nil
}

// Clear removes every record
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.Invalidate(ctx, Filter{})
}

// Prune removes records selected by f that were created more than age ago
func (c *Cache) Prune(ctx context.Context, f Filter, age time.Duration) (int, error) {
	f.Before = c.now().Add(-age)
	n, err := c.store.Delete(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return n, nil
}

func copyOutputs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
