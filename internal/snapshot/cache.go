// Package snapshot caches tenancy data per (kind, compartment) for a fixed
// time window and guarantees at most one upstream fetch per key at a time.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/opentalon/tenancy-assistant/internal/observability"
)

// DefaultTTL is how long a computed snapshot stays live.
const DefaultTTL = 600 * time.Second

// Kind names the type of data a snapshot holds.
type Kind string

const (
	KindPublicIP Kind = "PublicIp"
	KindCost     Kind = "Cost"
)

// Key identifies one cache slot. Period is empty for kinds that are not
// windowed.
type Key struct {
	Kind          Kind
	CompartmentID string
	Period        string
}

// String is the single-flight and store key. Free-form fields are quoted
// so a separator inside an id cannot make two keys collide.
func (k Key) String() string {
	if k.Period == "" {
		return fmt.Sprintf("%s:%q", k.Kind, k.CompartmentID)
	}
	return fmt.Sprintf("%s:%q:%q", k.Kind, k.CompartmentID, k.Period)
}

// Snapshot is an immutable result of one upstream fetch.
type Snapshot struct {
	Kind          Kind
	CompartmentID string
	Period        string
	ComputedAt    time.Time
	Payload       any
}

// Entry is a cached snapshot with its expiry. ExpiresAt is always
// ComputedAt plus the cache TTL.
type Entry struct {
	Snapshot  *Snapshot
	ExpiresAt time.Time
}

// Live reports whether the entry can still be served at now.
func (e *Entry) Live(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// ComputeFunc fetches the payload for a key. It runs on a context that is
// not cancelled when the caller that triggered it goes away.
type ComputeFunc func(ctx context.Context) (any, error)

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source used for computedAt and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStore adds a shared second tier consulted on misses.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	flights singleflight.Group

	ttl    time.Duration
	now    func() time.Time
	store  Store
	logger zerolog.Logger
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*Entry),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// GetOrCompute returns the live snapshot for key, or runs compute once for
// all concurrent callers of the same key and caches a successful result.
// Failures are returned to every waiter and never cached. If ctx ends
// first the caller gets ctx.Err() while the fetch keeps running and still
// fills the cache.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (*Snapshot, error) {
	kind := string(key.Kind)
	if snap, ok := c.lookup(key); ok {
		observability.RecordCacheLookup(kind, "hit")
		return snap, nil
	}
	observability.RecordCacheLookup(kind, "miss")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key.String(), func() (any, error) {
		return c.fill(flightCtx, key, compute)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		c.logger.Debug().Str("key", key.String()).Msg("caller left before snapshot fetch finished")
		return nil, ctx.Err()
	}
}

// fill runs inside the single flight for key.
func (c *Cache) fill(ctx context.Context, key Key, compute ComputeFunc) (*Snapshot, error) {
	// A previous flight may have stored the entry after our lookup missed.
	if snap, ok := c.lookup(key); ok {
		return snap, nil
	}

	if c.store != nil {
		entry, err := c.store.Load(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("snapshot store load failed")
		case entry.Live(c.now()):
			observability.RecordCacheLookup(string(key.Kind), "store_hit")
			c.put(key, entry)
			return entry.Snapshot, nil
		}
	}

	start := time.Now()
	payload, err := c.safeCompute(ctx, compute)
	observability.RecordCacheFetch(string(key.Kind), time.Since(start), err)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("snapshot fetch failed")
		return nil, err
	}

	computedAt := c.now()
	entry := &Entry{
		Snapshot: &Snapshot{
			Kind:          key.Kind,
			CompartmentID: key.CompartmentID,
			Period:        key.Period,
			ComputedAt:    computedAt,
			Payload:       payload,
		},
		ExpiresAt: computedAt.Add(c.ttl),
	}
	c.put(key, entry)
	c.logger.Debug().
		Str("key", key.String()).
		Time("expires_at", entry.ExpiresAt).
		Dur("took", time.Since(start)).
		Msg("snapshot computed")

	if c.store != nil {
		if err := c.store.Save(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("snapshot store save failed")
		}
	}
	return entry.Snapshot, nil
}

func (c *Cache) safeCompute(ctx context.Context, compute ComputeFunc) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot compute panicked: %v", r)
		}
	}()
	return compute(ctx)
}

// lookup returns the live snapshot for key, evicting an expired entry.
func (c *Cache) lookup(key Key) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.Live(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.Snapshot, true
}

func (c *Cache) put(key Key, entry *Entry) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Peek returns the entry for key without computing. Expired entries are
// returned as-is so callers can show their age.
func (c *Cache) Peek(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Invalidate drops key from the cache and the store. An in-flight fetch
// for key is not interrupted.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.store != nil {
		return c.store.Delete(ctx, key)
	}
	return nil
}

// Len returns the number of entries held in memory, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Decode returns the snapshot payload as T. Payloads computed in this
// process are returned directly; payloads loaded from a store arrive as
// JSON and are unmarshalled.
func Decode[T any](s *Snapshot) (T, error) {
	var out T
	if s == nil {
		return out, fmt.Errorf("decode snapshot: nil snapshot")
	}
	if v, ok := s.Payload.(T); ok {
		return v, nil
	}
	if p, ok := s.Payload.(*T); ok && p != nil {
		return *p, nil
	}
	raw, ok := s.Payload.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(s.Payload)
		if err != nil {
			return out, fmt.Errorf("decode snapshot %s: %w", s.Kind, err)
		}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode snapshot %s: %w", s.Kind, err)
	}
	return out, nil
}
