// Package cache implements the bounded token cache at the centre of the
// engine. Each cache key owns a single entry carrying the current record,
// failure bookkeeping and access history. Entries move through a fixed state
// machine (absent, fetching, valid, stale, expired, failed) derived from the
// wall clock at read time.
//
// The index is guarded by a short-lived global lock; all entry mutations
// happen under the entry's own lock so activity on one key never blocks
// reads or writes on another.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/token"
)

// State is the lifecycle position of a cache entry.
type State string

const (
	StateAbsent   State = "ABSENT"
	StateFetching State = "FETCHING"
	StateValid    State = "VALID"
	StateStale    State = "STALE"
	StateExpired  State = "EXPIRED"
	StateFailed   State = "FAILED"
)

// Config bounds the cache and tunes hot-entry classification and failure
// backoff. Zero fields fall back to the defaults below.
type Config struct {
	// MaxEntries bounds the total entry count. Overflow evicts the
	// least-recently-used entry that is neither hot nor fetching.
	MaxEntries int

	// HotWindow and HotThreshold classify hot entries: an entry is hot when
	// it has been accessed at least HotThreshold times within HotWindow.
	HotWindow    time.Duration
	HotThreshold int

	// BackoffBase and BackoffCap gate retry eligibility after failures:
	// delay = min(BackoffBase * 2^failures, BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DefaultGrace applies when a response carries no grace window.
	DefaultGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.HotWindow <= 0 {
		c.HotWindow = time.Minute
	}
	if c.HotThreshold <= 0 {
		c.HotThreshold = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.DefaultGrace <= 0 {
		c.DefaultGrace = 30 * time.Second
	}
	return c
}

// Snapshot is an immutable view of one entry, taken under the entry lock.
// Callers decide how to act on it; the cache itself never blocks on network.
type Snapshot struct {
	Key      token.Key
	State    State
	Record   *token.Record
	Policy   token.RefreshPolicy
	Hot      bool
	Failures int
	RetryAt  time.Time
	LastErr  error
}

// Servable reports whether the snapshot carries a record that may be handed
// to a caller right now (valid or within grace).
func (s Snapshot) Servable() bool {
	return s.State == StateValid || s.State == StateStale
}

type entry struct {
	mu sync.Mutex

	key         token.Key
	record      *token.Record
	policy      token.RefreshPolicy
	fetching    bool
	invalidated bool
	failures    int
	retryAt     time.Time
	lastErr     error
	accesses    []time.Time

	elem *list.Element
}

// Cache is the bounded entry table. The zero value is not usable; construct
// with New.
type Cache struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[token.Key]*entry
	lru     *list.List // front = most recently used; values are *entry
}

// New constructs a cache with the supplied configuration.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		entries: make(map[token.Key]*entry),
		lru:     list.New(),
	}
}

// grace returns the effective grace window for an entry: the policy's window
// or the configured default, never more than half the entry's TTL.
func (c *Cache) grace(e *entry) time.Duration {
	g := e.policy.Grace
	if g <= 0 {
		g = c.cfg.DefaultGrace
	}
	if ttl := e.policy.TTL; ttl > 0 && g > ttl/2 {
		g = ttl / 2
	}
	return g
}

// state derives the lifecycle state. Must be called with the entry locked.
func (c *Cache) state(e *entry, now time.Time) State {
	if e.record == nil {
		switch {
		case e.fetching:
			return StateFetching
		case e.failures > 0:
			return StateFailed
		default:
			return StateAbsent
		}
	}
	if e.invalidated {
		return StateExpired
	}
	if now.Before(e.record.Expiry) {
		return StateValid
	}
	if now.Before(e.record.Expiry.Add(c.grace(e))) {
		return StateStale
	}
	return StateExpired
}

// hot reports hot classification and prunes accesses that have left the
// rolling window. Must be called with the entry locked.
func (c *Cache) hot(e *entry, now time.Time) bool {
	cutoff := now.Add(-c.cfg.HotWindow)
	i := 0
	for i < len(e.accesses) && e.accesses[i].Before(cutoff) {
		i++
	}
	e.accesses = e.accesses[i:]
	return len(e.accesses) >= c.cfg.HotThreshold
}

func (c *Cache) snapshotLocked(e *entry, now time.Time) Snapshot {
	return Snapshot{
		Key:      e.key,
		State:    c.state(e, now),
		Record:   e.record,
		Policy:   e.policy,
		Hot:      c.hot(e, now),
		Failures: e.failures,
		RetryAt:  e.retryAt,
		LastErr:  e.lastErr,
	}
}

// lookup returns the entry for key, creating it when create is set. Touches
// the LRU position for existing entries.
func (c *Cache) lookup(key token.Key, create bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		c.lru.MoveToFront(e.elem)
		return e
	}
	if !create {
		return nil
	}

	e = &entry{key: key}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.evictLocked()
	return e
}

// evictLocked enforces the entry bound. Hot and fetching entries are skipped;
// if every candidate is pinned the cache temporarily exceeds its bound rather
// than dropping an in-flight or hot entry.
func (c *Cache) evictLocked() {
	now := c.now()
	for elem := c.lru.Back(); elem != nil && len(c.entries) > c.cfg.MaxEntries; {
		prev := elem.Prev()
		e := elem.Value.(*entry)

		e.mu.Lock()
		evictable := !e.fetching && !c.hot(e, now)
		e.mu.Unlock()

		if evictable {
			delete(c.entries, e.key)
			c.lru.Remove(elem)
			log.Debug().Stringer("key", e.key).Msg("cache entry evicted")
		}
		elem = prev
	}
}

// Acquire returns a snapshot for key, creating the entry in the absent state
// when it does not exist. The read counts as an access for hot tracking.
func (c *Cache) Acquire(key token.Key) Snapshot {
	e := c.lookup(key, true)
	now := c.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.accesses = append(e.accesses, now)
	return c.snapshotLocked(e, now)
}

// Peek returns the current snapshot without recording an access. Used by the
// refresh sweep, which must not keep entries hot on its own.
func (c *Cache) Peek(key token.Key) (Snapshot, bool) {
	e := c.lookup(key, false)
	if e == nil {
		return Snapshot{}, false
	}
	now := c.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	return c.snapshotLocked(e, now), true
}

// MarkFetching flags the entry as having a fetch in flight. Entries that are
// fetching are pinned against eviction.
func (c *Cache) MarkFetching(key token.Key, inFlight bool) {
	e := c.lookup(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetching = inFlight
}

// Put atomically replaces the entry's record and policy, clearing failure
// bookkeeping and any invalidation flag.
func (c *Cache) Put(key token.Key, record token.Record, policy token.RefreshPolicy) {
	e := c.lookup(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record = &record
	e.policy = policy
	e.fetching = false
	e.invalidated = false
	e.failures = 0
	e.retryAt = time.Time{}
	e.lastErr = nil
}

// MarkFailure records a failed fetch, advancing the exponential backoff gate.
// A rejection drops the cached record entirely: a token the server has
// refused must not be served from grace.
func (c *Cache) MarkFailure(key token.Key, err error) {
	e := c.lookup(key, true)
	now := c.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.fetching = false
	e.failures++
	e.lastErr = err
	e.retryAt = now.Add(c.backoff(e.failures))

	if token.Rejection(err) {
		e.record = nil
		e.invalidated = false
	}
}

func (c *Cache) backoff(failures int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= c.cfg.BackoffCap {
			return c.cfg.BackoffCap
		}
	}
	return d
}

// RetryEligible reports whether a failed entry may attempt another fetch.
func (c *Cache) RetryEligible(key token.Key) bool {
	e := c.lookup(key, false)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures == 0 || !c.now().Before(e.retryAt)
}

// Invalidate forces the entry to the expired state, e.g. when a downstream
// API rejected the token. The record is retained for diagnostics but is no
// longer servable.
func (c *Cache) Invalidate(key token.Key) {
	e := c.lookup(key, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidated = true
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HotEntries snapshots every entry that is currently hot. The refresh
// scheduler sweeps this set for preemptive refresh candidates.
func (c *Cache) HotEntries() []Snapshot {
	c.mu.Lock()
	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.mu.Unlock()

	now := c.now()
	hot := make([]Snapshot, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		if c.hot(e, now) {
			hot = append(hot, c.snapshotLocked(e, now))
		}
		e.mu.Unlock()
	}
	return hot
}

// Export snapshots every entry holding a record, for durable persistence.
func (c *Cache) Export() []Snapshot {
	c.mu.Lock()
	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.mu.Unlock()

	now := c.now()
	out := make([]Snapshot, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		if e.record != nil && !e.invalidated {
			out = append(out, c.snapshotLocked(e, now))
		}
		e.mu.Unlock()
	}
	return out
}
