// Package scheduler runs the periodic refresh sweep. It inspects hot cache
// entries and enqueues a preemptive refresh for any whose expiry falls
// within the lead window, keeping frequently used tokens fresh without a
// caller ever paying for a blocking fetch. Sweep failures are logged and
// retried on the next interval; they never reach a foreground caller.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/attestgate/attest-bridge/internal/cache"
	"github.com/attestgate/attest-bridge/internal/token"
)

// RefreshFunc enqueues a deduplicated fetch for a key. The scheduler only
// ever uses token.PreemptiveRefresh.
type RefreshFunc func(ctx context.Context, key token.Key, reason token.RefreshReason) error

// Config tunes the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// MinLead and MaxLead clamp the lead window derived from each entry's
	// TTL (TTL/5, bounded).
	MinLead time.Duration
	MaxLead time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinLead <= 0 {
		c.MinLead = 10 * time.Second
	}
	if c.MaxLead <= 0 {
		c.MaxLead = 5 * time.Minute
	}
	return c
}

// Scheduler owns the background sweep loop.
type Scheduler struct {
	cache   *cache.Cache
	refresh RefreshFunc
	cfg     Config
	now     func() time.Time
}

// New constructs a scheduler over the given cache and refresh entry point.
func New(c *cache.Cache, refresh RefreshFunc, cfg Config) *Scheduler {
	return &Scheduler{
		cache:   c,
		refresh: refresh,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Lead returns the preemptive lead window for a TTL: a fifth of the TTL,
// clamped to the configured bounds.
func (s *Scheduler) Lead(ttl time.Duration) time.Duration {
	lead := ttl / 5
	if lead < s.cfg.MinLead {
		lead = s.cfg.MinLead
	}
	if lead > s.cfg.MaxLead {
		lead = s.cfg.MaxLead
	}
	return lead
}

// Run executes the sweep loop until the context is cancelled. Panics in a
// sweep are recovered so a single bad entry cannot stop proactive refresh.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.sweep(ctx)

		select {
		case <-time.After(s.cfg.Interval):
			// continue
		case <-ctx.Done():
			log.Info().Msg("refresh scheduler shutting down gracefully")
			return
		}
	}
}

// sweep performs one pass over hot entries with tracing.
func (s *Scheduler) sweep(ctx context.Context) {
	tracer := otel.Tracer("github.com/attestgate/attest-bridge/internal/scheduler")
	ctx, span := tracer.Start(ctx, "refresh_sweep")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during refresh sweep: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "refresh sweep panicked")
			log.Warn().Interface("panic", r).Msg("refresh sweep panicked, recovered")
		}
	}()

	refreshed := 0
	for _, snap := range s.candidates() {
		if !s.due(snap) {
			continue
		}

		// Re-check right before enqueueing: the entry may have been evicted
		// or refreshed since the hot snapshot was taken.
		current, ok := s.cache.Peek(snap.Key)
		if !ok || !s.due(current) {
			continue
		}

		if err := s.refresh(ctx, snap.Key, token.PreemptiveRefresh); err != nil {
			// Next sweep retries; callers keep being served the old token
			// until actual expiry.
			log.Warn().Err(err).Stringer("key", snap.Key).
				Msg("preemptive refresh failed, will retry next sweep")
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		log.Info().Int("count", refreshed).Msg("preemptive refresh sweep complete")
	}
	span.SetStatus(codes.Ok, "sweep complete")
}

// candidates selects the entries the sweep may refresh: hot entries, plus any
// entry whose issuance response asked for preemptive refresh outright. An
// entry the server marked as blocking-only is left to caller-driven refresh
// even when hot.
func (s *Scheduler) candidates() []cache.Snapshot {
	seen := make(map[token.Key]struct{})
	var out []cache.Snapshot

	for _, snap := range s.cache.HotEntries() {
		if snap.Policy.StrategyHint == token.BlockingRefresh {
			continue
		}
		seen[snap.Key] = struct{}{}
		out = append(out, snap)
	}

	for _, snap := range s.cache.Export() {
		if snap.Policy.StrategyHint != token.PreemptiveRefresh {
			continue
		}
		if _, ok := seen[snap.Key]; ok {
			continue
		}
		out = append(out, snap)
	}

	return out
}

// due reports whether a snapshot is inside its preemptive lead window: a
// valid record whose expiry is closer than the lead derived from its TTL.
func (s *Scheduler) due(snap cache.Snapshot) bool {
	if snap.State != cache.StateValid || snap.Record == nil {
		return false
	}
	ttl := snap.Policy.TTL
	if ttl <= 0 {
		ttl = snap.Record.Expiry.Sub(snap.Record.IssuedAt)
	}
	return !s.now().Before(snap.Record.Expiry.Add(-s.Lead(ttl)))
}
