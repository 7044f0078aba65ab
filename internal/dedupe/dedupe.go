// Package dedupe serializes token fetches per cache key. The first caller
// for a key becomes the leader and executes the fetch pipeline; concurrent
// callers for the same key become followers and receive the leader's result
// verbatim. Keys are independent: fetches for different keys never block
// each other.
package dedupe

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/token"
)

// FetchFunc is the signer+RPC pipeline executed once per leader cycle. The
// supplied context is detached from any individual caller: only the fetch's
// own timeout cancels it.
type FetchFunc func(ctx context.Context) (token.Response, error)

type call struct {
	done chan struct{}
	resp token.Response
	err  error
}

// Deduplicator tracks in-flight fetches by key.
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[token.Key]*call
}

// New constructs an empty deduplicator.
func New() *Deduplicator {
	return &Deduplicator{inflight: make(map[token.Key]*call)}
}

// Fetch joins or starts the in-flight fetch for key. Every waiter receives
// the identical result. A waiter whose own context is cancelled observes its
// context error, but the underlying fetch continues for the remaining
// waiters; the in-flight marker is cleared only when the fetch resolves.
func (d *Deduplicator) Fetch(ctx context.Context, key token.Key, fetch FetchFunc) (token.Response, error) {
	d.mu.Lock()
	c, ok := d.inflight[key]
	if !ok {
		c = &call{done: make(chan struct{})}
		d.inflight[key] = c
		d.mu.Unlock()

		// The leader's fetch must survive cancellation of the caller that
		// happened to start it, so it runs on a detached context in its own
		// goroutine. Waiters below select on their own contexts.
		go d.lead(context.WithoutCancel(ctx), key, c, fetch)
	} else {
		d.mu.Unlock()
		log.Debug().Stringer("key", key).Msg("joining in-flight token fetch")
	}

	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return token.Response{}, ctx.Err()
	}
}

// Leading reports whether a fetch is currently in flight for key.
func (d *Deduplicator) Leading(key token.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[key]
	return ok
}

func (d *Deduplicator) lead(ctx context.Context, key token.Key, c *call, fetch FetchFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Stringer("key", key).Interface("panic", r).
				Msg("token fetch panicked, recovered")
			c.err = token.ErrNotServable
			d.settle(key, c)
		}
	}()

	c.resp, c.err = fetch(ctx)
	d.settle(key, c)
}

func (d *Deduplicator) settle(key token.Key, c *call) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
	close(c.done)
}
