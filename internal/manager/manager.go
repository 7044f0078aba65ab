// Package manager orchestrates the attestation token engine. It exposes the
// produced interface (GetHeaders, Prefetch, Invalidate) and composes the
// cache, deduplicator, signer, attestation provider and service client into
// the fetch pipeline described by the refresh strategies: blocking when a
// caller has nothing servable, preemptive for hot entries nearing expiry,
// prewarming on explicit hints.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/attestation"
	"github.com/attestgate/attest-bridge/internal/cache"
	"github.com/attestgate/attest-bridge/internal/dedupe"
	"github.com/attestgate/attest-bridge/internal/keystore"
	"github.com/attestgate/attest-bridge/internal/signer"
	"github.com/attestgate/attest-bridge/internal/store"
	"github.com/attestgate/attest-bridge/internal/token"
)

// TokenFetcher is the retrying service client dependency.
type TokenFetcher interface {
	GetTokens(ctx context.Context, req token.Request) (token.Response, error)
}

// Default header names. Overridable via Config for deployments with their
// own header conventions.
const (
	DefaultTokenHeader      = "X-Att-Token"
	DefaultSignatureHeader  = "X-Att-Sign"
	DefaultKeyVersionHeader = "X-Att-Key-Version"
	DefaultTrackingHeader   = "X-Request-Tracking-Id"
	DefaultVersionHeader    = "X-Client-Version"
	DefaultPlatformHeader   = "X-Client-Platform"
)

// Config tunes caller-visible behaviour.
type Config struct {
	// ServeStaleOnError permits serving a previously issued record when a
	// blocking refresh fails with a transient error. Rejections never serve
	// stale regardless of this setting.
	ServeStaleOnError bool

	// MaxStaleOnError bounds how far past expiry a record may be served
	// under ServeStaleOnError.
	MaxStaleOnError time.Duration

	TokenHeader      string
	SignatureHeader  string
	KeyVersionHeader string
	TrackingHeader   string
	VersionHeader    string
	PlatformHeader   string
}

func (c Config) withDefaults() Config {
	if c.MaxStaleOnError <= 0 {
		c.MaxStaleOnError = 5 * time.Minute
	}
	if c.TokenHeader == "" {
		c.TokenHeader = DefaultTokenHeader
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = DefaultSignatureHeader
	}
	if c.KeyVersionHeader == "" {
		c.KeyVersionHeader = DefaultKeyVersionHeader
	}
	if c.TrackingHeader == "" {
		c.TrackingHeader = DefaultTrackingHeader
	}
	if c.VersionHeader == "" {
		c.VersionHeader = DefaultVersionHeader
	}
	if c.PlatformHeader == "" {
		c.PlatformHeader = DefaultPlatformHeader
	}
	return c
}

// Deps are the collaborators composed by the manager. Store and Keys are
// optional; the engine runs without durability or server-driven rotation.
type Deps struct {
	Cache   *cache.Cache
	Dedupe  *dedupe.Deduplicator
	Signer  *signer.Signer
	Attest  attestation.Provider
	Fetcher TokenFetcher
	Keys    *keystore.Store
	Store   store.Store
	Device  token.Device
}

// Manager is the engine orchestrator. One instance per owning client; it
// holds no global state.
type Manager struct {
	cfg     Config
	cache   *cache.Cache
	dedupe  *dedupe.Deduplicator
	signer  *signer.Signer
	attest  attestation.Provider
	fetcher TokenFetcher
	keys    *keystore.Store
	store   store.Store
	device  token.Device
	metrics *metrics
	now     func() time.Time
}

// New constructs a manager. Cache, Dedupe, Signer, Attest and Fetcher are
// required.
func New(deps Deps, cfg Config) (*Manager, error) {
	if deps.Cache == nil || deps.Dedupe == nil || deps.Signer == nil ||
		deps.Attest == nil || deps.Fetcher == nil {
		return nil, errors.New("manager: missing required dependency")
	}

	return &Manager{
		cfg:     cfg.withDefaults(),
		cache:   deps.Cache,
		dedupe:  deps.Dedupe,
		signer:  deps.Signer,
		attest:  deps.Attest,
		fetcher: deps.Fetcher,
		keys:    deps.Keys,
		store:   deps.Store,
		device:  deps.Device,
		metrics: newMetrics(),
		now:     time.Now,
	}, nil
}

// GetHeaders resolves the cache key for the request and returns signed
// authentication headers. Valid entries return immediately; stale entries
// are served while a background refresh is triggered; anything else suspends
// the caller on a blocking refresh, deduplicated per key.
func (m *Manager) GetHeaders(ctx context.Context, destination, method string, body []byte, mode token.Mode) (token.HeaderSet, error) {
	key := token.NewKey(destination, method, mode)
	snap := m.cache.Acquire(key)
	m.metrics.readState(ctx, snap.State)

	switch snap.State {
	case cache.StateValid:
		return m.buildHeaders(ctx, key, *snap.Record, body)

	case cache.StateStale:
		// Serve under grace and refresh behind the caller's back.
		m.refreshAsync(ctx, key, token.PreemptiveRefresh)
		return m.buildHeaders(ctx, key, *snap.Record, body)
	}

	// Absent, fetching, expired or failed: the caller needs a fetch to
	// resolve. Failed entries are gated by backoff eligibility unless a
	// fetch is already in flight to join.
	if snap.State == cache.StateFailed && !m.cache.RetryEligible(key) && !m.dedupe.Leading(key) {
		return nil, fmt.Errorf("%w: retry not yet eligible: %v", token.ErrNotServable, snap.LastErr)
	}

	resp, err := m.fetch(ctx, key, token.BlockingRefresh, body)
	if err != nil {
		if stale, ok := m.staleFallback(snap, err); ok {
			log.Warn().Err(err).Stringer("key", key).
				Msg("blocking refresh failed, serving stale record under grace policy")
			return m.buildHeaders(ctx, key, stale, body)
		}
		return nil, err
	}

	return m.buildHeaders(ctx, key, resp.Record, body)
}

// Prefetch issues a fire-and-forget prewarming fetch. Keys that already hold
// a fresh record or have a fetch in flight are left alone; failures are
// logged, never surfaced.
func (m *Manager) Prefetch(ctx context.Context, destination, method string, mode token.Mode) {
	key := token.NewKey(destination, method, mode)

	if snap, ok := m.cache.Peek(key); ok {
		if snap.State == cache.StateValid || snap.State == cache.StateFetching {
			return
		}
	}

	m.refreshAsync(ctx, key, token.Prewarming)
}

// Invalidate forces the entry for the tuple into the expired state, e.g.
// after a downstream API rejected the vended token. The next caller pays for
// a blocking refresh.
func (m *Manager) Invalidate(ctx context.Context, destination, method string, mode token.Mode) {
	key := token.NewKey(destination, method, mode)
	m.cache.Invalidate(key)

	if m.store != nil {
		if err := m.store.Delete(ctx, key.String()); err != nil {
			log.Warn().Err(err).Stringer("key", key).Msg("failed to remove invalidated entry from durable store")
		}
	}

	log.Info().Stringer("key", key).Msg("token invalidated")
}

// Refresh performs a synchronous deduplicated fetch for the key. Used by the
// refresh scheduler; respects backoff eligibility.
func (m *Manager) Refresh(ctx context.Context, key token.Key, reason token.RefreshReason) error {
	if !m.cache.RetryEligible(key) {
		return nil
	}
	_, err := m.fetch(ctx, key, reason, nil)
	return err
}

// refreshAsync triggers a background refresh detached from the caller.
func (m *Manager) refreshAsync(ctx context.Context, key token.Key, reason token.RefreshReason) {
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := m.Refresh(bg, key, reason); err != nil {
			log.Warn().Err(err).Stringer("key", key).Str("reason", string(reason)).
				Msg("background token refresh failed")
		}
	}()
}

// staleFallback decides whether a failed blocking refresh may fall back to a
// previously issued record. Only transient failures qualify, the behaviour
// must be enabled, and the record must not be too far past expiry.
func (m *Manager) staleFallback(snap cache.Snapshot, err error) (token.Record, bool) {
	if !m.cfg.ServeStaleOnError || snap.Record == nil {
		return token.Record{}, false
	}
	if !token.Transient(err) {
		// Rejections, pipeline failures and caller cancellation all surface
		// as-is: a retry cannot be expected to heal them.
		return token.Record{}, false
	}
	if m.now().After(snap.Record.Expiry.Add(m.cfg.MaxStaleOnError)) {
		return token.Record{}, false
	}
	return *snap.Record, true
}

// buildHeaders assembles the produced header set for a record. The signature
// header is only attached when the token's policy demands it.
func (m *Manager) buildHeaders(ctx context.Context, key token.Key, record token.Record, body []byte) (token.HeaderSet, error) {
	headers := token.HeaderSet{
		m.cfg.TokenHeader:    record.Token,
		m.cfg.TrackingHeader: uuid.NewString(),
	}
	if m.device.AppVersion != "" {
		headers[m.cfg.VersionHeader] = m.device.AppVersion
	}
	if m.device.Platform != "" {
		headers[m.cfg.PlatformHeader] = m.device.Platform
	}

	if record.Policy.RequireSignature {
		start := m.now()
		signed, err := m.signer.SignHeader(ctx, signer.Params{
			Destination: key.Destination,
			Method:      key.Method,
			BodyHash:    token.HashBody(body),
			Timestamp:   start,
			Device:      m.device,
		}, record.Token)
		if err != nil {
			return nil, fmt.Errorf("signing request headers: %w", err)
		}
		m.metrics.signLatency(ctx, m.now().Sub(start))

		headers[m.cfg.SignatureHeader] = signed.Signature
		headers[m.cfg.KeyVersionHeader] = signed.KeyVersion
	}

	return headers, nil
}
