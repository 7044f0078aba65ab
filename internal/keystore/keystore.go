// Package keystore resolves the signing keys used to authenticate token
// requests. Key material comes from a loader collaborator (a secret manager,
// file, or test fixture); resolved keys are cached by version with a TTL so
// rotation propagates without a restart.
package keystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/token"
)

// SigningKey is a versioned secret used for request signing.
type SigningKey struct {
	Version string
	Secret  []byte
}

// Loader fetches key material by version from the backing source. An empty
// version requests whatever the source considers current.
type Loader func(ctx context.Context, version string) (SigningKey, error)

// Store provides versioned signing keys and rotation notification.
type Store struct {
	loader Loader

	mu       sync.RWMutex
	current  string
	onRotate []func(SigningKey)

	cache *otter.Cache[string, SigningKey]
}

// New creates a key store backed by the given loader. Keys are cached for
// ttl; a zero ttl defaults to 15 minutes.
func New(loader Loader, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	cache := otter.Must(&otter.Options[string, SigningKey]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryCreating[string, SigningKey](ttl),
	})

	return &Store{
		loader: loader,
		cache:  cache,
	}
}

// NewStatic creates a store over a fixed key set, with currentVersion as the
// active key. Intended for configuration-supplied secrets and tests.
func NewStatic(keys map[string][]byte, currentVersion string, ttl time.Duration) *Store {
	loader := func(_ context.Context, version string) (SigningKey, error) {
		if version == "" {
			version = currentVersion
		}
		secret, ok := keys[version]
		if !ok {
			return SigningKey{}, fmt.Errorf("%w: version %q", token.ErrKeyUnavailable, version)
		}
		return SigningKey{Version: version, Secret: secret}, nil
	}

	s := New(loader, ttl)
	s.current = currentVersion
	return s
}

// CurrentKey returns the active signing key.
func (s *Store) CurrentKey(ctx context.Context) (SigningKey, error) {
	s.mu.RLock()
	version := s.current
	s.mu.RUnlock()
	return s.Key(ctx, version)
}

// Key resolves a key by version, consulting the cache first.
func (s *Store) Key(ctx context.Context, version string) (SigningKey, error) {
	if entry, ok := s.cache.GetEntry(version); ok {
		return entry.Value, nil
	}

	key, err := s.loader(ctx, version)
	if err != nil {
		return SigningKey{}, fmt.Errorf("loading signing key: %w", err)
	}
	if len(key.Secret) == 0 {
		return SigningKey{}, fmt.Errorf("%w: empty key material for version %q", token.ErrKeyUnavailable, version)
	}

	s.cache.Set(version, key)
	return key, nil
}

// Refresh drops the cached copy of the current key and reloads it. Called by
// the signing pipeline when a signature is refused, before its single retry.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.RLock()
	version := s.current
	s.mu.RUnlock()

	s.cache.Invalidate(version)
	_, err := s.Key(ctx, version)
	return err
}

// Rotate makes version the active key and notifies subscribers. The server
// drives rotation by naming a new key version in its responses.
func (s *Store) Rotate(ctx context.Context, version string) error {
	key, err := s.Key(ctx, version)
	if err != nil {
		return fmt.Errorf("rotating to version %q: %w", version, err)
	}

	s.mu.Lock()
	previous := s.current
	s.current = version
	callbacks := make([]func(SigningKey), len(s.onRotate))
	copy(callbacks, s.onRotate)
	s.mu.Unlock()

	if previous != version {
		log.Info().Str("previous", previous).Str("current", version).
			Msg("signing key rotated")
	}

	for _, cb := range callbacks {
		cb(key)
	}
	return nil
}

// OnRotate registers a callback invoked after each successful rotation.
func (s *Store) OnRotate(cb func(SigningKey)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRotate = append(s.onRotate, cb)
}
