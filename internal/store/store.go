// Package store persists token cache snapshots across process restarts.
// The engine functions correctly without a store: a cold start simply begins
// with every entry absent.
package store

import (
	"context"
	"time"

	"github.com/attestgate/attest-bridge/internal/token"
)

// Entry is one persisted cache entry: the key's canonical string form, the
// record and its caching policy.
type Entry struct {
	Key      string              `json:"key"`
	Record   token.Record        `json:"record"`
	Policy   token.RefreshPolicy `json:"policy"`
	SavedAt  time.Time           `json:"savedAt"`
	Checksum string              `json:"checksum,omitempty"`
}

// Store is the durable snapshot collaborator. Implementations must be safe
// for concurrent use.
type Store interface {
	// Save persists or replaces the entry for its key.
	Save(ctx context.Context, e Entry) error

	// Load returns the entry for key. The boolean reports presence; an
	// error is returned only on storage failure.
	Load(ctx context.Context, key string) (Entry, bool, error)

	// LoadAll returns every persisted entry.
	LoadAll(ctx context.Context) ([]Entry, error)

	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
