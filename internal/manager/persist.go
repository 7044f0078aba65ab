package manager

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/store"
	"github.com/attestgate/attest-bridge/internal/token"
)

// persist writes a freshly issued record to the durable store. Best effort:
// a store failure costs durability, not correctness.
func (m *Manager) persist(ctx context.Context, key token.Key, resp token.Response) {
	if m.store == nil {
		return
	}

	err := m.store.Save(ctx, store.Entry{
		Key:     key.String(),
		Record:  resp.Record,
		Policy:  resp.Policy,
		SavedAt: m.now(),
	})
	if err != nil {
		log.Warn().Err(err).Stringer("key", key).Msg("failed to persist token to durable store")
	}
}

// Restore loads persisted entries into the cache. Records past their grace
// window are dropped; a cold or absent store leaves every entry absent,
// which is the normal cold-start condition.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	entries, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, e := range entries {
		key, err := token.ParseKey(e.Key)
		if err != nil {
			log.Warn().Err(err).Str("key", e.Key).Msg("dropping persisted entry with malformed key")
			continue
		}

		grace := e.Policy.Grace
		if !e.Record.Servable(m.now(), grace) {
			// Expired beyond grace: remove rather than restore.
			if err := m.store.Delete(ctx, e.Key); err != nil {
				log.Warn().Err(err).Str("key", e.Key).Msg("failed to prune expired persisted entry")
			}
			continue
		}

		m.cache.Put(key, e.Record, e.Policy)
		restored++
	}

	if restored > 0 {
		log.Info().Int("count", restored).Msg("token cache restored from durable store")
	}
	return nil
}
