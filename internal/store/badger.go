package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefixEntry       = "entry:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// Badger is a disk-backed Store. Entries survive process restarts, letting a
// warm cache resume serving without refetching every token.
type Badger struct {
	db *badgerdb.DB
}

// NewBadger opens (or creates) the database at dataPath with synchronous
// writes for durability.
func NewBadger(dataPath string) (*Badger, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("resolving store path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = badgerLogger{}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening token store at %s: %w", absPath, err)
	}

	b := &Badger{db: db}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing token store schema: %w", err)
	}

	log.Info().Str("path", absPath).Msg("durable token store opened")
	return b, nil
}

func (b *Badger) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if string(val) != currentSchemaVersion {
				return fmt.Errorf("unsupported store schema version %q (expected %q)", val, currentSchemaVersion)
			}
			return nil
		})
	})
}

func entryKey(key string) []byte {
	return []byte(keyPrefixEntry + key)
}

func (b *Badger) Save(_ context.Context, e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding store entry: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(entryKey(e.Key), val)
	})
}

func (b *Badger) Load(_ context.Context, key string) (Entry, bool, error) {
	var e Entry
	found := false

	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("loading store entry: %w", err)
	}

	return e, found, nil
}

func (b *Badger) LoadAll(_ context.Context) ([]Entry, error) {
	var out []Entry

	err := b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefixEntry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				// A corrupt entry is dropped rather than failing the whole
				// restore; the engine will refetch that key.
				log.Warn().Err(err).Str("key", string(it.Item().Key())).
					Msg("skipping undecodable store entry")
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning token store: %w", err)
	}

	return out, nil
}

func (b *Badger) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(entryKey(key))
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger adapts zerolog to the badger.Logger interface. Badger's
// internal chatter is demoted to debug.
type badgerLogger struct{}

var _ badgerdb.Logger = badgerLogger{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Msgf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Debug().Msgf("badger: "+format, args...)
}
