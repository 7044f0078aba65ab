package store

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Supported store types.
const (
	TypeNone   = "none"
	TypeMemory = "memory"
	TypeBadger = "badger"
)

// NewFromType constructs a Store from configuration. TypeNone returns a nil
// store: the engine treats an absent store as "no durability" and functions
// normally.
func NewFromType(storeType, path string) (Store, error) {
	switch storeType {
	case TypeNone, "":
		log.Info().Msg("durable token store disabled")
		return nil, nil
	case TypeMemory:
		return NewMemory(), nil
	case TypeBadger:
		if path == "" {
			return nil, fmt.Errorf("store type %q requires a path", TypeBadger)
		}
		return NewBadger(path)
	default:
		return nil, fmt.Errorf("unknown store type: %q", storeType)
	}
}
