package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestgate/attest-bridge/internal/token"
)

var savedAt = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func testEntry(key string) Entry {
	return Entry{
		Key: key,
		Record: token.Record{
			Token:    "tok-" + key,
			Type:     token.TypeStandard,
			IssuedAt: savedAt,
			Expiry:   savedAt.Add(time.Hour),
		},
		Policy:  token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second},
		SavedAt: savedAt,
	}
}

// storeContract exercises the behaviour every Store implementation shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	keyA := token.NewKey("a.example.com", "GET", token.ModeStandard).String()
	keyB := token.NewKey("b.example.com", "POST", token.ModeEnhanced).String()

	_, found, err := s.Load(ctx, keyA)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, testEntry(keyA)))
	require.NoError(t, s.Save(ctx, testEntry(keyB)))

	loaded, found, err := s.Load(ctx, keyA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-"+keyA, loaded.Record.Token)
	assert.Equal(t, 30*time.Second, loaded.Policy.Grace)
	assert.True(t, loaded.Record.Expiry.Equal(savedAt.Add(time.Hour)))

	// save replaces
	replacement := testEntry(keyA)
	replacement.Record.Token = "tok-replaced"
	require.NoError(t, s.Save(ctx, replacement))

	loaded, found, err = s.Load(ctx, keyA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-replaced", loaded.Record.Token)

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, keyA))
	_, found, err = s.Load(ctx, keyA)
	require.NoError(t, err)
	assert.False(t, found)

	// deleting a missing key is not an error
	require.NoError(t, s.Delete(ctx, keyA))
}

func TestMemory_Contract(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	storeContract(t, s)
}

func TestBadger_Contract(t *testing.T) {
	s, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	storeContract(t, s)
}

func TestBadger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := token.NewKey("a.example.com", "GET", token.ModeStandard).String()

	s, err := NewBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, testEntry(key)))
	require.NoError(t, s.Close())

	reopened, err := NewBadger(dir)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, found, err := reopened.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-"+key, loaded.Record.Token)
}

func TestNewFromType(t *testing.T) {
	s, err := NewFromType("none", "")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewFromType("", "")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewFromType("memory", "")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.IsType(t, &Memory{}, s)
	s.Close()

	s, err = NewFromType("badger", t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.IsType(t, &Badger{}, s)
	s.Close()

	_, err = NewFromType("badger", "")
	assert.Error(t, err)

	_, err = NewFromType("cassandra", "")
	assert.Error(t, err)
}
