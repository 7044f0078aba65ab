package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestgate/attest-bridge/internal/attestation"
	"github.com/attestgate/attest-bridge/internal/cache"
	"github.com/attestgate/attest-bridge/internal/dedupe"
	"github.com/attestgate/attest-bridge/internal/keystore"
	"github.com/attestgate/attest-bridge/internal/signer"
	"github.com/attestgate/attest-bridge/internal/store"
	"github.com/attestgate/attest-bridge/internal/token"
)

type fetcherFunc func(ctx context.Context, req token.Request) (token.Response, error)

func (f fetcherFunc) GetTokens(ctx context.Context, req token.Request) (token.Response, error) {
	return f(ctx, req)
}

var testDevice = token.Device{
	DeviceID:   "device-1234",
	Platform:   "android",
	OSVersion:  "14",
	AppVersion: "12.88.0",
}

func issued(tokenValue string, ttl time.Duration) token.Response {
	now := time.Now()
	return token.Response{
		Record: token.Record{
			Token:    tokenValue,
			Type:     token.TypeStandard,
			IssuedAt: now,
			Expiry:   now.Add(ttl),
		},
		Policy: token.RefreshPolicy{TTL: ttl, Grace: 30 * time.Second},
	}
}

type engineOpts struct {
	fetch    func(req token.Request) (token.Response, error)
	cfg      Config
	cacheCfg cache.Config
	store    store.Store
}

type engineHarness struct {
	mgr     *Manager
	cache   *cache.Cache
	store   store.Store
	fetches atomic.Int32
}

func newEngine(t *testing.T, opts engineOpts) *engineHarness {
	t.Helper()

	h := &engineHarness{
		cache: cache.New(opts.cacheCfg),
		store: opts.store,
	}

	fetch := opts.fetch
	if fetch == nil {
		fetch = func(token.Request) (token.Response, error) {
			return issued("tok-default", time.Hour), nil
		}
	}

	keys := keystore.NewStatic(map[string][]byte{"v1": []byte("test-secret")}, "v1", 0)

	mgr, err := New(Deps{
		Cache:  h.cache,
		Dedupe: dedupe.New(),
		Signer: signer.New(keys),
		Attest: attestation.NewStatic(testDevice),
		Fetcher: fetcherFunc(func(_ context.Context, req token.Request) (token.Response, error) {
			h.fetches.Add(1)
			return fetch(req)
		}),
		Keys:   keys,
		Store:  opts.store,
		Device: testDevice,
	}, opts.cfg)
	require.NoError(t, err)

	h.mgr = mgr
	return h
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestGetHeaders_EmptyCacheFetchesOnce(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(req token.Request) (token.Response, error) {
			assert.Equal(t, "api.example.com", req.Destination)
			assert.Equal(t, "GET", req.Method)
			assert.Equal(t, token.ModeStandard, req.Mode)
			assert.NotEmpty(t, req.Attestation, "leader fetch carries an attestation payload")
			assert.NotEmpty(t, req.Signature)
			assert.Equal(t, "v1", req.KeyVersion)
			assert.Equal(t, testDevice, req.DeviceInfo)
			return issued("tok-fresh", time.Hour), nil
		},
	})

	headers, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "get", nil, token.ModeStandard)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.fetches.Load())
	assert.Equal(t, "tok-fresh", headers[DefaultTokenHeader])
	assert.NotEmpty(t, headers[DefaultTrackingHeader])
	assert.Equal(t, "12.88.0", headers[DefaultVersionHeader])
	assert.Equal(t, "android", headers[DefaultPlatformHeader])
	assert.NotContains(t, headers, DefaultSignatureHeader, "signature only attached when policy demands it")
}

func TestGetHeaders_SecondCallServedFromCache(t *testing.T) {
	h := newEngine(t, engineOpts{})

	first, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	second, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.fetches.Load(), "a valid cached token is served without the network")
	assert.Equal(t, first[DefaultTokenHeader], second[DefaultTokenHeader])
	assert.NotEqual(t, first[DefaultTrackingHeader], second[DefaultTrackingHeader],
		"tracking identifiers are per request, never cached")
}

func TestGetHeaders_DistinctTuplesFetchSeparately(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(req token.Request) (token.Response, error) {
			return issued("tok-"+req.Destination+"-"+string(req.Mode), time.Hour), nil
		},
	})
	ctx := context.Background()

	a, err := h.mgr.GetHeaders(ctx, "a.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	b, err := h.mgr.GetHeaders(ctx, "a.example.com", "GET", nil, token.ModeEnhanced)
	require.NoError(t, err)

	assert.Equal(t, int32(2), h.fetches.Load(), "mode participates in the cache key")
	assert.NotEqual(t, a[DefaultTokenHeader], b[DefaultTokenHeader])
}

func TestGetHeaders_SignedWhenPolicyDemands(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			resp := issued("tok-signed", time.Hour)
			resp.Record.Policy.RequireSignature = true
			return resp, nil
		},
	})

	headers, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "POST", []byte(`{"q":1}`), token.ModeStandard)
	require.NoError(t, err)

	assert.NotEmpty(t, headers[DefaultSignatureHeader])
	assert.Equal(t, "v1", headers[DefaultKeyVersionHeader])
}

func TestGetHeaders_ConcurrentCallersShareOneFetch(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			time.Sleep(50 * time.Millisecond)
			return issued("tok-shared", time.Hour), nil
		},
	})

	const callers = 10
	headers := make([]token.HeaderSet, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			headers[i], errs[i] = h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.fetches.Load(), "concurrent callers for one tuple share a single issuance call")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-shared", headers[i][DefaultTokenHeader])
	}
}

func TestGetHeaders_StaleServedWhileRefreshing(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return issued("tok-new", time.Hour), nil
		},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-old",
		IssuedAt: now.Add(-time.Hour),
		Expiry:   now.Add(-5 * time.Second),
	}, token.RefreshPolicy{TTL: time.Hour, Grace: time.Minute})

	headers, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, "tok-old", headers[DefaultTokenHeader], "the stale token is served without waiting for the refresh")

	// the background refresh replaces the record
	assert.Eventually(t, func() bool {
		headers, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
		return err == nil && headers[DefaultTokenHeader] == "tok-new"
	}, time.Second, 10*time.Millisecond)
}

func TestGetHeaders_ExpiredBeyondGraceBlocks(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return issued("tok-new", time.Hour), nil
		},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-ancient",
		IssuedAt: now.Add(-2 * time.Hour),
		Expiry:   now.Add(-2 * time.Minute),
	}, token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second})

	headers, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)

	assert.Equal(t, "tok-new", headers[DefaultTokenHeader], "a token beyond grace is never served")
	assert.Equal(t, int32(1), h.fetches.Load())
}

func TestGetHeaders_RejectionDropsRecord(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return token.Response{}, fmt.Errorf("%w: attestation refused", token.ErrRejected)
		},
		cfg: Config{ServeStaleOnError: true},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-refused",
		IssuedAt: now.Add(-time.Hour),
		Expiry:   now.Add(-40 * time.Second),
	}, token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second})

	_, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	assert.ErrorIs(t, err, token.ErrRejected, "a rejection never falls back to the old record")

	snap, ok := h.cache.Peek(key)
	require.True(t, ok)
	assert.Nil(t, snap.Record, "the rejected record is dropped from the cache")
	assert.Equal(t, cache.StateFailed, snap.State)
}

func TestGetHeaders_TransientFailureServesStaleFallback(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return token.Response{}, fmt.Errorf("%w: connection reset", token.ErrTransient)
		},
		cfg: Config{ServeStaleOnError: true},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-old",
		IssuedAt: now.Add(-time.Hour),
		Expiry:   now.Add(-40 * time.Second),
	}, token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second})

	headers, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, "tok-old", headers[DefaultTokenHeader])
}

func TestGetHeaders_NonTransientFailureNeverServesStale(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"attestation", fmt.Errorf("%w: provider offline", token.ErrAttestation)},
		{"signing", fmt.Errorf("%w: key mismatch", token.ErrSigningFailed)},
		{"key unavailable", fmt.Errorf("%w: version gone", token.ErrKeyUnavailable)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newEngine(t, engineOpts{
				fetch: func(token.Request) (token.Response, error) {
					return token.Response{}, tc.err
				},
				cfg: Config{ServeStaleOnError: true},
			})

			key := token.NewKey("api.example.com", "GET", token.ModeStandard)
			now := time.Now()
			h.cache.Put(key, token.Record{
				Token:    "tok-old",
				IssuedAt: now.Add(-time.Hour),
				Expiry:   now.Add(-40 * time.Second),
			}, token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second})

			_, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
			assert.ErrorIs(t, err, tc.err, "only transient failures may fall back to the old record")
		})
	}
}

func TestGetHeaders_StaleFallbackDisabled(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return token.Response{}, fmt.Errorf("%w: connection reset", token.ErrTransient)
		},
		cfg: Config{ServeStaleOnError: false},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-old",
		IssuedAt: now.Add(-time.Hour),
		Expiry:   now.Add(-40 * time.Second),
	}, token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second})

	_, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	assert.ErrorIs(t, err, token.ErrTransient)
}

func TestGetHeaders_StaleFallbackBounded(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return token.Response{}, fmt.Errorf("%w: connection reset", token.ErrTransient)
		},
		cfg: Config{ServeStaleOnError: true, MaxStaleOnError: 5 * time.Minute},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-ancient",
		IssuedAt: now.Add(-2 * time.Hour),
		Expiry:   now.Add(-10 * time.Minute),
	}, token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second})

	_, err := h.mgr.GetHeaders(context.Background(), "api.example.com", "GET", nil, token.ModeStandard)
	assert.ErrorIs(t, err, token.ErrTransient, "fallback is bounded: records too far past expiry are never served")
}

func TestGetHeaders_FailedEntryGatedByBackoff(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return token.Response{}, fmt.Errorf("%w: connection reset", token.ErrTransient)
		},
		cacheCfg: cache.Config{BackoffBase: time.Minute},
	})
	ctx := context.Background()

	_, err := h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.ErrorIs(t, err, token.ErrTransient)
	require.Equal(t, int32(1), h.fetches.Load())

	_, err = h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	assert.ErrorIs(t, err, token.ErrNotServable, "a failed entry inside its backoff window fails fast")
	assert.Equal(t, int32(1), h.fetches.Load(), "no issuance call while the backoff gate holds")
}

func TestPrefetch_WarmsAbsentKey(t *testing.T) {
	h := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return issued("tok-warm", time.Hour), nil
		},
	})
	ctx := context.Background()

	h.mgr.Prefetch(ctx, "api.example.com", "GET", token.ModeStandard)

	require.Eventually(t, func() bool {
		return h.fetches.Load() == 1
	}, time.Second, 10*time.Millisecond)

	headers, err := h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, "tok-warm", headers[DefaultTokenHeader])
	assert.Equal(t, int32(1), h.fetches.Load(), "the prefetched token serves the caller without another fetch")
}

func TestPrefetch_ValidEntryIsNoop(t *testing.T) {
	h := newEngine(t, engineOpts{})
	ctx := context.Background()

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	now := time.Now()
	h.cache.Put(key, token.Record{
		Token:    "tok-fresh",
		IssuedAt: now,
		Expiry:   now.Add(time.Hour),
	}, token.RefreshPolicy{TTL: time.Hour})

	h.mgr.Prefetch(ctx, "api.example.com", "GET", token.ModeStandard)
	h.mgr.Prefetch(ctx, "api.example.com", "GET", token.ModeStandard)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), h.fetches.Load(), "prefetch of a fresh tuple performs no network activity")
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	h := newEngine(t, engineOpts{})
	ctx := context.Background()

	_, err := h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	require.Equal(t, int32(1), h.fetches.Load())

	h.mgr.Invalidate(ctx, "api.example.com", "GET", token.ModeStandard)

	_, err = h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.fetches.Load(), "an invalidated tuple pays for a fresh blocking fetch")
}

func TestRefresh_RespectsBackoffGate(t *testing.T) {
	h := newEngine(t, engineOpts{
		cacheCfg: cache.Config{BackoffBase: time.Minute},
	})

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	h.cache.MarkFailure(key, fmt.Errorf("%w: connection reset", token.ErrTransient))

	err := h.mgr.Refresh(context.Background(), key, token.PreemptiveRefresh)
	require.NoError(t, err)
	assert.Equal(t, int32(0), h.fetches.Load(), "a gated refresh is silently skipped")
}

func TestPersist_SavesIssuedTokens(t *testing.T) {
	st := store.NewMemory()
	h := newEngine(t, engineOpts{store: st})
	ctx := context.Background()

	_, err := h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	entry, found, err := st.Load(ctx, key.String())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-default", entry.Record.Token)
}

func TestInvalidate_RemovesPersistedEntry(t *testing.T) {
	st := store.NewMemory()
	h := newEngine(t, engineOpts{store: st})
	ctx := context.Background()

	_, err := h.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)

	h.mgr.Invalidate(ctx, "api.example.com", "GET", token.ModeStandard)

	key := token.NewKey("api.example.com", "GET", token.ModeStandard)
	_, found, err := st.Load(ctx, key.String())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRestore_WarmsCacheFromStore(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	warm := newEngine(t, engineOpts{store: st})
	_, err := warm.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)

	// a fresh process restores the persisted record and serves it without
	// touching the issuance service
	cold := newEngine(t, engineOpts{
		fetch: func(token.Request) (token.Response, error) {
			return token.Response{}, fmt.Errorf("%w: service down", token.ErrTransient)
		},
		store: st,
	})
	require.NoError(t, cold.mgr.Restore(ctx))

	headers, err := cold.mgr.GetHeaders(ctx, "api.example.com", "GET", nil, token.ModeStandard)
	require.NoError(t, err)
	assert.Equal(t, "tok-default", headers[DefaultTokenHeader])
	assert.Equal(t, int32(0), cold.fetches.Load())
}

func TestRestore_PrunesExpiredEntries(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	expiredKey := token.NewKey("expired.example.com", "GET", token.ModeStandard)
	require.NoError(t, st.Save(ctx, store.Entry{
		Key: expiredKey.String(),
		Record: token.Record{
			Token:    "tok-expired",
			IssuedAt: now.Add(-2 * time.Hour),
			Expiry:   now.Add(-time.Hour),
		},
		Policy:  token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second},
		SavedAt: now.Add(-time.Hour),
	}))

	liveKey := token.NewKey("live.example.com", "GET", token.ModeStandard)
	require.NoError(t, st.Save(ctx, store.Entry{
		Key: liveKey.String(),
		Record: token.Record{
			Token:    "tok-live",
			IssuedAt: now,
			Expiry:   now.Add(time.Hour),
		},
		Policy:  token.RefreshPolicy{TTL: time.Hour, Grace: 30 * time.Second},
		SavedAt: now,
	}))

	h := newEngine(t, engineOpts{store: st})
	require.NoError(t, h.mgr.Restore(ctx))

	snap, ok := h.cache.Peek(liveKey)
	require.True(t, ok)
	assert.Equal(t, cache.StateValid, snap.State)

	_, ok = h.cache.Peek(expiredKey)
	assert.False(t, ok, "entries beyond grace are not restored")

	_, found, err := st.Load(ctx, expiredKey.String())
	require.NoError(t, err)
	assert.False(t, found, "expired entries are pruned from the store")
}

func TestRestore_DropsMalformedKeys(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.Save(ctx, store.Entry{
		Key: "not-a-cache-key",
		Record: token.Record{
			Token:    "tok",
			IssuedAt: now,
			Expiry:   now.Add(time.Hour),
		},
	}))

	h := newEngine(t, engineOpts{store: st})
	require.NoError(t, h.mgr.Restore(ctx))

	assert.Equal(t, 0, h.cache.Len())
}
