package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestgate/attest-bridge/internal/attestation"
	"github.com/attestgate/attest-bridge/internal/cache"
	"github.com/attestgate/attest-bridge/internal/dedupe"
	"github.com/attestgate/attest-bridge/internal/keystore"
	"github.com/attestgate/attest-bridge/internal/manager"
	"github.com/attestgate/attest-bridge/internal/signer"
	"github.com/attestgate/attest-bridge/internal/token"
)

type stubFetcher func(ctx context.Context, req token.Request) (token.Response, error)

func (f stubFetcher) GetTokens(ctx context.Context, req token.Request) (token.Response, error) {
	return f(ctx, req)
}

func testManager(t *testing.T, fetch stubFetcher) *manager.Manager {
	t.Helper()

	if fetch == nil {
		fetch = func(context.Context, token.Request) (token.Response, error) {
			now := time.Now()
			return token.Response{
				Record: token.Record{
					Token:    "tok-bridge",
					Type:     token.TypeStandard,
					IssuedAt: now,
					Expiry:   now.Add(time.Hour),
				},
				Policy: token.RefreshPolicy{TTL: time.Hour},
			}, nil
		}
	}

	keys := keystore.NewStatic(map[string][]byte{"v1": []byte("test-secret")}, "v1", 0)
	device := token.Device{DeviceID: "device-1234", Platform: "android", AppVersion: "12.88.0"}

	mgr, err := manager.New(manager.Deps{
		Cache:   cache.New(cache.Config{}),
		Dedupe:  dedupe.New(),
		Signer:  signer.New(keys),
		Attest:  attestation.NewStatic(device),
		Fetcher: fetch,
		Keys:    keys,
		Device:  device,
	}, manager.Config{})
	require.NoError(t, err)

	return mgr
}

func postJSON(t *testing.T, handler http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()

	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/not-applicable", bytes.NewReader(encoded))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHandlePostHeaders_Success(t *testing.T) {
	handler := handlePostHeaders(testManager(t, nil))

	rr := postJSON(t, handler, headerRequest{
		Destination: "api.example.com/v1/items",
		Method:      "GET",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var headers map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &headers))
	assert.Equal(t, "tok-bridge", headers[manager.DefaultTokenHeader])
	assert.NotEmpty(t, headers[manager.DefaultTrackingHeader])
}

func TestHandlePostHeaders_ModeSelectsVariant(t *testing.T) {
	var requested token.Mode
	handler := handlePostHeaders(testManager(t, func(_ context.Context, req token.Request) (token.Response, error) {
		requested = req.Mode
		now := time.Now()
		return token.Response{
			Record: token.Record{Token: "tok", IssuedAt: now, Expiry: now.Add(time.Hour)},
			Policy: token.RefreshPolicy{TTL: time.Hour},
		}, nil
	}))

	rr := postJSON(t, handler, headerRequest{
		Destination: "api.example.com",
		Method:      "GET",
		Mode:        "enhanced",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, token.ModeEnhanced, requested)
}

func TestHandlePostHeaders_BadRequests(t *testing.T) {
	handler := handlePostHeaders(testManager(t, nil))

	cases := []struct {
		name string
		body string
	}{
		{"not json", "][ nonsense"},
		{"missing destination", `{"method":"GET"}`},
		{"missing method", `{"destination":"api.example.com"}`},
		{"unknown mode", `{"destination":"api.example.com","method":"GET","mode":"turbo"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/headers", bytes.NewReader([]byte(tc.body)))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestHandlePostHeaders_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected int
	}{
		{"rejection", fmt.Errorf("refused: %w", token.ErrRejected), http.StatusForbidden},
		{"timeout", fmt.Errorf("deadline: %w", token.ErrTimeout), http.StatusGatewayTimeout},
		{"transient", fmt.Errorf("reset: %w", token.ErrTransient), http.StatusBadGateway},
		{"attestation", fmt.Errorf("no evidence: %w", token.ErrAttestation), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := handlePostHeaders(testManager(t, func(context.Context, token.Request) (token.Response, error) {
				return token.Response{}, tc.err
			}))

			rr := postJSON(t, handler, headerRequest{
				Destination: "api.example.com",
				Method:      "GET",
			})

			assert.Equal(t, tc.expected, rr.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandlePostPrefetch_Accepted(t *testing.T) {
	handler := handlePostPrefetch(testManager(t, nil))

	rr := postJSON(t, handler, headerRequest{
		Destination: "api.example.com",
		Method:      "GET",
	})

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestHandlePostPrefetch_BadRequest(t *testing.T) {
	handler := handlePostPrefetch(testManager(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/prefetch", bytes.NewReader([]byte("{}")))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlePostInvalidate_NoContent(t *testing.T) {
	mgr := testManager(t, nil)

	// vend once, then invalidate and vend again: the second vend refetches
	headersHandler := handlePostHeaders(mgr)
	rr := postJSON(t, headersHandler, headerRequest{Destination: "api.example.com", Method: "GET"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = postJSON(t, handlePostInvalidate(mgr), headerRequest{Destination: "api.example.com", Method: "GET"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = postJSON(t, headersHandler, headerRequest{Destination: "api.example.com", Method: "GET"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rr := httptest.NewRecorder()

	handleHealthCheck().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestMaxRequestSize_Enforced(t *testing.T) {
	handler := maxRequestSize(64)(handlePostHeaders(testManager(t, nil)))

	oversized := bytes.Repeat([]byte("a"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/headers", bytes.NewReader(oversized))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.NotEqual(t, http.StatusOK, rr.Code)
}

func TestErrorStatus_PrefersStatuser(t *testing.T) {
	err := &token.StatusError{Code: http.StatusTeapot, Message: "custom"}

	code, message := errorStatus(err)
	assert.Equal(t, http.StatusTeapot, code)
	assert.Equal(t, "custom", message)
}
