package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/attestgate/attest-bridge/internal/token"
)

// HTTPRemote speaks JSON over HTTP to a token issuance endpoint. It is one
// RemoteTokenService implementation; gRPC or platform-native transports slot
// in behind the same interface.
type HTTPRemote struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRemote creates a remote for the given issuance URL. A nil client
// uses http.DefaultClient (which the bridge wraps with telemetry).
func NewHTTPRemote(endpoint string, client *http.Client) *HTTPRemote {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRemote{endpoint: endpoint, client: client}
}

func (r *HTTPRemote) GetTokens(ctx context.Context, req token.Request) (token.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return token.Response{}, fmt.Errorf("encoding token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return token.Response{}, fmt.Errorf("building token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		// Transport-level failures (connection refused, DNS, context
		// cancellation surfacing as URL errors) are transient from the
		// engine's perspective; the retry envelope sorts out deadlines.
		return token.Response{}, fmt.Errorf("%w: %v", token.ErrTransient, err)
	}
	defer func() {
		io.Copy(io.Discard, httpResp.Body)
		httpResp.Body.Close()
	}()

	switch {
	case httpResp.StatusCode == http.StatusOK:
		// fall through to decode
	case httpResp.StatusCode >= http.StatusInternalServerError:
		return token.Response{}, fmt.Errorf("%w: issuance service returned %d", token.ErrTransient, httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return token.Response{}, fmt.Errorf("%w: issuance service throttled", token.ErrTransient)
	default:
		// 4xx: the server refused this request. Attributable to the
		// attestation or signature, not to transient conditions.
		return token.Response{}, fmt.Errorf("%w: issuance service returned %d", token.ErrRejected, httpResp.StatusCode)
	}

	var resp token.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return token.Response{}, fmt.Errorf("%w: decoding issuance response: %v", token.ErrTransient, err)
	}

	return resp, nil
}
