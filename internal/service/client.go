// Package service owns the single logical remote call of the engine: the
// token issuance RPC. Client wraps a RemoteTokenService with a request
// timeout and exponential-backoff retry for transient failures; rejections
// and attestation/signing failures are never retried.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/token"
)

// RemoteTokenService is the wire collaborator. Implementations translate the
// logical request to their transport; the engine assumes the server
// deduplicates identical requests so retries are safe.
type RemoteTokenService interface {
	GetTokens(ctx context.Context, req token.Request) (token.Response, error)
}

// RemoteFunc adapts a function to the RemoteTokenService interface.
type RemoteFunc func(ctx context.Context, req token.Request) (token.Response, error)

func (f RemoteFunc) GetTokens(ctx context.Context, req token.Request) (token.Response, error) {
	return f(ctx, req)
}

// Config tunes the retry and timeout envelope.
type Config struct {
	// Timeout bounds the whole call including retries. This is the sole
	// blocking bound a caller observes on a blocking refresh.
	Timeout time.Duration

	// MaxAttempts caps retry attempts for transient failures.
	MaxAttempts int

	// InitialBackoff seeds the exponential retry delay.
	InitialBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	return c
}

// Client is the retrying wrapper around the remote service.
type Client struct {
	remote RemoteTokenService
	cfg    Config
}

// NewClient wraps remote with the given retry configuration.
func NewClient(remote RemoteTokenService, cfg Config) *Client {
	return &Client{remote: remote, cfg: cfg.withDefaults()}
}

// GetTokens issues the RPC, retrying transient failures with exponential
// backoff up to the attempt cap. A deadline overrun yields ErrTimeout;
// rejections and pipeline failures propagate unchanged on the first attempt.
func (c *Client) GetTokens(ctx context.Context, req token.Request) (token.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	attempt := 0
	operation := func() (token.Response, error) {
		attempt++
		resp, err := c.remote.GetTokens(ctx, req)
		if err == nil {
			return resp, nil
		}

		if !token.Transient(err) {
			// Rejections and attestation/signature failures are attributable
			// to the request itself; retrying cannot help.
			return token.Response{}, backoff.Permanent(err)
		}

		log.Warn().Int("attempt", attempt).Err(err).
			Str("destination", req.Destination).
			Msg("transient token service failure, will retry")
		return token.Response{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return token.Response{}, fmt.Errorf("%w: after %s", token.ErrTimeout, c.cfg.Timeout)
		}
		return token.Response{}, err
	}

	if resp.Record.Expiry.Before(resp.Record.IssuedAt) {
		return token.Response{}, fmt.Errorf("%w: response expiry precedes issuance", token.ErrRejected)
	}

	return resp, nil
}
