package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/signer"
	"github.com/attestgate/attest-bridge/internal/token"
)

// fetch runs the deduplicated fetch pipeline for a key. The leader executes
// the attestation, signing and RPC stages once; every concurrent caller for
// the key receives the identical outcome.
func (m *Manager) fetch(ctx context.Context, key token.Key, reason token.RefreshReason, body []byte) (token.Response, error) {
	bodyHash := token.HashBody(body)

	return m.dedupe.Fetch(ctx, key, func(ctx context.Context) (token.Response, error) {
		start := m.now()
		m.cache.MarkFetching(key, true)

		resp, err := m.execute(ctx, key, reason, bodyHash)
		if err != nil {
			m.cache.MarkFailure(key, err)
			m.metrics.fetch(ctx, reason, m.now().Sub(start), err)
			return token.Response{}, err
		}

		m.cache.Put(key, resp.Record, resp.Policy)
		m.persist(ctx, key, resp)
		m.rotateIfAdvised(ctx, resp.Record.KeyVersion)
		m.metrics.fetch(ctx, reason, m.now().Sub(start), nil)

		log.Info().
			Stringer("key", key).
			Str("reason", string(reason)).
			Time("expiry", resp.Record.Expiry).
			Dur("ttl", resp.Policy.TTL).
			Msg("token issued")

		return resp, nil
	})
}

// execute is the leader's critical path: produce the attestation payload,
// sign the canonical request, and call the issuance service. Signing gets a
// single retry after a key refresh; attestation failures and rejections
// surface immediately.
func (m *Manager) execute(ctx context.Context, key token.Key, reason token.RefreshReason, bodyHash string) (token.Response, error) {
	attStart := m.now()
	payload, err := m.attest.Payload(ctx)
	if err != nil {
		if !errors.Is(err, token.ErrAttestation) {
			err = fmt.Errorf("%w: %v", token.ErrAttestation, err)
		}
		return token.Response{}, err
	}
	m.metrics.attestLatency(ctx, m.now().Sub(attStart))

	params := signer.Params{
		Destination: key.Destination,
		Method:      key.Method,
		BodyHash:    bodyHash,
		Timestamp:   m.now(),
		Device:      m.device,
	}

	signed, err := m.signer.Build(ctx, params, payload)
	if err != nil && (errors.Is(err, token.ErrKeyUnavailable) || errors.Is(err, token.ErrSigningFailed)) {
		// One key refresh, one retry. Persistent signing failure is fatal
		// for this fetch.
		log.Warn().Err(err).Stringer("key", key).Msg("signing failed, refreshing keys and retrying once")
		if refreshErr := m.signer.RefreshKeys(ctx); refreshErr != nil {
			return token.Response{}, fmt.Errorf("%w: key refresh also failed: %v", err, refreshErr)
		}
		signed, err = m.signer.Build(ctx, params, payload)
	}
	if err != nil {
		return token.Response{}, err
	}

	req := token.Request{
		Destination: key.Destination,
		Method:      key.Method,
		BodyHash:    bodyHash,
		Mode:        key.Mode,
		Timestamp:   params.Timestamp,
		DeviceInfo:  m.device,
		Attestation: payload,
		Signature:   signed.Signature,
		KeyVersion:  signed.KeyVersion,
	}

	return m.fetcher.GetTokens(ctx, req)
}

// rotateIfAdvised follows a server-named key version. The server signals
// rotation by issuing records under a newer version than the one that signed
// the request.
func (m *Manager) rotateIfAdvised(ctx context.Context, version string) {
	if m.keys == nil || version == "" {
		return
	}
	if err := m.keys.Rotate(ctx, version); err != nil {
		log.Warn().Err(err).Str("version", version).
			Msg("server-advised key rotation failed, keeping current key")
	}
}
