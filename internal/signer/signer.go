// Package signer builds the signed material attached to token requests and
// to vended headers. Parameters are serialized into a canonical byte
// sequence; the raw signature is delegated to an Algorithm collaborator
// keyed by the store's active version, so the server can verify signatures
// across key rotations.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/attestgate/attest-bridge/internal/keystore"
	"github.com/attestgate/attest-bridge/internal/token"
)

// Algorithm computes a raw signature over canonical bytes. Implementations
// are black-box crypto primitives.
type Algorithm interface {
	Name() string
	Sign(secret, data []byte) ([]byte, error)
}

// HMACSHA256 is the default signing algorithm.
type HMACSHA256 struct{}

func (HMACSHA256) Name() string { return "HMAC-SHA256" }

func (HMACSHA256) Sign(secret, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, secret)
	if _, err := mac.Write(data); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

// Params are the request attributes covered by a signature.
type Params struct {
	Destination string
	Method      string
	BodyHash    string
	Timestamp   time.Time
	Device      token.Device
}

// SignedPayload is the result of signing: the signature, the key version
// that produced it, and the canonical bytes it covers.
type SignedPayload struct {
	Signature  string
	KeyVersion string
	Canonical  []byte
}

// Signer signs canonical request material with the store's current key.
type Signer struct {
	keys *keystore.Store
	alg  Algorithm
}

// New creates a signer over the given key store using HMAC-SHA256.
func New(keys *keystore.Store) *Signer {
	return &Signer{keys: keys, alg: HMACSHA256{}}
}

// NewWithAlgorithm creates a signer with a custom algorithm collaborator.
func NewWithAlgorithm(keys *keystore.Store, alg Algorithm) *Signer {
	return &Signer{keys: keys, alg: alg}
}

// canonical serializes fields into the fixed newline-joined form. Every
// field position is significant; optional fields serialize as empty lines so
// the layout never shifts.
func canonical(fields ...string) []byte {
	return []byte(strings.Join(fields, "\n"))
}

// Build signs the issuance request material: method, destination, timestamp,
// device fingerprint, body hash and the attestation digest. Signing failures
// are not retried here; the caller decides whether to refresh keys and try
// again.
func (s *Signer) Build(ctx context.Context, p Params, attestation []byte) (SignedPayload, error) {
	attSum := sha256.Sum256(attestation)

	data := canonical(
		strings.ToUpper(p.Method),
		p.Destination,
		strconv.FormatInt(p.Timestamp.UnixMilli(), 10),
		p.Device.Fingerprint(),
		p.BodyHash,
		base64.StdEncoding.EncodeToString(attSum[:]),
	)

	return s.sign(ctx, data)
}

// SignHeader signs the per-request header material: method, destination, the
// vended token, timestamp and body hash.
func (s *Signer) SignHeader(ctx context.Context, p Params, vendedToken string) (SignedPayload, error) {
	data := canonical(
		strings.ToUpper(p.Method),
		p.Destination,
		vendedToken,
		strconv.FormatInt(p.Timestamp.UnixMilli(), 10),
		p.BodyHash,
	)

	return s.sign(ctx, data)
}

func (s *Signer) sign(ctx context.Context, data []byte) (SignedPayload, error) {
	key, err := s.keys.CurrentKey(ctx)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("%w: %v", token.ErrKeyUnavailable, err)
	}

	raw, err := s.alg.Sign(key.Secret, data)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("%w: %s: %v", token.ErrSigningFailed, s.alg.Name(), err)
	}

	return SignedPayload{
		Signature:  base64.StdEncoding.EncodeToString(raw),
		KeyVersion: key.Version,
		Canonical:  data,
	}, nil
}

// RefreshKeys asks the key store to reload the active key. Invoked once when
// signing fails before the single retry allowed by the fetch pipeline.
func (s *Signer) RefreshKeys(ctx context.Context) error {
	return s.keys.Refresh(ctx)
}
