// Package token holds the data model shared by the attestation token engine:
// cache keys, issued token records, refresh policies and the request/response
// shapes exchanged with the remote issuance service.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Mode selects the attestation variant requested from the issuance service.
// It participates in the cache key: tokens issued for different modes are
// never interchangeable.
type Mode string

const (
	ModeStandard Mode = "STANDARD"
	ModeEnhanced Mode = "ENHANCED"
	ModeLegacy   Mode = "LEGACY"
)

// ParseMode maps a client-supplied string to a Mode, defaulting to
// ModeStandard for the empty string.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "":
		return ModeStandard, nil
	case string(ModeStandard):
		return ModeStandard, nil
	case string(ModeEnhanced):
		return ModeEnhanced, nil
	case string(ModeLegacy):
		return ModeLegacy, nil
	}
	return "", fmt.Errorf("unknown attestation mode: %q", s)
}

// Type identifies the kind of credential carried by a TokenRecord.
type Type string

const (
	TypeNone     Type = "NONE"
	TypeLegacy   Type = "LEGACY"
	TypeStandard Type = "STANDARD"
	TypeBoth     Type = "BOTH"
)

// RefreshReason is the strategy under which a fetch was initiated.
type RefreshReason string

const (
	// Prewarming is a background fetch for a key with no prior record,
	// triggered by an explicit prefetch hint rather than by necessity.
	Prewarming RefreshReason = "PREWARMING"

	// PreemptiveRefresh is a background fetch issued before expiry for a hot
	// entry, while the old token remains servable.
	PreemptiveRefresh RefreshReason = "PREEMPTIVEREFRESH"

	// BlockingRefresh is a synchronous fetch demanded by a caller that has no
	// servable token; the caller suspends until it resolves.
	BlockingRefresh RefreshReason = "BLOCKINGREFRESH"
)

// Key groups requests that may share one issued token. Two requests with the
// same destination, method and mode always map to the same key. The zero
// value is invalid.
type Key struct {
	Destination string
	Method      string
	Mode        Mode
}

// NewKey canonicalizes the tuple: methods are uppercased and an empty mode
// defaults to standard.
func NewKey(destination, method string, mode Mode) Key {
	if mode == "" {
		mode = ModeStandard
	}
	return Key{
		Destination: destination,
		Method:      strings.ToUpper(method),
		Mode:        mode,
	}
}

// String renders the key as a URN-style identifier. This form is also the
// storage key used by durable snapshot stores.
func (k Key) String() string {
	return fmt.Sprintf("att://%s/%s/%s", k.Mode, k.Method, k.Destination)
}

// ParseKey reverses Key.String. Used when restoring persisted entries.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, "att://")
	if !ok {
		return Key{}, fmt.Errorf("malformed cache key: %q", s)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Key{}, fmt.Errorf("malformed cache key: %q", s)
	}
	mode, err := ParseMode(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("malformed cache key: %w", err)
	}
	return Key{Destination: parts[2], Method: parts[1], Mode: mode}, nil
}

// Policy carries usage constraints issued alongside a token. The engine
// stores and republishes these; enforcement belongs to the consuming client.
type Policy struct {
	AllowedDestinations []string `json:"allowedDestinations,omitempty"`
	RateLimitPerMinute  int      `json:"rateLimitPerMinute,omitempty"`
	RequireSignature    bool     `json:"requireSignature"`
}

// RefreshPolicy is the caching guidance attached to an issuance response.
type RefreshPolicy struct {
	// TTL is the duration for which the token is fresh.
	TTL time.Duration `json:"ttl"`

	// Grace is the window after expiry during which the token may still be
	// served while a refresh is attempted.
	Grace time.Duration `json:"grace"`

	// StrategyHint is the server's preferred refresh strategy for this entry.
	StrategyHint RefreshReason `json:"strategyHint,omitempty"`
}

// Record is an issued token with its validity window. Records are immutable:
// a refresh produces a new Record, never a patched one.
type Record struct {
	Token      string    `json:"token"`
	Type       Type      `json:"type"`
	IssuedAt   time.Time `json:"issuedAt"`
	Expiry     time.Time `json:"expiry"`
	KeyVersion string    `json:"keyVersion,omitempty"`
	Policy     Policy    `json:"policy"`
}

// Fresh reports whether the record is within its nominal validity window.
func (r Record) Fresh(now time.Time) bool {
	return now.Before(r.Expiry)
}

// Servable reports whether the record may still be used at the given time
// under the supplied grace window.
func (r Record) Servable(now time.Time, grace time.Duration) bool {
	return now.Before(r.Expiry.Add(grace))
}

// HeaderSet is the produced artifact of the engine: header names mapped to
// values, ready to attach to an outgoing request.
type HeaderSet map[string]string

// Request is the logical payload of the single issuance RPC.
type Request struct {
	Destination string    `json:"destination"`
	Method      string    `json:"method"`
	BodyHash    string    `json:"bodyHash,omitempty"`
	Mode        Mode      `json:"mode"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceInfo  Device    `json:"deviceInfo"`

	// Attestation is the opaque platform attestation payload, produced once
	// per leader fetch.
	Attestation []byte `json:"attestation"`

	// Signature covers the canonical form of this request; KeyVersion names
	// the signing key so the server can verify across rotations.
	Signature  string `json:"signature"`
	KeyVersion string `json:"keyVersion"`
}

// Response is the result of the issuance RPC: a record plus its caching
// guidance.
type Response struct {
	Record Record        `json:"record"`
	Policy RefreshPolicy `json:"policy"`
}

// Device describes the requesting client. The fingerprint of this structure
// is included in attestation payloads and signed request material.
type Device struct {
	DeviceID     string `json:"deviceId"`
	Platform     string `json:"platform"`
	OSVersion    string `json:"osVersion"`
	AppVersion   string `json:"appVersion"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// Fingerprint returns a stable digest of the device description. Fields are
// serialized in a fixed order so the digest is deterministic.
func (d Device) Fingerprint() string {
	h := sha256.New()
	for _, f := range []string{d.DeviceID, d.Platform, d.OSVersion, d.AppVersion, d.Model, d.Manufacturer} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashBody digests a request body for inclusion in the cache-independent
// signing material. Empty bodies produce an empty hash.
func HashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
