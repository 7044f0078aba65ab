// Package attestation defines the platform attestation collaborator. The
// engine treats the payload as opaque evidence: it is produced once per
// leader fetch and forwarded to the issuance service untouched.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/attestgate/attest-bridge/internal/token"
)

// Provider produces an opaque attestation payload for the current device and
// process. Implementations may be slow or blocking; the token manager runs
// them on the fetch critical path, never per follower.
type Provider interface {
	Payload(ctx context.Context) ([]byte, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) ([]byte, error)

func (f ProviderFunc) Payload(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Static is a software-only provider that assembles a best-effort integrity
// statement from the configured device description. Hardware-backed
// providers replace this in deployments that have platform attestation
// available.
type Static struct {
	device token.Device
}

// NewStatic creates a provider for the given device description.
func NewStatic(device token.Device) *Static {
	return &Static{device: device}
}

type staticPayload struct {
	Platform      string `json:"platform"`
	Timestamp     int64  `json:"timestamp"`
	Fingerprint   string `json:"deviceFingerprint"`
	AppVersion    string `json:"appVersion"`
	SecurityLevel string `json:"securityLevel"`
}

// Payload serializes the integrity statement. Fails only if the device
// description is unusable.
func (s *Static) Payload(ctx context.Context) ([]byte, error) {
	if s.device.DeviceID == "" {
		return nil, fmt.Errorf("%w: device identifier not configured", token.ErrAttestation)
	}

	p := staticPayload{
		Platform:      s.device.Platform,
		Timestamp:     time.Now().UnixMilli(),
		Fingerprint:   s.device.Fingerprint(),
		AppVersion:    s.device.AppVersion,
		SecurityLevel: "SOFTWARE",
	}

	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrAttestation, err)
	}
	return out, nil
}
