package token

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes for the fetch pipeline. Classification drives retry policy:
// transient failures are retried with backoff by the service client, while
// attestation, signing and rejection failures surface immediately.
var (
	// ErrAttestation indicates the platform attestation payload could not be
	// produced. Not retryable within the current fetch.
	ErrAttestation = errors.New("attestation unavailable")

	// ErrSigningFailed indicates the signing layer could not complete.
	ErrSigningFailed = errors.New("request signing failed")

	// ErrKeyUnavailable indicates no signing key could be resolved for the
	// requested version.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrRejected indicates the server explicitly refused the request, e.g.
	// for bad attestation. Never retried.
	ErrRejected = errors.New("request rejected by token service")

	// ErrTransient indicates a network, timeout or 5xx-equivalent condition.
	// Retried with backoff up to a cap.
	ErrTransient = errors.New("transient token service failure")

	// ErrTimeout indicates the issuance call exceeded its deadline.
	ErrTimeout = errors.New("token service timeout")

	// ErrNotServable indicates a caller demanded a token but none is
	// servable and the fetch that would produce one failed.
	ErrNotServable = errors.New("no servable token")
)

// Transient reports whether the error may succeed on retry.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// Rejection reports whether the server explicitly refused the request.
func Rejection(err error) bool {
	return errors.Is(err, ErrRejected)
}

// StatusError adapts engine errors to an HTTP status for the bridge layer.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Status implements the bridge's status contract.
func (e *StatusError) Status() (int, string) {
	return e.Code, e.Message
}

// AsStatus maps an engine error onto a caller-facing HTTP status.
func AsStatus(err error) *StatusError {
	switch {
	case errors.Is(err, ErrRejected):
		return &StatusError{Code: http.StatusForbidden, Message: "token request rejected", Err: err}
	case errors.Is(err, ErrTimeout):
		return &StatusError{Code: http.StatusGatewayTimeout, Message: "token service timeout", Err: err}
	case Transient(err):
		return &StatusError{Code: http.StatusBadGateway, Message: "token service unavailable", Err: err}
	case errors.Is(err, ErrAttestation), errors.Is(err, ErrSigningFailed), errors.Is(err, ErrKeyUnavailable):
		return &StatusError{Code: http.StatusInternalServerError, Message: "attestation pipeline failure", Err: err}
	default:
		return &StatusError{Code: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError), Err: err}
	}
}
