package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/manager"
	"github.com/attestgate/attest-bridge/internal/token"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// headerRequest is the body of /headers, /prefetch and /invalidate: the
// request tuple a token is being resolved for. Body is only meaningful for
// /headers, where it participates in the request signature.
type headerRequest struct {
	Destination string `json:"destination"`
	Method      string `json:"method"`
	Body        string `json:"body,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

func readHeaderRequest(r *http.Request) (headerRequest, token.Mode, error) {
	var req headerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return headerRequest{}, "", err
	}
	if req.Destination == "" || req.Method == "" {
		return headerRequest{}, "", errors.New("destination and method are required")
	}

	mode, err := token.ParseMode(req.Mode)
	if err != nil {
		return headerRequest{}, "", err
	}

	return req, mode, nil
}

func handlePostHeaders(m *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		req, mode, err := readHeaderRequest(r)
		if err != nil {
			log.Info().Msgf("invalid header request: %v", err)
			requestError(w, http.StatusBadRequest)
			return
		}

		headers, err := m.GetHeaders(r.Context(), req.Destination, req.Method, []byte(req.Body), mode)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("header vending failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(headers); err != nil {
			// the status line is already committed; only logging remains
			log.Info().Msgf("failed to write response: %v", err)
		}
	})
}

func handlePostPrefetch(m *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		req, mode, err := readHeaderRequest(r)
		if err != nil {
			log.Info().Msgf("invalid prefetch request: %v", err)
			requestError(w, http.StatusBadRequest)
			return
		}

		// fire and forget: prefetch errors are logged by the manager, never
		// reported to the hinting caller
		m.Prefetch(r.Context(), req.Destination, req.Method, mode)
		w.WriteHeader(http.StatusAccepted)
	})
}

func handlePostInvalidate(m *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		req, mode, err := readHeaderRequest(r)
		if err != nil {
			log.Info().Msgf("invalid invalidate request: %v", err)
			requestError(w, http.StatusBadRequest)
			return
		}

		m.Invalidate(r.Context(), req.Destination, req.Method, mode)
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error, mapping
// engine errors through the token package's status table.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return token.AsStatus(err).Status()
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the
// contents, which keeps HTTP/1 connections reusable.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5mb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
