// Package proxy is the request path: it builds the per-request context,
// walks the failover chain, and relays the winning response back to the
// client while collecting usage.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zhangz-2018/cc-switch/internal/router"
)

var (
	// ErrFirstByteTimeout means the upstream accepted the stream but never
	// produced a first chunk in time.
	ErrFirstByteTimeout = errors.New("proxy: timed out waiting for first byte")

	// ErrIdleTimeout means a live stream went silent for too long.
	ErrIdleTimeout = errors.New("proxy: stream idle timeout")

	// ErrTransform means a response transformer rejected the upstream body.
	ErrTransform = errors.New("proxy: response transform failed")
)

// ForwardError reports that every provider in the chain failed at the
// transport level. Provider identifies the last attempt.
type ForwardError struct {
	ProviderID   string
	ProviderName string
	Attempts     int
	Err          error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("proxy: all %d providers failed, last %q: %v", e.Attempts, e.ProviderName, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// ErrorStatus maps a request-path error to the HTTP status the client gets.
// Routing errors are 503 (nothing to send to), transport errors are 502
// (we tried and the upstream broke), everything else is 500.
func ErrorStatus(err error) int {
	var fe *ForwardError
	switch {
	case errors.Is(err, router.ErrNoProvidersConfigured),
		errors.Is(err, router.ErrAllProvidersCircuitOpen),
		errors.Is(err, router.ErrNoAvailableProvider):
		return http.StatusServiceUnavailable
	case errors.As(err, &fe), errors.Is(err, ErrTransform):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ErrorCode returns a stable machine-readable code for a request-path error.
func ErrorCode(err error) string {
	var fe *ForwardError
	switch {
	case errors.Is(err, router.ErrNoProvidersConfigured):
		return "no_providers_configured"
	case errors.Is(err, router.ErrAllProvidersCircuitOpen):
		return "all_providers_circuit_open"
	case errors.Is(err, router.ErrNoAvailableProvider):
		return "no_available_provider"
	case errors.As(err, &fe):
		return "forward_failed"
	case errors.Is(err, ErrTransform):
		return "transform_failed"
	}
	return "internal_error"
}

// WriteError renders a request-path error as the JSON error shape the CLIs
// understand.
func WriteError(w http.ResponseWriter, err error) {
	status := ErrorStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "gateway_error",
			"code":    ErrorCode(err),
		},
	})
}
