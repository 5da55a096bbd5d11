package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed request.
type Kind int

const (
	KindUnknown Kind = iota
	KindAPI
	KindNetwork
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// APIError is a well-formed non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// Data is the response body when it was valid JSON.
	Data json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// NetworkError means no usable response was received.
type NetworkError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// KindOf classifies any error returned by the client.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return KindAPI
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

func defaultMessage(code int) string {
	return fmt.Sprintf("Request failed with status %d", code)
}

func classify(op string, err error) error {
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &NetworkError{Kind: kind, Op: op, Err: err}
}
