package llms

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// BackendErrorKind classifies model-backend failures so callers can tell
// transient conditions from permanent ones.
type BackendErrorKind int

const (
	// BackendUnavailable: connection refused, DNS failure, 5xx, rate limit.
	BackendUnavailable BackendErrorKind = iota
	// BackendTimeout: the deadline elapsed before the backend answered.
	BackendTimeout
	// BackendProtocol: the backend answered with something unparseable or
	// rejected the request outright. Retrying will not help.
	BackendProtocol
)

func (k BackendErrorKind) String() string {
	switch k {
	case BackendUnavailable:
		return "unavailable"
	case BackendTimeout:
		return "timeout"
	default:
		return "protocol"
	}
}

// BackendError wraps a model-backend failure with its classification.
type BackendError struct {
	Kind     BackendErrorKind
	Provider string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient reports whether retrying the call could succeed.
func (e *BackendError) Transient() bool { return e.Kind != BackendProtocol }

// WrapBackendError classifies err for the named provider. Context and net
// timeouts map to BackendTimeout, transport failures to BackendUnavailable.
func WrapBackendError(provider string, err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	kind := BackendUnavailable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = BackendTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = BackendTimeout
	}
	return &BackendError{Kind: kind, Provider: provider, Err: err}
}

// NewProtocolError marks a permanent, request-shaped failure.
func NewProtocolError(provider string, err error) *BackendError {
	return &BackendError{Kind: BackendProtocol, Provider: provider, Err: err}
}
