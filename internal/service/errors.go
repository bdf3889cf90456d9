package service

import (
	"errors"
	"fmt"

	"edge-gateway-go/internal/model"
)

// Sentinel errors for forwarding failures. A *ForwardError matches exactly
// one of them via errors.Is.
var (
	ErrRouteNotFound       = errors.New("no matching route")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
	ErrClientDisconnected  = errors.New("client disconnected")
)

// ForwardError describes a failed forward. Err holds the underlying transport
// error and is only meant for logs.
type ForwardError struct {
	Op      string
	Route   string
	Outcome model.Outcome
	Err     error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	if e.Route != "" {
		return fmt.Sprintf("forward [%s] route=%s: %s: %v", e.Op, e.Route, e.Outcome, e.Err)
	}
	return fmt.Sprintf("forward [%s]: %s: %v", e.Op, e.Outcome, e.Err)
}

// Unwrap exposes both the outcome sentinel and the underlying cause.
func (e *ForwardError) Unwrap() []error {
	return []error{sentinelFor(e.Outcome), e.Err}
}

func sentinelFor(o model.Outcome) error {
	switch o {
	case model.OutcomeRouteNotFound:
		return ErrRouteNotFound
	case model.OutcomeUpstreamTimeout:
		return ErrUpstreamTimeout
	case model.OutcomeUpstreamUnreachable:
		return ErrUpstreamUnreachable
	case model.OutcomeClientDisconnected:
		return ErrClientDisconnected
	default:
		return ErrUpstreamProtocol
	}
}

// OutcomeOf returns the outcome carried by err, or OutcomeUpstreamProtocolError
// if err is not a *ForwardError.
func OutcomeOf(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	var fe *ForwardError
	if errors.As(err, &fe) {
		return fe.Outcome
	}
	return model.OutcomeUpstreamProtocolError
}
