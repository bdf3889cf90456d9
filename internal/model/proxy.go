// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Path is the escaped request path exactly as the client sent it.
// ContentLength is -1 when unknown. Body is passed through as a stream and
// never read into memory by the gateway.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	Query         url.Values
	RawQuery      string
	Host          string
	Scheme        string
	RemoteAddr    string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Route      string
}

// Outcome classifies how a forwarded exchange ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRouteNotFound
	OutcomeUpstreamTimeout
	OutcomeUpstreamUnreachable
	OutcomeUpstreamProtocolError
	OutcomeClientDisconnected
)

// String returns the metric label form of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRouteNotFound:
		return "route_not_found"
	case OutcomeUpstreamTimeout:
		return "upstream_timeout"
	case OutcomeUpstreamUnreachable:
		return "upstream_unreachable"
	case OutcomeUpstreamProtocolError:
		return "upstream_protocol_error"
	case OutcomeClientDisconnected:
		return "client_disconnected"
	default:
		return "unknown"
	}
}
