// Package service implements the core forwarding logic: route resolution,
// outbound request construction and failure classification.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"edge-gateway-go/internal/client"
	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/metrics"
	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/route"
)

// ProxyService forwards requests to the upstream selected by the route table.
// It never retries.
type ProxyService struct {
	client         *client.UpstreamClient
	routes         *route.Table
	transformers   []RequestTransformer
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter may be nil.
func NewProxyService(c *client.UpstreamClient, routes *route.Table, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:         c,
		routes:         routes,
		transformers:   DefaultTransformers,
		requestTimeout: cfg.Upstream.RequestTimeout.Duration,
		logger:         logger.With("component", "proxy_service"),
		metrics:        m,
	}
}

// Routes returns the route table the service resolves against.
func (s *ProxyService) Routes() *route.Table {
	return s.routes
}

// Forward sends a ProxyRequest to its upstream and returns the response with
// headers filtered. The caller must close the response body.
//
// Every error returned is a *ForwardError. No upstream connection is attempted
// when the path matches no route.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	rule, path, ok := s.routes.Match(pr.Path)
	if !ok {
		s.Observe("", model.OutcomeRouteNotFound)
		return nil, &ForwardError{
			Op:      "match_route",
			Outcome: model.OutcomeRouteNotFound,
			Err:     fmt.Errorf("no route for %s %s", pr.Method, pr.Path),
		}
	}

	target := rule.Target(path, pr.RawQuery)

	ctx := pr.Ctx
	cancel := context.CancelFunc(func() {})
	if s.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
	}

	body := pr.Body
	if body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, pr.Method, target.String(), body)
	if err != nil {
		cancel()
		s.Observe(rule.Name, model.OutcomeUpstreamProtocolError)
		return nil, &ForwardError{
			Op:      "build_request",
			Route:   rule.Name,
			Outcome: model.OutcomeUpstreamProtocolError,
			Err:     err,
		}
	}
	out.ContentLength = pr.ContentLength
	if body == http.NoBody {
		out.ContentLength = 0
	}

	for _, tf := range s.transformers {
		tf(out, pr, rule)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"route", rule.Name,
		"upstream_path", target.Path,
	)

	resp, err := s.client.Do(out)
	if err != nil {
		cancel()
		outcome := s.Classify(pr.Ctx, err)
		s.Observe(rule.Name, outcome)
		return nil, &ForwardError{
			Op:      "round_trip",
			Route:   rule.Name,
			Outcome: outcome,
			Err:     err,
		}
	}

	resp.Header = filterResponseHeaders(resp.Header)
	resp.Route = rule.Name
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Classify maps a transport error to an outcome. inbound is the client
// request's context; once it is done the client is gone regardless of what
// the transport reported.
func (s *ProxyService) Classify(inbound context.Context, err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	if inbound.Err() != nil {
		return model.OutcomeClientDisconnected
	}
	if isUnreachable(err) {
		return model.OutcomeUpstreamUnreachable
	}
	if isTimeout(err) {
		return model.OutcomeUpstreamTimeout
	}
	return model.OutcomeUpstreamProtocolError
}

// Observe records the final outcome of an exchange.
func (s *ProxyService) Observe(routeName string, outcome model.Outcome) {
	if s.metrics == nil {
		return
	}
	if routeName == "" {
		routeName = "none"
	}
	s.metrics.UpstreamOutcomes.WithLabelValues(routeName, outcome.String()).Inc()
}

func isUnreachable(err error) bool {
	if errors.Is(err, client.ErrPoolExhausted) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	if errors.Is(err, client.ErrIdleTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cancelOnClose releases the per-request deadline once the body is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
