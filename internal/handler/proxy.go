package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/service"
)

// relayBufferSize is the chunk size used when streaming upstream bodies.
const relayBufferSize = 32 * 1024

// statusClientClosedRequest is recorded when the client went away before a
// response could be written. It is never sent.
const statusClientClosedRequest = 499

// abort drops the client connection without completing the response.
// net/http treats this panic as a silent abort and echo's Recover lets it through.
func abort() {
	panic(http.ErrAbortHandler)
}

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(?i)(https?://)[^/@\s]+@`)

// ProxyHandler forwards every request that no other route claims.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger

	// Disconnects are routine under load; log the first few, then one per second.
	disconnectLog rate.Sometimes
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:       svc,
		logger:        logger.With("component", "proxy_handler"),
		disconnectLog: rate.Sometimes{First: 10, Interval: time.Second},
	}
}

// Handle forwards the request and streams the upstream response back.
// When the exchange fails after the status line is out, or the client is
// gone before it, the connection is aborted so the client never sees a
// response that looks complete.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		Query:         req.URL.Query(),
		RawQuery:      req.URL.RawQuery,
		Host:          req.Host,
		Scheme:        c.Scheme(),
		RemoteAddr:    req.RemoteAddr,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware already set.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	outcome := h.relay(c, resp.Body)
	h.service.Observe(resp.Route, outcome)
	if outcome != model.OutcomeSuccess {
		h.logTruncated(c, resp.Route, outcome)
		abort()
	}
	return nil
}

// relay copies body to the client one chunk at a time, flushing after each.
func (h *ProxyHandler) relay(c echo.Context, body io.Reader) model.Outcome {
	w := c.Response()
	buf := make([]byte, relayBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return model.OutcomeClientDisconnected
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return model.OutcomeSuccess
		}
		if rerr != nil {
			return h.service.Classify(c.Request().Context(), rerr)
		}
	}
}

func (h *ProxyHandler) logTruncated(c echo.Context, routeName string, outcome model.Outcome) {
	path := c.Request().URL.Path
	if outcome == model.OutcomeClientDisconnected {
		h.disconnectLog.Do(func() {
			h.logger.Info("client disconnected mid-response", "path", path, "route", routeName)
		})
		return
	}
	h.logger.Warn("response truncated",
		"path", path,
		"route", routeName,
		"outcome", outcome.String(),
	)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrClientDisconnected):
		h.disconnectLog.Do(func() {
			h.logger.Info("client disconnected", "path", path, "err", sanitizeError(err))
		})
		c.Response().Status = statusClientClosedRequest
		abort()
		return nil

	case errors.Is(err, service.ErrRouteNotFound):
		h.logger.Debug("no route", "method", c.Request().Method, "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no route for path",
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)

	switch {
	case errors.Is(err, service.ErrUpstreamTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case errors.Is(err, service.ErrUpstreamUnreachable):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream unreachable",
		})
	default:
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request failed",
		})
	}
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
