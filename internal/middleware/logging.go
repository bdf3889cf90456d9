// Package middleware provides Echo middleware for logging, metrics, CORS and
// security headers.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that writes one access log line per
// request. Server errors log at warn. Requests to any of quiet log at debug so
// probes do not flood the log. A handler that aborts the connection is still
// logged, with aborted=true.
func RequestLogger(logger *slog.Logger, quiet ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			done := false
			defer func() {
				if !done {
					logRequest(logger, c, start, skip, true)
				}
			}()

			err := next(c)
			done = true
			if err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
			}
			logRequest(logger, c, start, skip, false)
			return nil
		}
	}
}

func logRequest(logger *slog.Logger, c echo.Context, start time.Time, quiet map[string]bool, aborted bool) {
	req := c.Request()
	res := c.Response()

	level := slog.LevelInfo
	switch {
	case res.Status >= 500 || aborted:
		level = slog.LevelWarn
	case quiet[req.URL.Path]:
		level = slog.LevelDebug
	}

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", res.Status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
		slog.String("remote_ip", c.RealIP()),
		slog.Int64("bytes_in", req.ContentLength),
		slog.Int64("bytes_out", res.Size),
	}
	if aborted {
		attrs = append(attrs, slog.Bool("aborted", true))
	}
	logger.LogAttrs(context.Background(), level, "request", attrs...)
}
