package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"edge-gateway-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that counts and times inbound
// requests, labelled by method, status and route prefix. Requests whose
// connection is aborted are recorded with the status the handler left behind.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()
				record(m, c, statusOf(c, err), time.Since(start))
			}()

			return next(c)
		}
	}
}

// statusOf returns the status the client will see. A returned *echo.HTTPError
// is written later by the central error handler, so its code wins.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}

func record(m *metrics.Metrics, c echo.Context, status int, elapsed time.Duration) {
	labels := []string{
		metrics.NormalizeMethod(c.Request().Method),
		strconv.Itoa(status),
		m.NormalizePath(c.Request().URL.Path),
	}
	m.RequestsTotal.WithLabelValues(labels...).Inc()
	m.RequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}
