package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
	}{
		{"success", "/api/items", http.StatusOK, "INFO"},
		{"client error", "/api/items", http.StatusNotFound, "INFO"},
		{"upstream failure", "/api/items", http.StatusBadGateway, "WARN"},
		{"quiet path", "/health", http.StatusOK, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			e := echo.New()
			e.Use(RequestLogger(logger, "/health"))
			e.GET(tt.path, func(c echo.Context) error {
				return c.String(tt.status, "body")
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if entry["path"] != tt.path {
				t.Errorf("path = %v, want %v", entry["path"], tt.path)
			}
			if got, _ := entry["status"].(float64); int(got) != tt.status {
				t.Errorf("logged status = %v, want %d", entry["status"], tt.status)
			}
			if got, _ := entry["bytes_out"].(float64); got != 4 {
				t.Errorf("bytes_out = %v, want 4", entry["bytes_out"])
			}
		})
	}
}

func TestRequestLogger_HandlerErrorLoggedWithFinalStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	req := httptest.NewRequest(http.MethodGet, "/fail", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if got, _ := entry["status"].(float64); int(got) != http.StatusServiceUnavailable {
		t.Errorf("logged status = %v, want %d", entry["status"], http.StatusServiceUnavailable)
	}
}

func TestRequestLogger_AbortedHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/stream", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, _ = c.Response().Write([]byte("part"))
		panic(http.ErrAbortHandler)
	})

	func() {
		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", r)
			}
		}()
		req := httptest.NewRequest(http.MethodGet, "/stream", http.NoBody)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["aborted"] != true {
		t.Errorf("aborted = %v, want true", entry["aborted"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if got, _ := entry["bytes_out"].(float64); got != 4 {
		t.Errorf("bytes_out = %v, want 4", entry["bytes_out"])
	}
}
