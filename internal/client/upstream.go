// Package client provides the pooled HTTP client used to reach upstreams.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"edge-gateway-go/internal/config"
	"edge-gateway-go/internal/metrics"
	"edge-gateway-go/internal/model"
	"edge-gateway-go/internal/route"
)

var (
	// ErrPoolExhausted is returned when no pool slot frees up within the connect timeout.
	ErrPoolExhausted = errors.New("upstream connection pool exhausted")

	// ErrIdleTimeout is returned when no bytes move in either direction for the read timeout.
	ErrIdleTimeout = errors.New("upstream idle timeout")
)

// UpstreamClient sends requests to upstream hosts. Each host gets at most
// MaxConnections concurrent exchanges; a slot is held from dial until the
// response body is closed.
type UpstreamClient struct {
	transport      *http.Transport
	connectTimeout time.Duration
	readTimeout    time.Duration
	maxConns       int64
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	up := cfg.Upstream
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   up.ConnectTimeout.Duration,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          up.IdleConnections,
		MaxIdleConnsPerHost:   up.IdleConnections,
		MaxConnsPerHost:       up.MaxConnections,
		IdleConnTimeout:       up.IdleConnTimeout.Duration,
		ResponseHeaderTimeout: up.ReadTimeout.Duration,
		ExpectContinueTimeout: 1 * time.Second,
		// Bodies are relayed as-is; the transport must not negotiate gzip on our behalf.
		DisableCompression: true,
	}

	return &UpstreamClient{
		transport:      transport,
		connectTimeout: up.ConnectTimeout.Duration,
		readTimeout:    up.ReadTimeout.Duration,
		maxConns:       int64(up.MaxConnections),
		logger:         logger.With("component", "upstream_client"),
		metrics:        m,
		slots:          make(map[string]*semaphore.Weighted),
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// Redirects are not followed. The caller must close the response body; doing so
// releases the pool slot and, if the body was fully read, returns the
// connection to the idle pool.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	key := route.PoolKey(req.URL)

	release, err := c.acquire(req.Context(), key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(req.Context())
	wd := newWatchdog(c.readTimeout, func() { cancel(ErrIdleTimeout) })
	done := func() {
		wd.Stop()
		cancel(nil)
		release()
	}

	req = req.WithContext(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		req.Body = &activityBody{ReadCloser: req.Body, touch: wd.Touch}
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"upstream", key,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.transport.RoundTrip(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		err = withCause(ctx, err)
		done()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	wd.Touch()
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &upstreamBody{
			rc:    resp.Body,
			ctx:   ctx,
			touch: wd.Touch,
			done:  done,
		},
	}, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// acquire waits up to the connect timeout for a pool slot on key.
func (c *UpstreamClient) acquire(ctx context.Context, key string) (func(), error) {
	sem := c.slot(key)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	err := sem.Acquire(waitCtx, 1)
	cancel()
	if c.metrics != nil {
		c.metrics.PoolWait.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wait for pool slot: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, key)
	}

	if c.metrics != nil {
		c.metrics.ConnectionsInUse.WithLabelValues(key).Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(1)
			if c.metrics != nil {
				c.metrics.ConnectionsInUse.WithLabelValues(key).Dec()
			}
		})
	}, nil
}

func (c *UpstreamClient) slot(key string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(c.maxConns)
		c.slots[key] = sem
	}
	return sem
}

// withCause tags err with ErrIdleTimeout when the watchdog canceled ctx.
func withCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrIdleTimeout) && !errors.Is(err, ErrIdleTimeout) {
		return fmt.Errorf("%w: %w", ErrIdleTimeout, err)
	}
	return err
}

// watchdog fires once if Touch is not called within d.
type watchdog struct {
	d     time.Duration
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func newWatchdog(d time.Duration, fire func()) *watchdog {
	w := &watchdog{d: d}
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		if w.done {
			w.mu.Unlock()
			return
		}
		w.done = true
		w.mu.Unlock()
		fire()
	})
	return w
}

// Touch pushes the deadline out by d.
func (w *watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.timer.Reset(w.d)
	}
}

// Stop disarms the watchdog.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	w.timer.Stop()
}

// activityBody reports progress on the outbound request body. The transport
// only reads as fast as the upstream accepts, so progress here means the
// upstream is alive.
type activityBody struct {
	io.ReadCloser
	touch func()
}

func (b *activityBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.touch()
	}
	return n, err
}

// upstreamBody wraps the response body: reads feed the watchdog, read errors
// carry the idle-timeout cause, and Close releases the pool slot.
type upstreamBody struct {
	rc    io.ReadCloser
	ctx   context.Context
	touch func()
	done  func()
	once  sync.Once
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.touch()
	}
	if err != nil && err != io.EOF {
		err = withCause(b.ctx, err)
	}
	return n, err
}

func (b *upstreamBody) Close() error {
	err := b.rc.Close()
	b.once.Do(b.done)
	return err
}
