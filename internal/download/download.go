// Package download is the retrying, rate-limited fetch layer shared by all
// source adapters. It is stateless across calls beyond rate-limit bookkeeping.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"trustcheck/internal/domain"
	"trustcheck/internal/platform/config"
	"trustcheck/internal/platform/metrics"
)

// SourceConfig tells the manager where and how to fetch one authority's list.
type SourceConfig struct {
	Source   domain.Source
	URL      string
	Format   domain.DataFormat
	MinBytes int64
}

// Payload is the result of one successful fetch.
type Payload struct {
	Body        []byte
	StatusCode  int
	ContentType string
	Duration    time.Duration
	Retries     int
}

// Error classifies a fetch failure. Transient failures (timeouts, 5xx, 429,
// connection resets) are retried internally; permanent ones fail immediately.
type Error struct {
	Source     domain.Source
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: %s failure (status %d): %v", e.Source, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download %s: %s failure: %v", e.Source, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager fetches raw source payloads with bounded retries, a per-source
// minimum interval, and a global concurrent-connection ceiling shared across
// all adapters.
type Manager struct {
	client  *http.Client
	cfg     config.DownloadConfig
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	lastFetch map[domain.Source]time.Time

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds a Manager from config. logger and m may be nil.
func NewManager(cfg config.DownloadConfig, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	return &Manager{
		client:    &http.Client{Timeout: cfg.Timeout},
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConnections),
		logger:    logger,
		metrics:   m,
		lastFetch: make(map[domain.Source]time.Time),
		sleep:     sleepCtx,
	}
}

// Fetch downloads the configured URL. Transient failures are retried with
// exponential backoff and jitter up to MaxAttempts; permanent failures return
// immediately. Payload.Retries reports how many attempts were retried.
func (m *Manager) Fetch(ctx context.Context, sc SourceConfig) (*Payload, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Source: sc.Source, URL: sc.URL, Transient: true, Err: err}
	}
	defer m.sem.Release(1)

	if err := m.waitForSourceSlot(ctx, sc.Source); err != nil {
		return nil, &Error{Source: sc.Source, URL: sc.URL, Transient: true, Err: err}
	}

	start := time.Now()
	var lastErr *Error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			m.metrics.DownloadRetried(string(sc.Source))
			if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
				return nil, &Error{Source: sc.Source, URL: sc.URL, Transient: true, Err: err}
			}
		}

		payload, err := m.attempt(ctx, sc)
		if err == nil {
			payload.Duration = time.Since(start)
			payload.Retries = attempt
			m.logger.Info("download complete",
				"source", sc.Source, "bytes", len(payload.Body),
				"retries", attempt, "duration_ms", payload.Duration.Milliseconds())
			return payload, nil
		}

		lastErr = err
		if !err.Transient {
			m.logger.Warn("download failed permanently", "source", sc.Source, "error", err)
			return nil, err
		}
		m.logger.Warn("download attempt failed",
			"source", sc.Source, "attempt", attempt+1, "max_attempts", m.cfg.MaxAttempts, "error", err)
	}
	return nil, lastErr
}

func (m *Manager) attempt(ctx context.Context, sc SourceConfig) (*Payload, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.URL, nil)
	if err != nil {
		return nil, &Error{Source: sc.Source, URL: sc.URL, Transient: false, Err: err}
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	req.Header.Set("Accept", "application/xml, text/xml, text/csv, application/json, */*")

	resp, err := m.client.Do(req)
	if err != nil {
		// Network-level failures (timeouts, resets) are retryable.
		return nil, &Error{Source: sc.Source, URL: sc.URL, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &Error{
			Source: sc.Source, URL: sc.URL, StatusCode: resp.StatusCode,
			Transient: transient,
			Err:       fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Source: sc.Source, URL: sc.URL, Transient: true, Err: err}
	}

	minBytes := sc.MinBytes
	if minBytes == 0 {
		minBytes = m.cfg.MinPayloadBytes
	}
	if int64(len(body)) < minBytes {
		// A truncated sanctions list is unusable; retrying will not grow it.
		return nil, &Error{
			Source: sc.Source, URL: sc.URL, StatusCode: resp.StatusCode, Transient: false,
			Err: fmt.Errorf("payload too small: %d bytes (minimum %d)", len(body), minBytes),
		}
	}

	return &Payload{
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// waitForSourceSlot enforces the per-source minimum interval between fetches.
func (m *Manager) waitForSourceSlot(ctx context.Context, source domain.Source) error {
	if m.cfg.PerSourceInterval <= 0 {
		return nil
	}
	m.mu.Lock()
	last, ok := m.lastFetch[source]
	now := time.Now()
	var wait time.Duration
	if ok {
		if next := last.Add(m.cfg.PerSourceInterval); next.After(now) {
			wait = next.Sub(now)
		}
	}
	m.lastFetch[source] = now.Add(wait)
	m.mu.Unlock()

	if wait > 0 {
		return m.sleep(ctx, wait)
	}
	return nil
}

func (m *Manager) backoff(attempt int) time.Duration {
	// Double up to the cap instead of shifting, so a large attempt count
	// cannot overflow the duration negative.
	d := m.cfg.BaseBackoff
	for i := 1; i < attempt && d < m.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > m.cfg.MaxBackoff {
		d = m.cfg.MaxBackoff
	}
	// Full jitter keeps retries from herding against a recovering source.
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
