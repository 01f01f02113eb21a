package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcheck/internal/domain"
	"trustcheck/internal/platform/config"
)

var bigBody = strings.Repeat("<sdnEntry/>", 200)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.DownloadConfig{
		Timeout:         5 * time.Second,
		MaxAttempts:     5,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      10 * time.Millisecond,
		MaxConnections:  2,
		MinPayloadBytes: 100,
	}, nil, nil)
	// No real waiting in tests.
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return m
}

func TestFetch_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(bigBody))
	}))
	defer srv.Close()

	m := testManager(t)
	payload, err := m.Fetch(context.Background(), SourceConfig{Source: domain.SourceOFAC, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 3, payload.Retries)
	assert.Equal(t, []byte(bigBody), payload.Body)
}

func TestFetch_PermanentFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := testManager(t)
	_, err := m.Fetch(context.Background(), SourceConfig{Source: domain.SourceOFAC, URL: srv.URL})
	require.Error(t, err)

	var dlErr *Error
	require.True(t, errors.As(err, &dlErr))
	assert.False(t, dlErr.Transient)
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_TooManyRequestsIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(bigBody))
	}))
	defer srv.Close()

	m := testManager(t)
	payload, err := m.Fetch(context.Background(), SourceConfig{Source: domain.SourceUN, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Retries)
}

func TestFetch_TinyPayloadIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<empty/>"))
	}))
	defer srv.Close()

	m := testManager(t)
	_, err := m.Fetch(context.Background(), SourceConfig{Source: domain.SourceOFAC, URL: srv.URL})
	require.Error(t, err)

	var dlErr *Error
	require.True(t, errors.As(err, &dlErr))
	assert.False(t, dlErr.Transient)
	assert.Contains(t, dlErr.Err.Error(), "payload too small")
}

func TestFetch_ExhaustedRetriesReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := testManager(t)
	_, err := m.Fetch(context.Background(), SourceConfig{Source: domain.SourceOFAC, URL: srv.URL})
	require.Error(t, err)

	var dlErr *Error
	require.True(t, errors.As(err, &dlErr))
	assert.True(t, dlErr.Transient)
	assert.Equal(t, http.StatusBadGateway, dlErr.StatusCode)
}

func TestBackoff_HighAttemptCountsStayCapped(t *testing.T) {
	m := NewManager(config.DownloadConfig{
		MaxAttempts: 90,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}, nil, nil)

	for _, attempt := range []int{1, 2, 40, 89} {
		d := m.backoff(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		// Jitter returns at most 1.5x the capped backoff.
		assert.LessOrEqual(t, d, time.Minute+time.Minute/2, "attempt %d", attempt)
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := testManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Fetch(ctx, SourceConfig{Source: domain.SourceOFAC, URL: srv.URL})
	require.Error(t, err)
}
