package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcheck/internal/dedup"
	"trustcheck/internal/domain"
	"trustcheck/internal/download"
	"trustcheck/internal/ledger"
	"trustcheck/internal/notify"
	"trustcheck/internal/platform/config"
	"trustcheck/internal/scraper"
	"trustcheck/internal/store"
	"trustcheck/pkg/platform/sentinel"
)

// fakeAdapter parses "uid:name:program|uid:name:program" payloads so tests
// control the entity set through the served body.
type fakeAdapter struct {
	source domain.Source
	url    string

	mu       sync.Mutex
	parseErr error
	skipped  int
}

func (a *fakeAdapter) Config() download.SourceConfig {
	return download.SourceConfig{Source: a.source, URL: a.url, Format: domain.FormatXML, MinBytes: 1}
}

func (a *fakeAdapter) Parse(_ context.Context, raw []byte) (*scraper.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	res := &scraper.Result{SkippedRecords: a.skipped}
	for _, record := range splitRecords(string(raw)) {
		e := domain.CanonicalEntity{
			UID: record[0], Name: record[1], Type: domain.EntityPerson,
			Source: a.source, Programs: []string{record[2]},
		}
		e.Seal(time.Now())
		res.Entities = append(res.Entities, e)
	}
	return res, nil
}

func splitRecords(raw string) [][3]string {
	var out [][3]string
	for _, rec := range splitNonEmpty(raw, '|') {
		parts := splitNonEmpty(rec, ':')
		if len(parts) == 3 {
			out = append(out, [3]string{parts[0], parts[1], parts[2]})
		}
	}
	return out
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	repo     *store.MemoryStore
	adapter  *fakeAdapter
	body     atomic.Value // string served by the fake source
	failures atomic.Int32 // 503s to serve before the body
	srv      *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{repo: store.NewMemoryStore()}
	h.body.Store("")

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.failures.Load() > 0 {
			h.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(h.body.Load().(string)))
	}))
	t.Cleanup(h.srv.Close)

	h.adapter = &fakeAdapter{source: domain.SourceOFAC, url: h.srv.URL}
	registry := scraper.NewRegistry()
	registry.Register(domain.SourceOFAC, h.adapter, scraper.Metadata{Tier: scraper.Tier1, Format: domain.FormatXML})

	dl := download.NewManager(config.DownloadConfig{
		Timeout: 5 * time.Second, MaxAttempts: 2, BaseBackoff: time.Millisecond,
		MaxBackoff: time.Millisecond, MaxConnections: 2, MinPayloadBytes: 1,
	}, nil, nil)

	dispatcher := notify.NewDispatcher(
		[]notify.Channel{notify.NewLogChannel(nil)}, h.repo,
		config.NotifyConfig{BatchWindow: time.Hour, MaxAttempts: 1, BaseBackoff: time.Millisecond}, nil, nil)

	h.orch = New(Deps{
		Registry:   registry,
		Downloader: dl,
		Dedup:      dedup.New(h.repo, nil, nil),
		Ledger:     ledger.New(h.repo, nil),
		Repo:       h.repo,
		Dispatcher: dispatcher,
	})
	return h
}

func TestRunSource_FirstRunAddsEverything(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT|OFAC-2:Acme Shipping:IRAN")

	run, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 2, run.Metrics.Processed)
	assert.Equal(t, 2, run.Metrics.Added)
	assert.Equal(t, 1, run.Metrics.Critical) // SDGT addition
	assert.Equal(t, 1, run.Metrics.High)

	entities, err := h.repo.LatestEntities(context.Background(), domain.SourceOFAC)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	events, err := h.repo.EventsForRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRunSource_UnchangedContentSkips(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT")

	first, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)
	require.Equal(t, domain.RunSuccess, first.Status)

	// Distinct start second so the run IDs differ.
	h.orch.ledger = relabeledLedger(h.repo, time.Now().Add(2*time.Second))

	second, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSkipped, second.Status)
	assert.Zero(t, second.Metrics.Processed)

	// force bypasses dedup and reprocesses, detecting nothing new.
	h.orch.ledger = relabeledLedger(h.repo, time.Now().Add(4*time.Second))
	third, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, third.Status)
	assert.Zero(t, third.Metrics.Added)
}

func TestRunSource_ModificationAndRemoval(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT|OFAC-2:Acme Shipping:IRAN")

	_, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)

	h.body.Store("OFAC-1:Ivan Petrov:CYBER")
	h.orch.ledger = relabeledLedger(h.repo, time.Now().Add(2*time.Second))

	run, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 1, run.Metrics.Modified)
	assert.Equal(t, 1, run.Metrics.Removed)
	assert.Equal(t, 1, run.Metrics.Critical) // removal

	events, err := h.repo.EventsForRun(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestRunSource_ParseFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT")
	h.adapter.parseErr = &scraper.ParseError{Source: domain.SourceOFAC, Reason: "schema drift"}

	run, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "schema drift")

	// Nothing persisted from the failed run.
	entities, _ := h.repo.LatestEntities(context.Background(), domain.SourceOFAC)
	assert.Empty(t, entities)
}

func TestRunSource_RecordsDownloadRetriesOnRun(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT")
	h.failures.Store(1) // first request 503s, the retry succeeds

	run, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 1, run.RetryCount)

	// The retry count lands on the persisted run record too.
	got, err := h.repo.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRunSource_SkippedRecordsMeanPartial(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT")
	h.adapter.skipped = 3

	run, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, run.Status)
	assert.Equal(t, 3, run.Metrics.SkippedRecords)
}

func TestRunSource_ConcurrentTriggersConflict(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT")

	release, err := h.orch.lock.Acquire(context.Background(), domain.SourceOFAC)
	require.NoError(t, err)
	defer release()

	_, err = h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestRunSource_UnknownSource(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.RunSource(context.Background(), domain.SourceEU, false)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.body.Store("OFAC-1:Ivan Petrov:SDGT")

	_, err := h.orch.RunSource(context.Background(), domain.SourceOFAC, false)
	require.NoError(t, err)

	status, err := h.orch.Status(context.Background(), domain.SourceOFAC, 5)
	require.NoError(t, err)
	assert.Equal(t, "tier1", status.Tier)
	assert.Nil(t, status.Active)
	require.Len(t, status.RecentRuns, 1)
	assert.Equal(t, domain.RunSuccess, status.RecentRuns[0].Status)

	_, err = h.orch.Status(context.Background(), domain.SourceUK, 5)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := domain.ScraperRun{
		RunID: "stuck", Source: domain.SourceOFAC, SourceURL: "u",
		StartedAt: time.Now().Add(-time.Hour), Status: domain.RunRunning,
	}
	require.NoError(t, h.repo.UpsertRun(ctx, stale))

	expired, err := h.orch.Sweep(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := h.repo.GetRun(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
}

// relabeledLedger returns a ledger whose clock is pinned past the previous
// run's start so deterministic run IDs do not collide within one test second.
func relabeledLedger(repo *store.MemoryStore, at time.Time) *ledger.Ledger {
	l := ledger.New(repo, nil)
	l.SetClock(func() time.Time { return at })
	return l
}
