package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcheck/internal/domain"
	"trustcheck/pkg/platform/sentinel"
)

func TestMemoryStore_EntitiesRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.LatestEntities(ctx, domain.SourceOFAC)
	require.NoError(t, err)
	assert.Empty(t, got)

	entities := []domain.CanonicalEntity{
		{UID: "OFAC-1", Name: "Ivan Petrov", Source: domain.SourceOFAC},
		{UID: "OFAC-2", Name: "Acme Shipping", Source: domain.SourceOFAC},
	}
	require.NoError(t, s.ReplaceEntities(ctx, domain.SourceOFAC, entities))

	got, err = s.LatestEntities(ctx, domain.SourceOFAC)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Other sources are unaffected.
	other, err := s.LatestEntities(ctx, domain.SourceUN)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.ReplaceEntities(ctx, domain.SourceOFAC, entities[:1]))
	got, err = s.LatestEntities(ctx, domain.SourceOFAC)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_SnapshotOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	snap, err := s.LatestSnapshot(ctx, domain.SourceUN)
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, s.SaveSnapshot(ctx, domain.ContentSnapshot{Source: domain.SourceUN, ContentHash: "aaa", RunID: "r1"}))
	require.NoError(t, s.SaveSnapshot(ctx, domain.ContentSnapshot{Source: domain.SourceUN, ContentHash: "bbb", RunID: "r2"}))

	snap, err = s.LatestSnapshot(ctx, domain.SourceUN)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "bbb", snap.ContentHash)
}

func TestMemoryStore_EventsAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ev := domain.ChangeEvent{EventID: "e1", EntityUID: "OFAC-1", RunID: "r1", Type: domain.ChangeAdded}
	require.NoError(t, s.AppendChangeEvents(ctx, []domain.ChangeEvent{ev}))

	err := s.AppendChangeEvents(ctx, []domain.ChangeEvent{ev})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	events, err := s.EventsForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].NotifiedAt)

	at := time.Now()
	require.NoError(t, s.MarkNotified(ctx, "e1", at, []string{"log", "webhook"}))

	events, _ = s.EventsForRun(ctx, "r1")
	require.NotNil(t, events[0].NotifiedAt)
	assert.Equal(t, []string{"log", "webhook"}, events[0].Channels)

	err = s.MarkNotified(ctx, "missing", at, nil)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	run := domain.ScraperRun{
		RunID: "US_OFAC_100", Source: domain.SourceOFAC,
		StartedAt: started, Status: domain.RunRunning,
	}
	require.NoError(t, s.UpsertRun(ctx, run))

	active, err := s.RunningRun(ctx, domain.SourceOFAC)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "US_OFAC_100", active.RunID)

	run.Status = domain.RunSuccess
	require.NoError(t, s.UpsertRun(ctx, run))

	// Terminal runs are immutable.
	run.Status = domain.RunFailed
	err = s.UpsertRun(ctx, run)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)

	active, err = s.RunningRun(ctx, domain.SourceOFAC)
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMemoryStore_StaleRunning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertRun(ctx, domain.ScraperRun{
		RunID: "old", Source: domain.SourceOFAC, StartedAt: now.Add(-2 * time.Hour), Status: domain.RunRunning,
	}))
	require.NoError(t, s.UpsertRun(ctx, domain.ScraperRun{
		RunID: "fresh", Source: domain.SourceUN, StartedAt: now.Add(-time.Minute), Status: domain.RunRunning,
	}))

	stale, err := s.StaleRunning(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].RunID)
}

func TestMemoryStore_RecentRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.UpsertRun(ctx, domain.ScraperRun{
			RunID:     domain.NewRunID(domain.SourceUN, now.Add(time.Duration(i)*time.Second)),
			Source:    domain.SourceUN,
			StartedAt: now.Add(time.Duration(i) * time.Second),
			Status:    domain.RunSuccess,
		}))
	}

	runs, err := s.RecentRuns(ctx, domain.SourceUN, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
}

func TestMemoryStore_TransactRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ReplaceEntities(ctx, domain.SourceOFAC, []domain.CanonicalEntity{{UID: "keep"}}))

	err := s.Transact(ctx, func(ctx context.Context) error {
		if err := s.ReplaceEntities(ctx, domain.SourceOFAC, []domain.CanonicalEntity{{UID: "discard"}}); err != nil {
			return err
		}
		if err := s.SaveSnapshot(ctx, domain.ContentSnapshot{Source: domain.SourceOFAC, ContentHash: "x"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	got, _ := s.LatestEntities(ctx, domain.SourceOFAC)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].UID)

	snap, _ := s.LatestSnapshot(ctx, domain.SourceOFAC)
	assert.Nil(t, snap)
}

func TestMemoryStore_TransactRollbackKeepsConcurrentCommits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inTx := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Transact(ctx, func(txCtx context.Context) error {
			if err := s.ReplaceEntities(txCtx, domain.SourceOFAC, []domain.CanonicalEntity{{UID: "OFAC-1"}}); err != nil {
				return err
			}
			close(inTx)
			<-proceed
			return errors.New("store stage failed")
		})
	}()

	// While the transaction is open, a run for another source commits.
	<-inTx
	require.NoError(t, s.UpsertRun(ctx, domain.ScraperRun{
		RunID: "UN_1", Source: domain.SourceUN, StartedAt: time.Now(), Status: domain.RunSuccess,
	}))
	close(proceed)
	require.Error(t, <-done)

	// The failed transaction's own writes are gone.
	entities, err := s.LatestEntities(ctx, domain.SourceOFAC)
	require.NoError(t, err)
	assert.Empty(t, entities)

	// The other source's committed run survives the rollback.
	got, err := s.GetRun(ctx, "UN_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceUN, got.Source)
}

func TestMemoryStore_TransactCommits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Transact(ctx, func(ctx context.Context) error {
		return s.ReplaceEntities(ctx, domain.SourceOFAC, []domain.CanonicalEntity{{UID: "committed"}})
	})
	require.NoError(t, err)

	got, _ := s.LatestEntities(ctx, domain.SourceOFAC)
	require.Len(t, got, 1)
	assert.Equal(t, "committed", got[0].UID)
}
