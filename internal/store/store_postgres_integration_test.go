//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustcheck/internal/domain"
	"trustcheck/internal/store"
	"trustcheck/pkg/platform/sentinel"
	"trustcheck/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"sanctioned_entities", "content_snapshots", "change_events", "scraper_runs")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) sealedEntity(uid, name string) domain.CanonicalEntity {
	e := domain.CanonicalEntity{
		UID: uid, Name: name, Type: domain.EntityPerson,
		Source: domain.SourceOFAC, Programs: []string{"SDGT"},
	}
	e.Seal(time.Now())
	return e
}

func (s *PostgresStoreSuite) TestEntitiesRoundTrip() {
	ctx := context.Background()

	err := s.store.ReplaceEntities(ctx, domain.SourceOFAC, []domain.CanonicalEntity{
		s.sealedEntity("OFAC-1", "Ivan Petrov"),
		s.sealedEntity("OFAC-2", "Acme Shipping"),
	})
	s.Require().NoError(err)

	got, err := s.store.LatestEntities(ctx, domain.SourceOFAC)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("OFAC-1", got[0].UID)
	s.Equal([]string{"SDGT"}, got[0].Programs)
	s.NotEmpty(got[0].ContentHash)

	// Replace is a swap, not a merge.
	err = s.store.ReplaceEntities(ctx, domain.SourceOFAC, []domain.CanonicalEntity{
		s.sealedEntity("OFAC-3", "New Target"),
	})
	s.Require().NoError(err)

	got, err = s.store.LatestEntities(ctx, domain.SourceOFAC)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("OFAC-3", got[0].UID)
}

func (s *PostgresStoreSuite) TestSnapshots() {
	ctx := context.Background()

	snap, err := s.store.LatestSnapshot(ctx, domain.SourceUN)
	s.Require().NoError(err)
	s.Nil(snap)

	s.Require().NoError(s.store.SaveSnapshot(ctx, domain.ContentSnapshot{
		Source: domain.SourceUN, ContentHash: "aaa", SizeBytes: 10,
		CapturedAt: time.Now().Add(-time.Hour), RunID: "r1",
	}))
	s.Require().NoError(s.store.SaveSnapshot(ctx, domain.ContentSnapshot{
		Source: domain.SourceUN, ContentHash: "bbb", SizeBytes: 20,
		CapturedAt: time.Now(), RunID: "r2",
	}))

	snap, err = s.store.LatestSnapshot(ctx, domain.SourceUN)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal("bbb", snap.ContentHash)
	s.Equal("r2", snap.RunID)
}

func (s *PostgresStoreSuite) TestChangeEvents() {
	ctx := context.Background()

	ev := domain.ChangeEvent{
		EventID: "e1", EntityUID: "OFAC-1", EntityName: "Ivan Petrov",
		Source: domain.SourceOFAC, Type: domain.ChangeModified, Risk: domain.RiskHigh,
		FieldChanges: []domain.FieldChange{
			{Field: "programs", Old: []string{"sdgt"}, New: []string{"cyber2", "sdgt"}, Kind: domain.FieldModified},
		},
		Summary: "Modified Ivan Petrov: updated programs", OldContentHash: "old", NewContentHash: "new",
		DetectedAt: time.Now(), RunID: "r1",
	}
	s.Require().NoError(s.store.AppendChangeEvents(ctx, []domain.ChangeEvent{ev}))

	err := s.store.AppendChangeEvents(ctx, []domain.ChangeEvent{ev})
	s.ErrorIs(err, sentinel.ErrConflict)

	events, err := s.store.EventsForRun(ctx, "r1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(domain.RiskHigh, events[0].Risk)
	s.Require().Len(events[0].FieldChanges, 1)
	s.Equal("programs", events[0].FieldChanges[0].Field)
	s.Nil(events[0].NotifiedAt)

	at := time.Now()
	s.Require().NoError(s.store.MarkNotified(ctx, "e1", at, []string{"log", "kafka"}))

	events, _ = s.store.EventsForRun(ctx, "r1")
	s.Require().NotNil(events[0].NotifiedAt)
	s.Equal([]string{"log", "kafka"}, events[0].Channels)

	s.ErrorIs(s.store.MarkNotified(ctx, "missing", at, nil), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRunLifecycle() {
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	run := domain.ScraperRun{
		RunID: domain.NewRunID(domain.SourceOFAC, started), Source: domain.SourceOFAC,
		SourceURL: "https://example.test/sdn.xml", StartedAt: started, Status: domain.RunRunning,
	}
	s.Require().NoError(s.store.UpsertRun(ctx, run))

	active, err := s.store.RunningRun(ctx, domain.SourceOFAC)
	s.Require().NoError(err)
	s.Require().NotNil(active)

	completed := time.Now()
	run.CompletedAt = &completed
	run.Status = domain.RunSuccess
	run.Metrics = domain.RunMetrics{Processed: 100, Added: 2, Critical: 1}
	s.Require().NoError(s.store.UpsertRun(ctx, run))

	got, err := s.store.GetRun(ctx, run.RunID)
	s.Require().NoError(err)
	s.Equal(domain.RunSuccess, got.Status)
	s.Equal(100, got.Metrics.Processed)
	s.Require().NotNil(got.CompletedAt)

	run.Status = domain.RunFailed
	s.ErrorIs(s.store.UpsertRun(ctx, run), sentinel.ErrInvalidState)
}

func (s *PostgresStoreSuite) TestStaleRunningAndRecent() {
	ctx := context.Background()
	now := time.Now()

	s.Require().NoError(s.store.UpsertRun(ctx, domain.ScraperRun{
		RunID: "old", Source: domain.SourceOFAC, SourceURL: "u",
		StartedAt: now.Add(-2 * time.Hour), Status: domain.RunRunning,
	}))
	s.Require().NoError(s.store.UpsertRun(ctx, domain.ScraperRun{
		RunID: "fresh", Source: domain.SourceOFAC, SourceURL: "u",
		StartedAt: now.Add(-time.Minute), Status: domain.RunRunning,
	}))

	stale, err := s.store.StaleRunning(ctx, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(stale, 1)
	s.Equal("old", stale[0].RunID)

	recent, err := s.store.RecentRuns(ctx, domain.SourceOFAC, 10)
	s.Require().NoError(err)
	s.Require().Len(recent, 2)
	s.Equal("fresh", recent[0].RunID)
}

func (s *PostgresStoreSuite) TestTransactRollsBack() {
	ctx := context.Background()

	err := s.store.Transact(ctx, func(ctx context.Context) error {
		if err := s.store.ReplaceEntities(ctx, domain.SourceOFAC, []domain.CanonicalEntity{
			s.sealedEntity("OFAC-9", "Doomed"),
		}); err != nil {
			return err
		}
		return context.Canceled
	})
	s.Require().Error(err)

	got, err := s.store.LatestEntities(context.Background(), domain.SourceOFAC)
	s.Require().NoError(err)
	s.Empty(got)
}
