package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/pkg/platform/sentinel"
)

// MemoryStore keeps everything in maps under one mutex. Transact journals
// the writes made through its context and undoes only those on failure, so
// runs for other sources can commit concurrently while a transaction is open.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[domain.Source][]domain.CanonicalEntity
	snapshots map[domain.Source][]domain.ContentSnapshot
	events    map[string]domain.ChangeEvent
	runs      map[string]domain.ScraperRun
}

// NewMemoryStore returns an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[domain.Source][]domain.CanonicalEntity),
		snapshots: make(map[domain.Source][]domain.ContentSnapshot),
		events:    make(map[string]domain.ChangeEvent),
		runs:      make(map[string]domain.ScraperRun),
	}
}

func (s *MemoryStore) LatestEntities(_ context.Context, source domain.Source) ([]domain.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.entities[source]
	out := make([]domain.CanonicalEntity, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) ReplaceEntities(ctx context.Context, source domain.Source, entities []domain.CanonicalEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := journalFrom(ctx); j != nil {
		prev, had := s.entities[source]
		j.record(func(s *MemoryStore) {
			if had {
				s.entities[source] = prev
			} else {
				delete(s.entities, source)
			}
		})
	}
	stored := make([]domain.CanonicalEntity, len(entities))
	copy(stored, entities)
	s.entities[source] = stored
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, source domain.Source) (*domain.ContentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[source]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap domain.ContentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := journalFrom(ctx); j != nil {
		source, prevLen := snap.Source, len(s.snapshots[snap.Source])
		j.record(func(s *MemoryStore) { s.snapshots[source] = s.snapshots[source][:prevLen] })
	}
	s.snapshots[snap.Source] = append(s.snapshots[snap.Source], snap)
	return nil
}

func (s *MemoryStore) AppendChangeEvents(ctx context.Context, events []domain.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := journalFrom(ctx)
	for _, ev := range events {
		if _, exists := s.events[ev.EventID]; exists {
			return fmt.Errorf("append event %s: %w", ev.EventID, sentinel.ErrConflict)
		}
		if j != nil {
			id := ev.EventID
			j.record(func(s *MemoryStore) { delete(s.events, id) })
		}
		s.events[ev.EventID] = ev
	}
	return nil
}

func (s *MemoryStore) MarkNotified(ctx context.Context, eventID string, notifiedAt time.Time, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("mark notified %s: %w", eventID, sentinel.ErrNotFound)
	}
	if j := journalFrom(ctx); j != nil {
		prev := ev
		j.record(func(s *MemoryStore) { s.events[eventID] = prev })
	}
	at := notifiedAt
	ev.NotifiedAt = &at
	ev.Channels = append([]string(nil), channels...)
	s.events[eventID] = ev
	return nil
}

func (s *MemoryStore) EventsForRun(_ context.Context, runID string) ([]domain.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChangeEvent, 0)
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *MemoryStore) UpsertRun(ctx context.Context, run domain.ScraperRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.RunID]; ok && existing.Status.Terminal() {
		return fmt.Errorf("update run %s in %s: %w", run.RunID, existing.Status, sentinel.ErrInvalidState)
	}
	if j := journalFrom(ctx); j != nil {
		prev, had := s.runs[run.RunID]
		j.record(func(s *MemoryStore) {
			if had {
				s.runs[run.RunID] = prev
			} else {
				delete(s.runs, run.RunID)
			}
		})
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*domain.ScraperRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, sentinel.ErrNotFound)
	}
	return &run, nil
}

func (s *MemoryStore) RunningRun(_ context.Context, source domain.Source) (*domain.ScraperRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.Source == source && run.Status == domain.RunRunning {
			r := run
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) StaleRunning(_ context.Context, cutoff time.Time) ([]domain.ScraperRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScraperRun, 0)
	for _, run := range s.runs {
		if run.Status == domain.RunRunning && run.StartedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) RecentRuns(_ context.Context, source domain.Source, limit int) ([]domain.ScraperRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScraperRun, 0)
	for _, run := range s.runs {
		if run.Source == source {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transact runs fn with rollback on error. Writes made through the context
// fn receives are journaled; a failure undoes exactly those writes, leaving
// anything committed concurrently for other keys untouched. The orchestrator
// serializes writers per source, so no two open transactions touch the same
// key; fn must not call Transact recursively.
func (s *MemoryStore) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	j := &txJournal{}
	if err := fn(context.WithValue(ctx, txJournalKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undos) - 1; i >= 0; i-- {
			j.undos[i](s)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type txJournalKey struct{}

// txJournal collects undo closures for the writes one transaction makes.
// Undo closures run in reverse order under the store mutex.
type txJournal struct {
	mu    sync.Mutex
	undos []func(*MemoryStore)
}

func (j *txJournal) record(undo func(*MemoryStore)) {
	j.mu.Lock()
	j.undos = append(j.undos, undo)
	j.mu.Unlock()
}

func journalFrom(ctx context.Context) *txJournal {
	j, _ := ctx.Value(txJournalKey{}).(*txJournal)
	return j
}
