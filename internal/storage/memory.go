package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]JobRecord
	outcomes  map[string]map[string]ScreenshotOutcome // jobID -> filename -> outcome
	files     map[string]map[string]RewrittenFile
	conflicts map[string]map[string]TableConflict // keyed by table+id
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]JobRecord),
		outcomes:  make(map[string]map[string]ScreenshotOutcome),
		files:     make(map[string]map[string]RewrittenFile),
		conflicts: make(map[string]map[string]TableConflict),
	}
}

func (s *MemoryStore) SaveJob(_ context.Context, job *JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) SaveScreenshotOutcomes(_ context.Context, jobID string, outcomes []ScreenshotOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes[jobID] == nil {
		s.outcomes[jobID] = make(map[string]ScreenshotOutcome)
	}
	for _, o := range outcomes {
		s.outcomes[jobID][o.Filename] = o
	}
	return nil
}

func (s *MemoryStore) ListScreenshotOutcomes(_ context.Context, jobID string) ([]ScreenshotOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScreenshotOutcome, 0, len(s.outcomes[jobID]))
	for _, o := range s.outcomes[jobID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *MemoryStore) SaveRewrittenFiles(_ context.Context, jobID string, files []RewrittenFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[jobID] == nil {
		s.files[jobID] = make(map[string]RewrittenFile)
	}
	for _, f := range files {
		copied := f
		copied.Body = append([]byte(nil), f.Body...)
		s.files[jobID][f.Filename] = copied
	}
	return nil
}

func (s *MemoryStore) ListRewrittenFiles(_ context.Context, jobID string) ([]RewrittenFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RewrittenFile, 0, len(s.files[jobID]))
	for _, f := range s.files[jobID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *MemoryStore) SaveTableConflicts(_ context.Context, jobID string, conflicts []TableConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts[jobID] == nil {
		s.conflicts[jobID] = make(map[string]TableConflict)
	}
	for _, c := range conflicts {
		s.conflicts[jobID][c.TableID+"\x00"+c.AnonymousID] = c
	}
	return nil
}

func (s *MemoryStore) ListTableConflicts(_ context.Context, jobID string) ([]TableConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TableConflict, 0, len(s.conflicts[jobID]))
	for _, c := range s.conflicts[jobID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableID != out[j].TableID {
			return out[i].TableID < out[j].TableID
		}
		return out[i].AnonymousID < out[j].AnonymousID
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
