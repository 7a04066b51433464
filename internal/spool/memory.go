package spool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// In-memory stores implementing the record-store contracts, including the
// conditional claim semantics. Used by tests and by local development without
// Postgres.

type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*DeliveryJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*DeliveryJob)}
}

func (s *MemoryJobStore) Insert(_ context.Context, job *DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.IdempotencyKey != "" {
		for _, j := range s.jobs {
			if j.WorkspaceID == job.WorkspaceID && j.IdempotencyKey == job.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, workspaceID, jobID string) (*DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || (workspaceID != "" && j.WorkspaceID != workspaceID) {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryJobStore) ByIdempotencyKey(_ context.Context, workspaceID, key string) (*DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.WorkspaceID == workspaceID && j.IdempotencyKey == key {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryJobStore) SetStatus(_ context.Context, jobID string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	return nil
}

type MemoryEntryStore struct {
	mu      sync.Mutex
	entries map[string]*SpoolEntry
	jobs    *MemoryJobStore // for workspace scoping in Due
}

func NewMemoryEntryStore(jobs *MemoryJobStore) *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[string]*SpoolEntry), jobs: jobs}
}

func (s *MemoryEntryStore) Insert(_ context.Context, e *SpoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *MemoryEntryStore) claimable(e *SpoolEntry, now time.Time) bool {
	if e.ProcessAfter.After(now) {
		return false
	}
	return e.LockedUntil == nil || e.LockedUntil.Before(now)
}

func (s *MemoryEntryStore) Due(ctx context.Context, workspaceID string, now time.Time, limit int) ([]SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SpoolEntry
	for _, e := range s.entries {
		if !s.claimable(e, now) {
			continue
		}
		if workspaceID != "" && s.jobs != nil {
			j, err := s.jobs.Get(ctx, workspaceID, e.JobID)
			if err != nil || j == nil {
				continue
			}
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessAfter.Before(out[j].ProcessAfter) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEntryStore) Claim(_ context.Context, entryID string, now, until time.Time, runnerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || !s.claimable(e, now) {
		return false, nil
	}
	u := until
	e.LockedUntil = &u
	e.LockedBy = runnerID
	return true, nil
}

func (s *MemoryEntryStore) Reschedule(_ context.Context, entryID string, processAfter time.Time, attemptCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	e.ProcessAfter = processAfter
	e.AttemptCount = attemptCount
	e.LastError = lastError
	e.LockedUntil = nil
	e.LockedBy = ""
	return nil
}

func (s *MemoryEntryStore) Delete(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryID)
	return nil
}

func (s *MemoryEntryStore) DueCount(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if s.claimable(e, now) {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of one entry, for assertions.
func (s *MemoryEntryStore) Get(entryID string) (*SpoolEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Len reports the number of entries, for assertions.
func (s *MemoryEntryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type MemoryAttemptStore struct {
	mu       sync.Mutex
	Attempts []DeliveryAttempt
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{}
}

func (s *MemoryAttemptStore) Insert(_ context.Context, a *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attempts = append(s.Attempts, *a)
	return nil
}

type MemoryTargetStore struct {
	mu      sync.Mutex
	targets map[string]*DeliveryTarget
}

func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{targets: make(map[string]*DeliveryTarget)}
}

func (s *MemoryTargetStore) Insert(_ context.Context, t *DeliveryTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.targets[t.ID] = &cp
	return nil
}

func (s *MemoryTargetStore) Get(_ context.Context, workspaceID, targetID string) (*DeliveryTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTargetStore) ListByWorkspace(_ context.Context, workspaceID string) ([]DeliveryTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeliveryTarget
	for _, t := range s.targets {
		if t.WorkspaceID == workspaceID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryTargetStore) EncryptedSecret(ctx context.Context, workspaceID, targetID string) ([]byte, error) {
	t, err := s.Get(ctx, workspaceID, targetID)
	if err != nil || t == nil {
		return nil, err
	}
	return t.EncryptedSecret, nil
}
