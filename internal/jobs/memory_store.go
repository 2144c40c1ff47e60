package jobs

import (
	"context"
	"sync"
)

// MemoryStore keeps jobs in a process-local map. Lifetime equals the process lifetime.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	locks stripedLock
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Put(_ context.Context, job *Job) error {
	if job == nil {
		return errNilJob
	}
	if job.ID == "" {
		return errMissingJobID
	}
	lk := s.locks.forKey(job.ID)
	lk.Lock()
	defer lk.Unlock()
	s.set(job.Clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	lk := s.locks.forKey(id)
	lk.Lock()
	defer lk.Unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.ID = id
	s.set(cur.Clone())
	return cur, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) set(j *Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
}
