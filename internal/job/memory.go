package job

import (
	"context"
	"jobfiles/internal/apperrors"
	"slices"
	"sync"
)

// MemoryStore is a thread-safe in-memory job store. It backs tests and
// single-process development setups; production uses the SQLite store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Put inserts or replaces a job. The store keeps its own copy.
func (s *MemoryStore) Put(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = clone(j)
}

// remove drops a job. Returns false if it did not exist.
func (s *MemoryStore) remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.jobs[jobID]
	delete(s.jobs, jobID)
	return exists
}

// SetState changes a job's state.
func (s *MemoryStore) SetState(ctx context.Context, jobID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return apperrors.NotFound("job", jobID)
	}
	j.State = state
	return nil
}

// AddInput appends an input association.
func (s *MemoryStore) AddInput(ctx context.Context, jobID, name string, d Dataset) error {
	return s.addAssociation(jobID, DirectionInput, Association{Name: name, Dataset: d})
}

// AddOutput appends an output association.
func (s *MemoryStore) AddOutput(ctx context.Context, jobID, name string, d Dataset) error {
	return s.addAssociation(jobID, DirectionOutput, Association{Name: name, Dataset: d})
}

func (s *MemoryStore) addAssociation(jobID string, dir Direction, a Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return apperrors.NotFound("job", jobID)
	}
	list := &j.Inputs
	if dir == DirectionOutput {
		list = &j.Outputs
	}
	if slices.ContainsFunc(*list, func(existing Association) bool { return existing.Name == a.Name }) {
		return apperrors.Conflict("association", "association "+a.Name+" already exists")
	}
	*list = append(*list, a)
	return nil
}

// GetJob returns a copy of the job.
func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return nil, apperrors.NotFound("job", jobID)
	}
	return clone(j), nil
}

// GetState returns the job's current state.
func (s *MemoryStore) GetState(ctx context.Context, jobID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return "", apperrors.NotFound("job", jobID)
	}
	return j.State, nil
}

// Inputs returns the job's input associations in insertion order.
func (s *MemoryStore) Inputs(ctx context.Context, jobID string) ([]Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return nil, apperrors.NotFound("job", jobID)
	}
	return slices.Clone(j.Inputs), nil
}

// Outputs returns the job's output associations in insertion order.
func (s *MemoryStore) Outputs(ctx context.Context, jobID string) ([]Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return nil, apperrors.NotFound("job", jobID)
	}
	return slices.Clone(j.Outputs), nil
}

// Ready always succeeds for the in-memory store.
func (s *MemoryStore) Ready(ctx context.Context) error {
	return nil
}

func clone(j *Job) *Job {
	c := *j
	c.Inputs = slices.Clone(j.Inputs)
	c.Outputs = slices.Clone(j.Outputs)
	return &c
}
