package store

import (
	"context"
	"sync"
	"time"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
)

// MemoryStore keeps jobs in process memory. Local development and tests only.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return apperr.DuplicateJobID(job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperr.JobNotFound(id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to model.JobState, result *model.NormalizedResult, errDetail string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperr.JobNotFound(id)
	}

	next := cloneJob(job)
	if err := applyTransition(next, to, result, errDetail, s.now()); err != nil {
		return cloneJob(job), err
	}
	s.jobs[id] = next
	return cloneJob(next), nil
}

func (s *MemoryStore) AttachVendorRequest(_ context.Context, id, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperr.JobNotFound(id)
	}
	if !job.IsTerminal() {
		job.VendorRequestID = requestID
	}
	return nil
}
