package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/prospect-intel/internal/model"
)

// MemoryStore is an in-memory Store for tests and single-shot CLI runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.ResearchJob
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.ResearchJob)}
}

func copyJob(j *model.ResearchJob) *model.ResearchJob {
	cp := *j
	cp.Tasks = make([]model.Task, len(j.Tasks))
	copy(cp.Tasks, j.Tasks)
	if j.Report != nil {
		r := *j.Report
		cp.Report = &r
	}
	return &cp
}

func (s *MemoryStore) CreateJob(_ context.Context, job *model.ResearchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.ResearchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.ResearchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ResearchJob
	for _, j := range s.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		out = append(out, *copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnfinishedJobs(_ context.Context) ([]model.ResearchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ResearchJob
	for _, j := range s.jobs {
		if !j.State.IsTerminal() {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateJobState(_ context.Context, jobID string, from, to model.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != from {
		return ErrStateConflict
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, jobID string, expect model.TaskState, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	stored := j.Task(task.ID)
	if stored == nil {
		return ErrNotFound
	}
	if stored.State != expect {
		return ErrStateConflict
	}
	task.UpdatedAt = time.Now().UTC()
	*stored = task
	j.UpdatedAt = task.UpdatedAt
	return nil
}

func (s *MemoryStore) FinalizeJob(_ context.Context, jobID string, state model.JobState, report *model.Report, jobErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State.IsTerminal() {
		return ErrAlreadyFinal
	}
	j.State = state
	j.Error = jobErr
	if report != nil {
		r := *report
		j.Report = &r
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
