// Package store persists research jobs: each job's DAG snapshot, per-task
// states, and the final report. It is the single source of truth the
// scheduler checkpoints against and the recovery path reloads from.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = eris.New("store: job not found")

	// ErrStateConflict is returned by a compare-and-swap update whose
	// expectation did not match the stored state. A worker losing a retry
	// race sees this instead of double-executing the task.
	ErrStateConflict = eris.New("store: state conflict")

	// ErrAlreadyFinal is returned when finalizing a job that already
	// reached a terminal state. Reports are written at most once.
	ErrAlreadyFinal = eris.New("store: job already finalized")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	State model.JobState `json:"state,omitempty"`
	Limit int            `json:"limit,omitempty"`
}

// Store is the durable record of research jobs.
type Store interface {
	// CreateJob persists a new job with its full task DAG.
	CreateJob(ctx context.Context, job *model.ResearchJob) error

	// GetJob returns a job with its task snapshot, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ResearchJob, error)

	// ListUnfinishedJobs returns every job not yet in a terminal state,
	// oldest first. Used by crash recovery.
	ListUnfinishedJobs(ctx context.Context) ([]model.ResearchJob, error)

	// UpdateJobState moves a job from one lifecycle state to another.
	// Fails with ErrStateConflict if the stored state is not `from`.
	UpdateJobState(ctx context.Context, jobID string, from, to model.JobState) error

	// UpdateTask checkpoints one task transition. The update applies only
	// if the stored task state equals expect; otherwise ErrStateConflict.
	UpdateTask(ctx context.Context, jobID string, expect model.TaskState, task model.Task) error

	// FinalizeJob writes the terminal state, optional report, and optional
	// error exactly once. A second call fails with ErrAlreadyFinal.
	FinalizeJob(ctx context.Context, jobID string, state model.JobState, report *model.Report, jobErr string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
