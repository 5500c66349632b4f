// Package jobs owns the research-job lifecycle around the scheduler:
// synchronous validation at submission, an M-concurrent-jobs gate, status
// lookup, cancellation, and crash recovery at startup.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/prospect-intel/internal/graph"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
	"github.com/sells-group/prospect-intel/internal/scheduler"
	"github.com/sells-group/prospect-intel/internal/store"
)

// Runner executes one job's DAG to completion. Satisfied by
// scheduler.Scheduler.
type Runner interface {
	Run(ctx context.Context, job *model.ResearchJob) (*model.ResearchJob, error)
}

var _ Runner = (*scheduler.Scheduler)(nil)

// SubmitRequest is one research request. An empty source set defaults to
// every known source.
type SubmitRequest struct {
	Company   model.Company     `json:"company"`
	Sources   []model.SourceKey `json:"sources,omitempty"`
	Requester string            `json:"requester,omitempty"`
}

// Manager accepts, tracks, and cancels research jobs. At most
// maxConcurrent jobs run at once; submissions beyond that queue in FIFO
// order on the semaphore.
type Manager struct {
	st     store.Store
	runner Runner
	sem    *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager constructs a manager. maxConcurrent <= 0 falls back to 3.
func NewManager(st store.Store, runner Runner, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		st:      st,
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		baseCtx: ctx,
		stop:    cancel,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit validates the request, persists a queued job, and starts it
// asynchronously. Validation failures are returned synchronously as
// InvalidRequestError; nothing invalid ever enters the store.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*model.ResearchJob, error) {
	if req.Company.Name == "" && req.Company.Domain == "" {
		return nil, resilience.InvalidRequest("company needs a name or a domain")
	}

	sources := req.Sources
	if len(sources) == 0 {
		sources = model.KnownSources
	}
	tasks, err := graph.Build(sources)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.ResearchJob{
		ID:        uuid.NewString(),
		Company:   req.Company,
		Requester: req.Requester,
		State:     model.JobStateQueued,
		Tasks:     tasks,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.st.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "jobs: create job")
	}

	zap.L().Info("jobs: submitted",
		zap.String("job_id", job.ID),
		zap.String("company", req.Company.Name),
		zap.Int("tasks", len(tasks)),
	)
	m.launch(job)
	return job, nil
}

// GetStatus returns the job's current record, including per-task states
// and the report once one exists.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	return m.st.GetJob(ctx, jobID)
}

// List returns jobs matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]model.ResearchJob, error) {
	return m.st.ListJobs(ctx, filter)
}

// Cancel aborts a queued or running job. Cancelling a finished job fails
// with ErrAlreadyFinal; an unknown ID fails with ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return store.ErrAlreadyFinal
	}

	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	// No live run in this process (e.g. a crashed job not yet recovered);
	// finalize the record directly.
	return m.st.FinalizeJob(ctx, jobID, model.JobStateFailed, nil, "cancelled")
}

// Recover reloads every non-terminal job from the store and resumes it.
// Call once at startup before accepting new work.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	unfinished, err := m.st.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "jobs: list unfinished")
	}
	for i := range unfinished {
		job := unfinished[i]
		zap.L().Info("jobs: recovering",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
		)
		m.launch(&job)
	}
	return len(unfinished), nil
}

// Shutdown stops launching queued jobs, cancels in-flight runs, and waits
// for them to finalize or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "jobs: shutdown")
	}
}

func (m *Manager) launch(job *model.ResearchJob) {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, job.ID)
			m.mu.Unlock()
			cancel()
		}()

		if err := m.sem.Acquire(runCtx, 1); err != nil {
			// Cancelled while still queued: the scheduler never started, so
			// the record is finalized here.
			finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer finCancel()
			if ferr := m.st.FinalizeJob(finCtx, job.ID, model.JobStateFailed, nil, "cancelled"); ferr != nil {
				zap.L().Error("jobs: finalize queued job", zap.String("job_id", job.ID), zap.Error(ferr))
			}
			return
		}
		defer m.sem.Release(1)

		if _, err := m.runner.Run(runCtx, job); err != nil {
			zap.L().Error("jobs: run failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}()
}
