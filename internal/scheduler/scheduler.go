// Package scheduler executes one research job's task DAG: a fixed-size
// worker pool pulls ready tasks, runs them through the fetch gate or the
// summarizer, retries transient failures with backoff, and checkpoints every
// state transition against the job store. The final correlate task always
// runs so a report exists whenever any source produced data.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-intel/internal/correlate"
	"github.com/sells-group/prospect-intel/internal/gate"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
	"github.com/sells-group/prospect-intel/internal/store"
)

// Fetcher is the gate surface the scheduler depends on.
type Fetcher interface {
	Fetch(ctx context.Context, src model.SourceKey, company model.Company) (*model.FetchResult, bool, error)
}

var _ Fetcher = (*gate.Gate)(nil)

// Summarizer runs the AI summarization step over raw fetch results.
type Summarizer interface {
	Summarize(ctx context.Context, company model.Company, results []*model.FetchResult) (*model.FetchResult, error)
}

// Config sizes the worker pool and the retry policy.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     resilience.BackoffConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Scheduler drives job DAGs to completion. One Scheduler serves every job;
// the gate and cache behind it are shared process-wide.
type Scheduler struct {
	fetcher    Fetcher
	summarizer Summarizer
	engine     *correlate.Engine
	st         store.Store
	cfg        Config
}

// New constructs a scheduler.
func New(fetcher Fetcher, summarizer Summarizer, engine *correlate.Engine, st store.Store, cfg Config) *Scheduler {
	return &Scheduler{
		fetcher:    fetcher,
		summarizer: summarizer,
		engine:     engine,
		st:         st,
		cfg:        cfg.withDefaults(),
	}
}

// run is the mutable execution state for one job. The task slice is the
// in-memory mirror of the store; every transition is checkpointed before
// the next dispatch decision.
type run struct {
	mu     sync.Mutex
	job    *model.ResearchJob
	report *model.Report
	notify chan struct{}
}

func (r *run) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run executes the job's DAG until every task is terminal, then finalizes
// the job. The returned job reflects the terminal state. Run only returns a
// non-nil error on infrastructure failure (store unreachable); domain
// failures end up in the job record instead.
func (s *Scheduler) Run(ctx context.Context, job *model.ResearchJob) (*model.ResearchJob, error) {
	if err := s.st.UpdateJobState(ctx, job.ID, model.JobStateQueued, model.JobStateRunning); err != nil {
		// A recovered job is already running; anything else is fatal.
		if !errors.Is(err, store.ErrStateConflict) || job.State != model.JobStateRunning {
			return nil, eris.Wrapf(err, "scheduler: start job %s", job.ID)
		}
	}
	job.State = model.JobStateRunning

	r := &run{job: job, notify: make(chan struct{}, 1)}
	g := &errgroup.Group{}
	g.SetLimit(s.cfg.Workers)

	for {
		if ctx.Err() != nil && !r.allTerminal() {
			g.Wait() //nolint:errcheck
			return s.finalizeCancelled(r)
		}

		s.promotePending(ctx, r)

		ready := r.readyBySeq()
		for _, id := range ready {
			task := s.claim(ctx, r, id)
			if task == nil {
				continue
			}
			t := *task
			g.Go(func() error {
				s.execute(ctx, r, t)
				r.wake()
				return nil
			})
		}

		if r.allTerminal() {
			break
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			g.Wait() //nolint:errcheck
			return s.finalizeCancelled(r)
		}
	}
	g.Wait() //nolint:errcheck

	return s.finalize(ctx, r)
}

// promotePending moves pending tasks whose dependencies are all terminal to
// ready or skipped, checkpointing each transition.
func (s *Scheduler) promotePending(ctx context.Context, r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.job.Tasks {
		task := &r.job.Tasks[i]
		if task.State != model.TaskPending || !r.depsTerminal(task) {
			continue
		}
		next := model.TaskReady
		if s.shouldSkip(r, task) {
			next = model.TaskSkipped
			task.LastError = "dependency failed"
		}
		prev := task.State
		task.State = next
		s.checkpoint(ctx, r.job.ID, prev, task)
	}
}

// depsTerminal reports whether every dependency reached a terminal state.
// Caller holds r.mu.
func (r *run) depsTerminal(task *model.Task) bool {
	for _, dep := range task.DependsOn {
		t := r.job.Task(dep)
		if t == nil || !t.State.IsTerminal() {
			return false
		}
	}
	return true
}

// shouldSkip applies the skip policy once dependencies settled. Correlate
// always runs so partial reports exist; summarize runs as long as at least
// one fetch produced data; everything else skips on any failed dependency.
func (s *Scheduler) shouldSkip(r *run, task *model.Task) bool {
	switch task.ID.Kind {
	case model.TaskCorrelate:
		return false
	case model.TaskAISummarize:
		for _, dep := range task.DependsOn {
			if t := r.job.Task(dep); t != nil && t.State == model.TaskSucceeded {
				return false
			}
		}
		return true
	default:
		for _, dep := range task.DependsOn {
			if t := r.job.Task(dep); t != nil && t.State != model.TaskSucceeded {
				return true
			}
		}
		return false
	}
}

// readyBySeq lists ready task IDs in FIFO creation order.
func (r *run) readyBySeq() []model.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()

	type cand struct {
		id  model.TaskID
		seq int
	}
	var cands []cand
	for i := range r.job.Tasks {
		if r.job.Tasks[i].State == model.TaskReady {
			cands = append(cands, cand{r.job.Tasks[i].ID, r.job.Tasks[i].Seq})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })

	ids := make([]model.TaskID, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// claim transitions a ready task to running and bumps its attempt counter.
// Returns nil when the task is no longer ready (lost a race).
func (s *Scheduler) claim(ctx context.Context, r *run, id model.TaskID) *model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.job.Task(id)
	if task == nil || task.State != model.TaskReady {
		return nil
	}
	task.State = model.TaskRunning
	task.Attempts++
	s.checkpoint(ctx, r.job.ID, model.TaskReady, task)
	return task
}

func (r *run) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.job.Tasks {
		if !r.job.Tasks[i].State.IsTerminal() {
			return false
		}
	}
	return true
}

// execute runs one attempt of one task and records its outcome.
func (s *Scheduler) execute(ctx context.Context, r *run, task model.Task) {
	var (
		result *model.FetchResult
		err    error
	)
	switch task.ID.Kind {
	case model.TaskCorrelate:
		err = s.runCorrelate(r)
	case model.TaskAISummarize:
		result, err = s.summarizer.Summarize(ctx, r.job.Company, r.succeededFetches())
	default:
		result, _, err = s.fetcher.Fetch(ctx, task.ID.Source, r.job.Company)
	}

	if err == nil {
		s.settle(ctx, r, task.ID, func(t *model.Task) {
			t.State = model.TaskSucceeded
			t.LastError = ""
			t.Result = result
		})
		return
	}

	if ctx.Err() != nil {
		s.settle(ctx, r, task.ID, func(t *model.Task) {
			t.State = model.TaskFailed
			t.LastError = "cancelled"
		})
		return
	}

	attempts := task.Attempts
	if resilience.IsRetryable(err) && task.ID.Kind != model.TaskCorrelate {
		if attempts < s.cfg.MaxAttempts {
			zap.L().Debug("scheduler: retrying task",
				zap.String("job_id", r.job.ID),
				zap.String("task", task.ID.String()),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			if sleepErr := resilience.Sleep(ctx, attempts, s.cfg.Backoff); sleepErr != nil {
				s.settle(ctx, r, task.ID, func(t *model.Task) {
					t.State = model.TaskFailed
					t.LastError = "cancelled"
				})
				return
			}
			s.settle(ctx, r, task.ID, func(t *model.Task) {
				t.State = model.TaskReady
				t.LastError = err.Error()
			})
			return
		}
		err = &resilience.ExhaustedError{Attempts: attempts, Last: err}
	}

	zap.L().Warn("scheduler: task failed",
		zap.String("job_id", r.job.ID),
		zap.String("task", task.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	failure := err
	s.settle(ctx, r, task.ID, func(t *model.Task) {
		t.State = model.TaskFailed
		t.LastError = failure.Error()
	})
}

// settle applies a running-task outcome under the lock and checkpoints it.
func (s *Scheduler) settle(ctx context.Context, r *run, id model.TaskID, apply func(*model.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.job.Task(id)
	if task == nil || task.State != model.TaskRunning {
		return
	}
	apply(task)
	s.checkpoint(ctx, r.job.ID, model.TaskRunning, task)
}

// checkpoint persists one transition. A state conflict means another writer
// owns the row, which a single in-process scheduler never produces; it is
// logged rather than propagated so the in-memory run stays live.
func (s *Scheduler) checkpoint(ctx context.Context, jobID string, expect model.TaskState, task *model.Task) {
	// Cancellation must not lose the transition that records it.
	if err := s.st.UpdateTask(context.WithoutCancel(ctx), jobID, expect, *task); err != nil {
		zap.L().Error("scheduler: checkpoint failed",
			zap.String("job_id", jobID),
			zap.String("task", task.ID.String()),
			zap.String("to", string(task.State)),
			zap.Error(err),
		)
	}
}

// succeededFetches returns successful fetch results in task creation order.
func (r *run) succeededFetches() []*model.FetchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.FetchResult
	for i := range r.job.Tasks {
		t := &r.job.Tasks[i]
		if t.ID.Kind != model.TaskCorrelate && t.ID.Kind != model.TaskAISummarize &&
			t.State == model.TaskSucceeded && t.Result != nil {
			out = append(out, t.Result)
		}
	}
	return out
}

// runCorrelate feeds every terminal sibling result to the engine.
func (s *Scheduler) runCorrelate(r *run) error {
	r.mu.Lock()
	results := make(map[model.SourceKey]*model.FetchResult)
	var failed []model.SourceKey
	for i := range r.job.Tasks {
		t := &r.job.Tasks[i]
		switch t.ID.Kind {
		case model.TaskCorrelate:
		case model.TaskAISummarize:
			if t.State == model.TaskSucceeded && t.Result != nil {
				results[model.SourceSummary] = t.Result
			}
		default:
			if t.State == model.TaskSucceeded && t.Result != nil {
				results[t.ID.Source] = t.Result
			} else {
				failed = append(failed, t.ID.Source)
			}
		}
	}
	r.mu.Unlock()

	report, err := s.engine.Run(results, failed)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.report = report
	r.mu.Unlock()
	return nil
}

// finalize writes the job's terminal state once every task settled.
func (s *Scheduler) finalize(ctx context.Context, r *run) (*model.ResearchJob, error) {
	r.mu.Lock()
	job := r.job
	report := r.report

	state := model.JobStateComplete
	var jobErr string
	correlated := job.Task(model.TaskID{Kind: model.TaskCorrelate})
	switch {
	case correlated == nil || correlated.State != model.TaskSucceeded:
		state = model.JobStateFailed
		if correlated != nil {
			jobErr = correlated.LastError
		}
		report = nil
	default:
		for i := range job.Tasks {
			t := &job.Tasks[i]
			if t.ID.Kind != model.TaskCorrelate && t.State != model.TaskSucceeded {
				state = model.JobStatePartial
				break
			}
		}
	}
	job.State = state
	job.Report = report
	job.Error = jobErr
	job.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if err := s.st.FinalizeJob(ctx, job.ID, state, report, jobErr); err != nil {
		return nil, eris.Wrapf(err, "scheduler: finalize job %s", job.ID)
	}
	zap.L().Info("scheduler: job finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(state)),
	)
	return job, nil
}

// finalizeCancelled fails every non-terminal task and the job itself. The
// store write uses a fresh context since the run context is already dead.
func (s *Scheduler) finalizeCancelled(r *run) (*model.ResearchJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.mu.Lock()
	job := r.job
	for i := range job.Tasks {
		t := &job.Tasks[i]
		if t.State.IsTerminal() {
			continue
		}
		prev := t.State
		switch prev {
		case model.TaskRunning, model.TaskReady:
			t.State = model.TaskFailed
			t.LastError = "cancelled"
		default:
			t.State = model.TaskSkipped
			t.LastError = "cancelled"
		}
		s.checkpoint(ctx, job.ID, prev, t)
	}
	job.State = model.JobStateFailed
	job.Error = "cancelled"
	job.Report = nil
	job.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if err := s.st.FinalizeJob(ctx, job.ID, model.JobStateFailed, nil, "cancelled"); err != nil {
		return nil, eris.Wrapf(err, "scheduler: finalize cancelled job %s", job.ID)
	}
	zap.L().Info("scheduler: job cancelled", zap.String("job_id", job.ID))
	return job, nil
}
