package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-intel/internal/correlate"
	"github.com/sells-group/prospect-intel/internal/graph"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
	"github.com/sells-group/prospect-intel/internal/store"
)

// fakeFetcher scripts per-source outcomes. Each call pops the next step for
// the source; the last step repeats.
type fakeFetcher struct {
	mu    sync.Mutex
	steps map[model.SourceKey][]error
	calls map[model.SourceKey]int
	order []model.SourceKey
	delay time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		steps: make(map[model.SourceKey][]error),
		calls: make(map[model.SourceKey]int),
	}
}

func (f *fakeFetcher) script(src model.SourceKey, errs ...error) {
	f.steps[src] = errs
}

func (f *fakeFetcher) Fetch(ctx context.Context, src model.SourceKey, company model.Company) (*model.FetchResult, bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f.mu.Lock()
	n := f.calls[src]
	f.calls[src] = n + 1
	f.order = append(f.order, src)
	steps := f.steps[src]
	f.mu.Unlock()

	var err error
	if len(steps) > 0 {
		if n >= len(steps) {
			n = len(steps) - 1
		}
		err = steps[n]
	}
	if err != nil {
		return nil, false, err
	}
	fields := map[string]any{"postings_count": 5, "languages": []string{"Go"}}
	return model.NewFetchResult(src, []byte(string(src)+" data"), fields, time.Now().UTC()), false, nil
}

func (f *fakeFetcher) callCount(src model.SourceKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[src]
}

type fakeSummarizer struct {
	mu    sync.Mutex
	err   error
	calls int
	got   int // len(results) on the last call
}

func (s *fakeSummarizer) Summarize(_ context.Context, _ model.Company, results []*model.FetchResult) (*model.FetchResult, error) {
	s.mu.Lock()
	s.calls++
	s.got = len(results)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"summary": "fake summary"}
	return model.NewFetchResult(model.SourceSummary, []byte("fake summary"), fields, time.Now().UTC()), nil
}

func newTestScheduler(t *testing.T, f Fetcher, sum Summarizer, cfg Config) (*Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemory()
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = resilience.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, JitterFraction: 0}
	}
	engine := correlate.New(correlate.DefaultWeights(), 100)
	return New(f, sum, engine, st, cfg), st
}

func makeJob(t *testing.T, st store.Store, sources ...model.SourceKey) *model.ResearchJob {
	t.Helper()
	if len(sources) == 0 {
		sources = model.KnownSources
	}
	tasks, err := graph.Build(sources)
	require.NoError(t, err)
	now := time.Now().UTC()
	job := &model.ResearchJob{
		ID:        uuid.NewString(),
		Company:   model.Company{Name: "Acme Robotics", Domain: "acme.test"},
		State:     model.JobStateQueued,
		Tasks:     tasks,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func taskState(t *testing.T, job *model.ResearchJob, kind model.TaskKind, src model.SourceKey) model.TaskState {
	t.Helper()
	task := job.Task(model.TaskID{Kind: kind, Source: src})
	require.NotNil(t, task)
	return task.State
}

func TestRun_AllSourcesSucceed(t *testing.T) {
	f := newFakeFetcher()
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{})
	job := makeJob(t, st)

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStateComplete, done.State)
	require.NotNil(t, done.Report)
	assert.ElementsMatch(t, model.KnownSources, done.Report.Contributed)
	assert.Empty(t, done.Report.Failed)
	for _, task := range done.Tasks {
		assert.Equal(t, model.TaskSucceeded, task.State, task.ID.String())
		assert.Equal(t, 1, task.Attempts, task.ID.String())
	}

	// The store agrees with the returned snapshot.
	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateComplete, stored.State)
	require.NotNil(t, stored.Report)
}

func TestRun_PermanentFailureYieldsPartial(t *testing.T) {
	f := newFakeFetcher()
	f.script(model.SourceJobs, resilience.Permanent("jobs", errors.New("404 no such board")))
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{})
	job := makeJob(t, st, model.SourceSite, model.SourceJobs)

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatePartial, done.State)
	assert.Equal(t, model.TaskFailed, taskState(t, done, model.TaskFetchJobs, model.SourceJobs))
	assert.Equal(t, model.TaskSucceeded, taskState(t, done, model.TaskFetchSite, model.SourceSite))
	assert.Equal(t, 1, f.callCount(model.SourceJobs), "permanent failures are never retried")

	require.NotNil(t, done.Report)
	buying := done.Report.Section(model.SectionBuyingSignals)
	require.NotNil(t, buying)
	assert.True(t, buying.InsufficientData, "jobs was the only buying-signals contributor")
	assert.Equal(t, []model.SourceKey{model.SourceJobs}, done.Report.Failed)
}

func TestRun_RetryableFailureRetriesThenSucceeds(t *testing.T) {
	f := newFakeFetcher()
	f.script(model.SourceSite, resilience.Retryable("site", errors.New("503")), nil)
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{MaxAttempts: 3})
	job := makeJob(t, st, model.SourceSite)

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStateComplete, done.State)
	site := done.Task(model.TaskID{Kind: model.TaskFetchSite, Source: model.SourceSite})
	require.NotNil(t, site)
	assert.Equal(t, model.TaskSucceeded, site.State)
	assert.Equal(t, 2, site.Attempts)
	assert.Equal(t, 2, f.callCount(model.SourceSite))
}

func TestRun_AllRetryableExhaustsThenJobFails(t *testing.T) {
	f := newFakeFetcher()
	for _, src := range model.KnownSources {
		f.script(src, resilience.Retryable(string(src), errors.New("timeout")))
	}
	sum := &fakeSummarizer{}
	s, st := newTestScheduler(t, f, sum, Config{MaxAttempts: 3})
	job := makeJob(t, st)

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStateFailed, done.State)
	assert.Nil(t, done.Report)
	assert.Contains(t, done.Error, "zero sources succeeded")
	for _, src := range model.KnownSources {
		task := done.Task(model.TaskID{Kind: model.FetchKind(src), Source: src})
		require.NotNil(t, task)
		assert.Equal(t, model.TaskFailed, task.State)
		assert.Equal(t, 3, task.Attempts)
		assert.Contains(t, task.LastError, "exhausted")
	}
	assert.Equal(t, model.TaskSkipped, taskState(t, done, model.TaskAISummarize, ""))
	assert.Equal(t, 0, sum.calls, "summarize must not run with zero fetch results")
	assert.Equal(t, model.TaskFailed, taskState(t, done, model.TaskCorrelate, ""))
}

func TestRun_SummarizeSeesOnlySucceededFetches(t *testing.T) {
	f := newFakeFetcher()
	f.script(model.SourceNews, resilience.Permanent("news", errors.New("410 gone")))
	sum := &fakeSummarizer{}
	s, st := newTestScheduler(t, f, sum, Config{})
	job := makeJob(t, st)

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatePartial, done.State)
	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, 3, sum.got, "summarizer input excludes the failed source")
}

func TestRun_SummarizeFailureStillProducesReport(t *testing.T) {
	f := newFakeFetcher()
	sum := &fakeSummarizer{err: resilience.Permanent("summary", errors.New("model rejected request"))}
	s, st := newTestScheduler(t, f, sum, Config{})
	job := makeJob(t, st)

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatePartial, done.State)
	assert.Equal(t, model.TaskFailed, taskState(t, done, model.TaskAISummarize, ""))
	require.NotNil(t, done.Report)
	assert.ElementsMatch(t, model.KnownSources, done.Report.Contributed)
}

func TestRun_FIFODispatchOrder(t *testing.T) {
	f := newFakeFetcher()
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{Workers: 1})
	requested := []model.SourceKey{model.SourceNews, model.SourceSite, model.SourceRepos}
	job := makeJob(t, st, requested...)

	_, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	// With one worker, dispatch follows task creation order exactly.
	assert.Equal(t, requested, f.order)
}

func TestRun_CancellationFailsJob(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 200 * time.Millisecond
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{})
	job := makeJob(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done, err := s.Run(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStateFailed, done.State)
	assert.Equal(t, "cancelled", done.Error)
	assert.Nil(t, done.Report)
	for _, task := range done.Tasks {
		assert.True(t, task.State.IsTerminal(), task.ID.String())
	}

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, stored.State)
}

func TestRun_FinalizeIsWriteOnce(t *testing.T) {
	f := newFakeFetcher()
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{})
	job := makeJob(t, st)

	_, err := s.Run(context.Background(), job)
	require.NoError(t, err)

	// A second finalize against the same job is rejected by the store.
	err = st.FinalizeJob(context.Background(), job.ID, model.JobStateFailed, nil, "late")
	assert.ErrorIs(t, err, store.ErrAlreadyFinal)
}

func TestRun_ResumesRecoveredRunningJob(t *testing.T) {
	f := newFakeFetcher()
	s, st := newTestScheduler(t, f, &fakeSummarizer{}, Config{})
	job := makeJob(t, st)

	// Simulate a crash after the job started but before any task ran.
	require.NoError(t, st.UpdateJobState(context.Background(), job.ID, model.JobStateQueued, model.JobStateRunning))
	job.State = model.JobStateRunning

	done, err := s.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateComplete, done.State)
}
