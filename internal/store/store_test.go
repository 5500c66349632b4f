package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-intel/internal/graph"
	"github.com/sells-group/prospect-intel/internal/model"
)

// storeConformance runs the shared Store contract against an implementation.
// Memory and SQLite both go through it; Postgres is covered separately with
// pgxmock since no server is available in unit tests.
func storeConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	newJob := func(t *testing.T) *model.ResearchJob {
		t.Helper()
		tasks, err := graph.Build(model.KnownSources)
		require.NoError(t, err)
		now := time.Now().UTC().Truncate(time.Second)
		return &model.ResearchJob{
			ID:        uuid.NewString(),
			Company:   model.Company{Name: "Acme Robotics", Domain: "acme.test"},
			Requester: "sdr@sells.group",
			State:     model.JobStateQueued,
			Tasks:     tasks,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("create and get round trip", func(t *testing.T) {
		s := newStore(t)
		job := newJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, job.Company, got.Company)
		assert.Equal(t, model.JobStateQueued, got.State)
		require.Len(t, got.Tasks, len(job.Tasks))
		for i, task := range got.Tasks {
			assert.Equal(t, job.Tasks[i].ID, task.ID)
			assert.Equal(t, job.Tasks[i].DependsOn, task.DependsOn)
			assert.Equal(t, i, task.Seq)
		}
	})

	t.Run("get missing job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update job state cas", func(t *testing.T) {
		s := newStore(t)
		job := newJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		require.NoError(t, s.UpdateJobState(ctx, job.ID, model.JobStateQueued, model.JobStateRunning))

		// The stored state is now running, so the same swap conflicts.
		err := s.UpdateJobState(ctx, job.ID, model.JobStateQueued, model.JobStateRunning)
		assert.ErrorIs(t, err, ErrStateConflict)

		err = s.UpdateJobState(ctx, uuid.NewString(), model.JobStateQueued, model.JobStateRunning)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update task cas", func(t *testing.T) {
		s := newStore(t)
		job := newJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		task := job.Tasks[0]
		task.State = model.TaskRunning
		task.Attempts = 1
		require.NoError(t, s.UpdateTask(ctx, job.ID, model.TaskReady, task))

		// Stale expectation loses.
		err := s.UpdateTask(ctx, job.ID, model.TaskReady, task)
		assert.ErrorIs(t, err, ErrStateConflict)

		task.ID = model.TaskID{Kind: model.TaskKind("fetch_bogus"), Source: "bogus"}
		err = s.UpdateTask(ctx, job.ID, model.TaskReady, task)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update task persists result", func(t *testing.T) {
		s := newStore(t)
		job := newJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		task := job.Tasks[0]
		task.State = model.TaskRunning
		require.NoError(t, s.UpdateTask(ctx, job.ID, model.TaskReady, task))

		task.State = model.TaskSucceeded
		task.Attempts = 1
		task.Result = model.NewFetchResult(model.SourceSite, []byte("homepage"),
			map[string]any{"title": "Acme"}, time.Now().UTC())
		require.NoError(t, s.UpdateTask(ctx, job.ID, model.TaskRunning, task))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		stored := got.Task(task.ID)
		require.NotNil(t, stored)
		assert.Equal(t, model.TaskSucceeded, stored.State)
		assert.Equal(t, 1, stored.Attempts)
		require.NotNil(t, stored.Result)
		assert.Equal(t, task.Result.ContentHash, stored.Result.ContentHash)
	})

	t.Run("finalize writes once", func(t *testing.T) {
		s := newStore(t)
		job := newJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		report := &model.Report{Score: 72, ScoreScaleMax: 100, GeneratedAt: time.Now().UTC()}
		require.NoError(t, s.FinalizeJob(ctx, job.ID, model.JobStateComplete, report, ""))

		err := s.FinalizeJob(ctx, job.ID, model.JobStatePartial, nil, "late")
		assert.ErrorIs(t, err, ErrAlreadyFinal)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateComplete, got.State)
		require.NotNil(t, got.Report)
		assert.Equal(t, 72.0, got.Report.Score)
	})

	t.Run("list filters and orders", func(t *testing.T) {
		s := newStore(t)

		first := newJob(t)
		second := newJob(t)
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		second.UpdatedAt = second.CreatedAt
		require.NoError(t, s.CreateJob(ctx, first))
		require.NoError(t, s.CreateJob(ctx, second))
		require.NoError(t, s.FinalizeJob(ctx, first.ID, model.JobStateFailed, nil, "all sources failed"))

		failed, err := s.ListJobs(ctx, JobFilter{State: model.JobStateFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, first.ID, failed[0].ID)

		all, err := s.ListJobs(ctx, JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second.ID, all[0].ID, "newest first")

		limited, err := s.ListJobs(ctx, JobFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("unfinished jobs oldest first with tasks", func(t *testing.T) {
		s := newStore(t)

		older := newJob(t)
		newer := newJob(t)
		newer.CreatedAt = older.CreatedAt.Add(time.Second)
		newer.UpdatedAt = newer.CreatedAt
		done := newJob(t)
		require.NoError(t, s.CreateJob(ctx, older))
		require.NoError(t, s.CreateJob(ctx, newer))
		require.NoError(t, s.CreateJob(ctx, done))
		require.NoError(t, s.FinalizeJob(ctx, done.ID, model.JobStateComplete, nil, ""))

		unfinished, err := s.ListUnfinishedJobs(ctx)
		require.NoError(t, err)
		require.Len(t, unfinished, 2)
		assert.Equal(t, older.ID, unfinished[0].ID)
		assert.Equal(t, newer.ID, unfinished[1].ID)
		assert.NotEmpty(t, unfinished[0].Tasks, "recovery needs the task snapshot")
	})
}

func TestMemoryStore(t *testing.T) {
	storeConformance(t, func(t *testing.T) Store { return NewMemory() })
}
