package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
)

// pgxPool is the subset of pgxpool.Pool the store uses. Declared so tests
// can substitute a pgxmock pool.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store on a pgx connection pool. Suited to the
// server deployment where several replicas share one database.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgres connects to PostgreSQL and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse dsn")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	company    JSONB NOT NULL,
	requester  TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT 'queued',
	report     JSONB,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_tasks (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	depends_on JSONB NOT NULL DEFAULT '[]',
	state      TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	result     JSONB,
	seq        INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, kind, source)
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_job_tasks_job_id ON job_tasks(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ResearchJob) error {
	companyJSON, err := json.Marshal(job.Company)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal company")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create job")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, company, requester, state, error, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, companyJSON, job.Requester, string(job.State), job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert job")
	}

	for i := range job.Tasks {
		task := &job.Tasks[i]
		depsJSON, err := json.Marshal(task.DependsOn)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal task deps")
		}
		var resultJSON []byte
		if task.Result != nil {
			resultJSON, err = json.Marshal(task.Result)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal task result")
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO job_tasks (job_id, kind, source, depends_on, state, attempts, last_error, result, seq, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			job.ID, string(task.ID.Kind), string(task.ID.Source), depsJSON,
			string(task.State), task.Attempts, task.LastError, resultJSON, task.Seq, job.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert task %s", task.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs WHERE id = $1`,
		jobID,
	)
	job, err := scanPostgresJob(row)
	if err != nil {
		return nil, err
	}

	tasks, err := s.jobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Tasks = tasks
	return job, nil
}

func (s *PostgresStore) jobTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, source, depends_on, state, attempts, last_error, result, seq, updated_at
		 FROM job_tasks WHERE job_id = $1 ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks for job %s", jobID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task       model.Task
			kind, src  string
			depsJSON   []byte
			state      string
			resultJSON []byte
		)
		if err := rows.Scan(&kind, &src, &depsJSON, &state, &task.Attempts, &task.LastError, &resultJSON, &task.Seq, &task.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		task.ID = model.TaskID{Kind: model.TaskKind(kind), Source: model.SourceKey(src)}
		task.State = model.TaskState(state)
		if err := json.Unmarshal(depsJSON, &task.DependsOn); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task deps")
		}
		if len(resultJSON) > 0 {
			task.Result = &model.FetchResult{}
			if err := json.Unmarshal(resultJSON, task.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal task result")
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ResearchJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if filter.State != "" {
		query = `SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs WHERE state = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{string(filter.State), limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ResearchJob
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ListUnfinishedJobs(ctx context.Context) ([]model.ResearchJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs
		 WHERE state NOT IN ('complete', 'partial', 'failed') ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unfinished jobs")
	}
	defer rows.Close()

	var jobs []model.ResearchJob
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate unfinished jobs")
	}
	rows.Close()

	for i := range jobs {
		tasks, err := s.jobTasks(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Tasks = tasks
	}
	return jobs, nil
}

func (s *PostgresStore) UpdateJobState(ctx context.Context, jobID string, from, to model.JobState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(to), time.Now().UTC(), jobID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job state %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflict(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, jobID string, expect model.TaskState, task model.Task) error {
	var resultJSON []byte
	if task.Result != nil {
		b, err := json.Marshal(task.Result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal task result")
		}
		resultJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE job_tasks SET state = $1, attempts = $2, last_error = $3, result = $4, updated_at = $5
		 WHERE job_id = $6 AND kind = $7 AND source = $8 AND state = $9`,
		string(task.State), task.Attempts, task.LastError, resultJSON, time.Now().UTC(),
		jobID, string(task.ID.Kind), string(task.ID.Source), string(expect),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", task.ID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM job_tasks WHERE job_id = $1 AND kind = $2 AND source = $3`,
			jobID, string(task.ID.Kind), string(task.ID.Source),
		).Scan(&exists)
		if err != nil {
			return eris.Wrap(err, "postgres: check task exists")
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, jobID string, state model.JobState, report *model.Report, jobErr string) error {
	var reportJSON []byte
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal report")
		}
		reportJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, report = $2, error = $3, updated_at = $4
		 WHERE id = $5 AND state NOT IN ('complete', 'partial', 'failed')`,
		string(state), reportJSON, jobErr, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE id = $1`, jobID).Scan(&exists); err != nil {
			return eris.Wrap(err, "postgres: check job exists")
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyFinal
	}
	return nil
}

func (s *PostgresStore) jobConflict(ctx context.Context, jobID string) error {
	var exists int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE id = $1`, jobID).Scan(&exists); err != nil {
		return eris.Wrap(err, "postgres: check job exists")
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

func scanPostgresJob(row pgx.Row) (*model.ResearchJob, error) {
	var (
		job         model.ResearchJob
		companyJSON []byte
		state       string
		reportJSON  []byte
	)
	err := row.Scan(&job.ID, &companyJSON, &job.Requester, &state, &reportJSON, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	job.State = model.JobState(state)
	if err := json.Unmarshal(companyJSON, &job.Company); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal company")
	}
	if len(reportJSON) > 0 {
		job.Report = &model.Report{}
		if err := json.Unmarshal(reportJSON, job.Report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
	}
	return &job, nil
}
