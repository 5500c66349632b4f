package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	company    TEXT NOT NULL,
	requester  TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT 'queued',
	report     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_tasks (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	state      TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	result     TEXT,
	seq        INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, kind, source)
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_job_tasks_job_id ON job_tasks(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ResearchJob) error {
	companyJSON, err := json.Marshal(job.Company)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal company")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create job")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, company, requester, state, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(companyJSON), job.Requester, string(job.State), job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert job")
	}

	for i := range job.Tasks {
		task := &job.Tasks[i]
		depsJSON, err := json.Marshal(task.DependsOn)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal task deps")
		}
		var resultJSON any
		if task.Result != nil {
			b, err := json.Marshal(task.Result)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal task result")
			}
			resultJSON = string(b)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_tasks (job_id, kind, source, depends_on, state, attempts, last_error, result, seq, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, string(task.ID.Kind), string(task.ID.Source), string(depsJSON),
			string(task.State), task.Attempts, task.LastError, resultJSON, task.Seq, job.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert task %s", task.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanSQLiteJob(row)
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

func (s *SQLiteStore) jobTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, source, depends_on, state, attempts, last_error, result, seq, updated_at
		 FROM job_tasks WHERE job_id = ? ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks for job %s", jobID)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task       model.Task
			kind, src  string
			depsJSON   string
			state      string
			resultJSON sql.NullString
		)
		if err := rows.Scan(&kind, &src, &depsJSON, &state, &task.Attempts, &task.LastError, &resultJSON, &task.Seq, &task.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		task.ID = model.TaskID{Kind: model.TaskKind(kind), Source: model.SourceKey(src)}
		task.State = model.TaskState(state)
		if err := json.Unmarshal([]byte(depsJSON), &task.DependsOn); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task deps")
		}
		if resultJSON.Valid {
			task.Result = &model.FetchResult{}
			if err := json.Unmarshal([]byte(resultJSON.String), task.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal task result")
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ResearchJob, error) {
	query := `SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.ResearchJob
	for rows.Next() {
		j, err := scanSQLiteJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ListUnfinishedJobs(ctx context.Context) ([]model.ResearchJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company, requester, state, report, error, created_at, updated_at FROM jobs
		 WHERE state NOT IN ('complete', 'partial', 'failed') ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unfinished jobs")
	}
	defer rows.Close()

	var jobs []model.ResearchJob
	for rows.Next() {
		j, err := scanSQLiteJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate unfinished jobs")
	}

	for i := range jobs {
		tasks, err := s.jobTasks(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Tasks = tasks
	}
	return jobs, nil
}

func (s *SQLiteStore) UpdateJobState(ctx context.Context, jobID string, from, to model.JobState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), time.Now().UTC(), jobID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job state %s", jobID)
	}
	return s.checkConflict(ctx, res, jobID)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, jobID string, expect model.TaskState, task model.Task) error {
	var resultJSON any
	if task.Result != nil {
		b, err := json.Marshal(task.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal task result")
		}
		resultJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE job_tasks SET state = ?, attempts = ?, last_error = ?, result = ?, updated_at = ?
		 WHERE job_id = ? AND kind = ? AND source = ? AND state = ?`,
		string(task.State), task.Attempts, task.LastError, resultJSON, time.Now().UTC(),
		jobID, string(task.ID.Kind), string(task.ID.Source), string(expect),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", task.ID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_tasks WHERE job_id = ? AND kind = ? AND source = ?`,
			jobID, string(task.ID.Kind), string(task.ID.Source),
		).Scan(&exists)
		if err != nil {
			return eris.Wrap(err, "sqlite: check task exists")
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *SQLiteStore) FinalizeJob(ctx context.Context, jobID string, state model.JobState, report *model.Report, jobErr string) error {
	var reportJSON any
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal report")
		}
		reportJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, report = ?, error = ?, updated_at = ?
		 WHERE id = ? AND state NOT IN ('complete', 'partial', 'failed')`,
		string(state), reportJSON, jobErr, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize job %s", jobID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check job exists")
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyFinal
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*model.ResearchJob, error) {
	j, err := scanSQLiteJobFromRows(row)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanSQLiteJobFromRows(row rowScanner) (*model.ResearchJob, error) {
	var (
		job         model.ResearchJob
		companyJSON string
		state       string
		reportJSON  sql.NullString
	)
	err := row.Scan(&job.ID, &companyJSON, &job.Requester, &state, &reportJSON, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	job.State = model.JobState(state)
	if err := json.Unmarshal([]byte(companyJSON), &job.Company); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal company")
	}
	if reportJSON.Valid {
		job.Report = &model.Report{}
		if err := json.Unmarshal([]byte(reportJSON.String), job.Report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
	}
	return &job, nil
}

func (s *SQLiteStore) checkConflict(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check job exists")
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}
