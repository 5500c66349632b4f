package model

import (
	"fmt"
	"time"
)

// TaskKind enumerates the sub-task types a job's DAG is built from.
type TaskKind string

const (
	TaskFetchSite   TaskKind = "fetch_site"
	TaskFetchJobs   TaskKind = "fetch_jobs"
	TaskFetchRepos  TaskKind = "fetch_repos"
	TaskFetchNews   TaskKind = "fetch_news"
	TaskAISummarize TaskKind = "ai_summarize"
	TaskCorrelate   TaskKind = "correlate"
)

// SourceKey identifies one external data source.
type SourceKey string

const (
	SourceSite  SourceKey = "site"
	SourceJobs  SourceKey = "jobs"
	SourceRepos SourceKey = "repos"
	SourceNews  SourceKey = "news"
)

// SourceSummary labels the AI summarize output. It is not a fetchable
// source and never appears in a request's source set.
const SourceSummary SourceKey = "summary"

// KnownSources lists every source key in a fixed order.
var KnownSources = []SourceKey{SourceSite, SourceJobs, SourceRepos, SourceNews}

// FetchKind maps a source key to its fetch task kind.
func FetchKind(src SourceKey) TaskKind {
	switch src {
	case SourceSite:
		return TaskFetchSite
	case SourceJobs:
		return TaskFetchJobs
	case SourceRepos:
		return TaskFetchRepos
	case SourceNews:
		return TaskFetchNews
	}
	return TaskKind("fetch_" + string(src))
}

// TaskState is a task's position in its state machine. Transitions only move
// forward: pending -> ready -> running -> {succeeded, failed, skipped}, with
// running looping back to ready on a retryable failure below the attempt
// ceiling, and pending jumping to skipped when a dependency fails.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// IsTerminal reports whether the task state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next follows the state
// machine. Terminal states are never re-entered.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskPending:
		return next == TaskReady || next == TaskSkipped
	case TaskReady:
		return next == TaskRunning
	case TaskRunning:
		return next == TaskReady || next == TaskSucceeded || next == TaskFailed
	}
	return false
}

// TaskID identifies a task within a job: kind plus the source it targets
// (empty for correlate).
type TaskID struct {
	Kind   TaskKind  `json:"kind"`
	Source SourceKey `json:"source,omitempty"`
}

func (id TaskID) String() string {
	if id.Source == "" {
		return string(id.Kind)
	}
	return fmt.Sprintf("%s:%s", id.Kind, id.Source)
}

// Task is one node in a job's DAG.
type Task struct {
	ID        TaskID       `json:"id"`
	DependsOn []TaskID     `json:"depends_on,omitempty"`
	State     TaskState    `json:"state"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	Result    *FetchResult `json:"result,omitempty"`
	Seq       int          `json:"seq"` // creation order, FIFO tie-break
	UpdatedAt time.Time    `json:"updated_at"`
}
