// Package model defines the core data types for research jobs, tasks, and
// correlated reports.
package model

import (
	"time"
)

// JobState is the lifecycle state of a research job.
type JobState string

const (
	JobStateQueued   JobState = "queued"
	JobStateRunning  JobState = "running"
	JobStateComplete JobState = "complete"
	JobStatePartial  JobState = "partial"
	JobStateFailed   JobState = "failed"
)

// IsTerminal reports whether the job state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateComplete, JobStatePartial, JobStateFailed:
		return true
	}
	return false
}

// ResearchJob is one research request and its execution record. It is owned
// exclusively by the scheduler while running and immutable once terminal.
type ResearchJob struct {
	ID        string    `json:"id"`
	Company   Company   `json:"company"`
	Requester string    `json:"requester,omitempty"`
	State     JobState  `json:"state"`
	Tasks     []Task    `json:"tasks"`
	Report    *Report   `json:"report,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task looks up a task by ID. Returns nil if not present.
func (j *ResearchJob) Task(id TaskID) *Task {
	for i := range j.Tasks {
		if j.Tasks[i].ID == id {
			return &j.Tasks[i]
		}
	}
	return nil
}

// Company identifies the research target.
type Company struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Email  string `json:"email,omitempty"`
}
