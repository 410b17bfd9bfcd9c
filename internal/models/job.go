package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an orchestrator job.
type JobState string

const (
	// JobStateScheduled jobs are waiting for RunAt, either new, retrying or sleeping.
	JobStateScheduled JobState = "scheduled"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	// JobStateFailed jobs exhausted their attempts or hit a permanent error.
	// They stay in the store until an operator retries them.
	JobStateFailed JobState = "failed"
)

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateScheduled, JobStateRunning, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// Finished reports whether the job will not run again without operator action.
func (s JobState) Finished() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is a durable unit of background work created from a named event.
type Job struct {
	ID             uuid.UUID
	Name           string
	Payload        json.RawMessage
	IdempotencyKey string
	OrderingKey    string
	State          JobState
	Attempt        int
	MaxAttempts    int
	RunAt          time.Time
	LeaseToken     *uuid.UUID
	LeaseUntil     *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

type StepKind string

const (
	StepKindRun   StepKind = "run"
	StepKindSleep StepKind = "sleep"
)

// StepRecord is the persisted result of a step. (JobID, Name) is unique.
type StepRecord struct {
	JobID       uuid.UUID
	Name        string
	Kind        StepKind
	Output      json.RawMessage
	WakeAt      *time.Time
	CompletedAt time.Time
}

// JobWithSteps is a job together with its recorded steps, oldest first.
type JobWithSteps struct {
	Job   Job
	Steps []StepRecord
}
