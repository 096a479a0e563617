package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of one stage-execution attempt.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether s -> target is a legal job transition.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusRunning || target == JobStatusCompleted ||
			target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusRunning:
		return target == JobStatusCompleted || target == JobStatusFailed ||
			target == JobStatusCancelled
	default:
		return false
	}
}

// Job tracks one attempt at running a pipeline stage on the COLMAP service.
// The dispatcher returns the job ID immediately; clients poll the scan status
// until the job reaches a terminal state.
type Job struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	ScanID           uuid.UUID       `db:"scan_id"           json:"scan_id"`
	Stage            Stage           `db:"stage"             json:"stage"`
	Status           JobStatus       `db:"status"            json:"status"`
	Progress         int             `db:"progress"          json:"progress"`
	Message          string          `db:"message"           json:"message"`
	Params           json.RawMessage `db:"params"            json:"params,omitempty"`
	Result           json.RawMessage `db:"result"            json:"result,omitempty"`
	PollFailures     int             `db:"poll_failures"     json:"-"`
	MaterializedAt   *time.Time      `db:"materialized_at"   json:"materialized_at,omitempty"`
	MaterializeError *string         `db:"materialize_error" json:"materialize_error,omitempty"`
	StartedAt        *time.Time      `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt      *time.Time      `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
	Version          int             `db:"version"           json:"-"`
}

// Materialized reports whether the result materializer has already run for
// this job, successfully or not.
func (j *Job) Materialized() bool {
	return j.MaterializedAt != nil || j.MaterializeError != nil
}
