package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run. Transitions are
// strictly forward-only: running moves to exactly one terminal state.
type RunStatus string

const (
	// RunStatusRunning indicates the backup is executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates the engine exited cleanly.
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed indicates the engine failed or could not start.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// TriggerCause records why a run was started.
type TriggerCause string

const (
	// CauseSchedule is a run fired by its schedule's due time.
	CauseSchedule TriggerCause = "schedule"
	// CauseMissed is a catch-up run for an occurrence missed during downtime.
	CauseMissed TriggerCause = "missed"
	// CauseManual is a run requested directly by an operator.
	CauseManual TriggerCause = "manual"
)

// RunStats holds the statistics parsed from the engine's output. All fields
// are best-effort; absence of statistics alone never fails a run.
type RunStats struct {
	SnapshotID      string  `json:"snapshot_id,omitempty"`
	FilesNew        int     `json:"files_new"`
	FilesChanged    int     `json:"files_changed"`
	FilesUnmodified int     `json:"files_unmodified"`
	DirsNew         int     `json:"dirs_new"`
	DirsChanged     int     `json:"dirs_changed"`
	DirsUnmodified  int     `json:"dirs_unmodified"`
	DataAdded       int64   `json:"data_added"`
	TotalFiles      int     `json:"total_files_processed"`
	TotalBytes      int64   `json:"total_bytes_processed"`
	TotalDuration   float64 `json:"total_duration"`
}

// Run is one execution attempt of one job via one schedule-or-manual trigger.
type Run struct {
	ID           uuid.UUID    `json:"id"`
	JobID        uuid.UUID    `json:"job_id"`
	DeviceID     uuid.UUID    `json:"device_id"`
	ScheduleID   *uuid.UUID   `json:"schedule_id,omitempty"`
	Cause        TriggerCause `json:"cause"`
	Status       RunStatus    `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	Stats        *RunStats    `json:"stats,omitempty"`
	Stdout       string       `json:"stdout,omitempty"`
	Stderr       string       `json:"stderr,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	// SkippedCount is the number of missed occurrences that were not
	// replayed when this run caught up a backlog.
	SkippedCount int       `json:"skipped_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRun creates a Run in state running for the given job and trigger.
func NewRun(jobID, deviceID uuid.UUID, scheduleID *uuid.UUID, cause TriggerCause) *Run {
	now := time.Now()
	return &Run{
		ID:         uuid.New(),
		JobID:      jobID,
		DeviceID:   deviceID,
		ScheduleID: scheduleID,
		Cause:      cause,
		Status:     RunStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
	}
}

// Complete marks the run as successful with the given exit code and stats.
func (r *Run) Complete(exitCode int, stats *RunStats) {
	now := time.Now()
	r.CompletedAt = &now
	r.Status = RunStatusSuccess
	r.ExitCode = &exitCode
	r.Stats = stats
}

// Fail marks the run as failed with the given exit code and message.
func (r *Run) Fail(exitCode int, errMsg string) {
	now := time.Now()
	r.CompletedAt = &now
	r.Status = RunStatusFailed
	r.ExitCode = &exitCode
	r.ErrorMessage = errMsg
}

// Cancel marks the run as cancelled.
func (r *Run) Cancel() {
	now := time.Now()
	r.CompletedAt = &now
	r.Status = RunStatusCancelled
}

// IsTerminal returns true if the run has reached a terminal status.
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusSuccess || r.Status == RunStatusFailed || r.Status == RunStatusCancelled
}

// Duration returns the run's elapsed time, or 0 if not completed.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
