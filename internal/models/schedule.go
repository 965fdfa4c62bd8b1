package models

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleKind discriminates the two schedule variants.
type ScheduleKind string

const (
	// ScheduleKindCron fires on a cron expression.
	ScheduleKindCron ScheduleKind = "cron"
	// ScheduleKindInterval fires every fixed number of seconds.
	ScheduleKindInterval ScheduleKind = "interval"
)

// Schedule is one trigger definition for a job. A job may carry several
// schedules; each tracks its own last/next run state.
type Schedule struct {
	ID              uuid.UUID    `json:"id"`
	JobID           uuid.UUID    `json:"job_id"`
	Kind            ScheduleKind `json:"kind"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IntervalSeconds int64        `json:"interval_seconds,omitempty"`
	Enabled         bool         `json:"enabled"`
	LastRunAt       *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Interval returns the interval variant's period as a duration.
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// DefinitionEquals reports whether two schedules have the same firing
// definition, ignoring run-state bookkeeping and timestamps.
func (s *Schedule) DefinitionEquals(other *Schedule) bool {
	return s.ID == other.ID &&
		s.JobID == other.JobID &&
		s.Kind == other.Kind &&
		s.CronExpression == other.CronExpression &&
		s.IntervalSeconds == other.IntervalSeconds &&
		s.Enabled == other.Enabled
}
