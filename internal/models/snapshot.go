package models

import (
	"time"

	"github.com/google/uuid"
)

// JobEntry pairs a job with its schedules inside a snapshot.
type JobEntry struct {
	Job       *BackupJob
	Schedules []*Schedule
}

// Snapshot is the complete, internally consistent in-memory copy of one
// device's jobs, schedules, and resolved settings at a point in time.
// Snapshots are immutable once published: the reconciler replaces the whole
// snapshot rather than mutating it in place.
type Snapshot struct {
	DeviceID  uuid.UUID
	Jobs      map[uuid.UUID]*JobEntry
	Settings  Settings
	FetchedAt time.Time
}

// Job returns the entry for a job ID, or nil when absent.
func (s *Snapshot) Job(id uuid.UUID) *JobEntry {
	if s == nil {
		return nil
	}
	return s.Jobs[id]
}

// JobCount returns the number of jobs in the snapshot.
func (s *Snapshot) JobCount() int {
	if s == nil {
		return 0
	}
	return len(s.Jobs)
}

// ScheduleCount returns the total number of schedules across all jobs.
func (s *Snapshot) ScheduleCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, entry := range s.Jobs {
		n += len(entry.Schedules)
	}
	return n
}
