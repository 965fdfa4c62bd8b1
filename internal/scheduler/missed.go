package scheduler

import (
	"time"

	"github.com/rewindhq/rewind/internal/models"
)

// DefaultGracePeriod is the tolerance window after a computed due time
// before a miss is declared.
const DefaultGracePeriod = 5 * time.Minute

// maxCatchUp caps how many missed occurrences are actually replayed. Only
// the most recent miss is re-executed; the remainder is reported as skipped.
const maxCatchUp = 1

// MissedResult classifies one schedule's miss state at a point in time.
type MissedResult struct {
	// Missed is true when the schedule's next-run time passed by more than
	// the grace period without a run starting.
	Missed bool
	// CatchUp is how many occurrences to replay (0 or 1).
	CatchUp int
	// Skipped is how many missed occurrences will not be replayed.
	Skipped int
}

// DetectMissed determines whether a schedule missed its next-run time.
// It only classifies; it never executes or mutates state.
//
// For interval schedules the number of whole intervals elapsed since the
// last run, minus the one occurrence the current cycle already covers, is
// counted; for cron schedules at most one miss is ever reported. Replay is
// capped, with the overflow surfaced in Skipped.
func DetectMissed(s *models.Schedule, nextRun *time.Time, lastRun *time.Time, now time.Time, grace time.Duration) MissedResult {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if nextRun == nil || !nextRun.Add(grace).Before(now) {
		return MissedResult{}
	}
	// A run started since the due time already covers it.
	if lastRun != nil && lastRun.After(*nextRun) {
		return MissedResult{}
	}

	missedCount := 1
	if s.Kind == models.ScheduleKindInterval && lastRun != nil && s.IntervalSeconds > 0 {
		whole := int(now.Sub(*lastRun) / s.Interval())
		// One occurrence is covered by the run this detection cycle fires.
		missedCount = whole - 1
		if missedCount < 1 {
			missedCount = 1
		}
	}

	catchUp := missedCount
	if catchUp > maxCatchUp {
		catchUp = maxCatchUp
	}

	return MissedResult{
		Missed:  true,
		CatchUp: catchUp,
		Skipped: missedCount - catchUp,
	}
}
