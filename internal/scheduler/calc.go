// Package scheduler computes schedule firing times, detects missed runs,
// and drives the periodic trigger loop.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rewindhq/rewind/internal/models"
)

// ErrInvalidSchedule is returned when a cron expression does not parse or an
// interval is non-positive. Detected at admission time, never at fire time.
var ErrInvalidSchedule = errors.New("invalid schedule definition")

// cronParser accepts standard five-field expressions with an optional
// leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a schedule definition is admissible. Invalid
// definitions are rejected here so the tick loop never sees them.
func ValidateSchedule(s *models.Schedule) error {
	switch s.Kind {
	case models.ScheduleKindCron:
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.CronExpression, err)
		}
	case models.ScheduleKindInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, s.IntervalSeconds)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// NextRun computes when the schedule fires next, given the time it last
// fired (nil if never) and the current time.
//
// Cron schedules fire at the first matching time strictly after now.
// Interval schedules fire at lastRun+interval, or immediately when the
// schedule has never fired.
func NextRun(s *models.Schedule, lastRun *time.Time, now time.Time) (time.Time, error) {
	switch s.Kind {
	case models.ScheduleKindCron:
		spec, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.CronExpression, err)
		}
		return spec.Next(now), nil
	case models.ScheduleKindInterval:
		if s.IntervalSeconds <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSchedule, s.IntervalSeconds)
		}
		if lastRun == nil {
			return now, nil
		}
		return lastRun.Add(s.Interval()), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}
