package scheduler

import (
	"testing"
	"time"
)

func TestDetectMissedWithinGrace(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := intervalSchedule(3600)

	next := now.Add(-2 * time.Minute)
	res := DetectMissed(s, &next, nil, now, 5*time.Minute)
	if res.Missed {
		t.Error("a due time inside the grace window is not a miss")
	}
}

func TestDetectMissedNilNextRun(t *testing.T) {
	now := time.Now()
	res := DetectMissed(intervalSchedule(3600), nil, nil, now, 5*time.Minute)
	if res.Missed {
		t.Error("a schedule with no computed next-run time cannot be missed")
	}
}

func TestDetectMissedIntervalSingleMiss(t *testing.T) {
	// interval=3600s, last run 7300s ago, grace=300s: exactly one missed
	// occurrence, nothing skipped.
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := intervalSchedule(3600)
	last := now.Add(-7300 * time.Second)
	next := last.Add(time.Hour)

	res := DetectMissed(s, &next, &last, now, 300*time.Second)
	if !res.Missed {
		t.Fatal("expected a miss")
	}
	if res.CatchUp != 1 {
		t.Errorf("expected exactly one catch-up occurrence, got %d", res.CatchUp)
	}
	if res.Skipped != 0 {
		t.Errorf("expected nothing skipped, got %d", res.Skipped)
	}
}

func TestDetectMissedIntervalBacklogCapped(t *testing.T) {
	// Five whole intervals elapsed: one is covered by this cycle's run, one
	// is replayed, three are reported as skipped.
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := intervalSchedule(3600)
	last := now.Add(-5*time.Hour - 10*time.Minute)
	next := last.Add(time.Hour)

	res := DetectMissed(s, &next, &last, now, 300*time.Second)
	if !res.Missed {
		t.Fatal("expected a miss")
	}
	if res.CatchUp != 1 {
		t.Errorf("catch-up must be capped at 1, got %d", res.CatchUp)
	}
	if res.Skipped != 3 {
		t.Errorf("expected 3 skipped occurrences, got %d", res.Skipped)
	}
}

func TestDetectMissedCronReportsAtMostOne(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := cronSchedule("0 * * * *")
	last := now.Add(-26 * time.Hour)
	next := now.Add(-25 * time.Hour)

	res := DetectMissed(s, &next, &last, now, 5*time.Minute)
	if !res.Missed {
		t.Fatal("expected a miss")
	}
	if res.CatchUp != 1 {
		t.Errorf("cron replays at most one occurrence, got %d", res.CatchUp)
	}
	if res.Skipped != 0 {
		t.Errorf("cron does not count skipped occurrences, got %d", res.Skipped)
	}
}

func TestDetectMissedRunAlreadyCoveredDueTime(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := intervalSchedule(3600)
	next := now.Add(-30 * time.Minute)
	last := now.Add(-10 * time.Minute) // ran after the due time

	res := DetectMissed(s, &next, &last, now, 5*time.Minute)
	if res.Missed {
		t.Error("a run started after the due time covers it")
	}
}

func TestDetectMissedZeroGraceUsesDefault(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := intervalSchedule(3600)
	next := now.Add(-4 * time.Minute)

	res := DetectMissed(s, &next, nil, now, 0)
	if res.Missed {
		t.Error("default grace of 5 minutes should cover a 4-minute-old due time")
	}
}
