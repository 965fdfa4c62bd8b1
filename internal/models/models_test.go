package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRun(t *testing.T) {
	jobID := uuid.New()
	deviceID := uuid.New()
	scheduleID := uuid.New()

	run := NewRun(jobID, deviceID, &scheduleID, CauseSchedule)

	if run.Status != RunStatusRunning {
		t.Errorf("expected status running, got %s", run.Status)
	}
	if run.JobID != jobID {
		t.Errorf("expected job ID %s, got %s", jobID, run.JobID)
	}
	if run.ScheduleID == nil || *run.ScheduleID != scheduleID {
		t.Error("expected schedule ID to be set")
	}
	if run.IsTerminal() {
		t.Error("new run should not be terminal")
	}
	if run.CompletedAt != nil {
		t.Error("new run should not have a completion time")
	}
}

func TestRunComplete(t *testing.T) {
	run := NewRun(uuid.New(), uuid.New(), nil, CauseManual)

	stats := &RunStats{SnapshotID: "abc123", FilesNew: 10, DataAdded: 4096}
	run.Complete(0, stats)

	if run.Status != RunStatusSuccess {
		t.Errorf("expected status success, got %s", run.Status)
	}
	if !run.IsTerminal() {
		t.Error("completed run should be terminal")
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Error("expected exit code 0")
	}
	if run.Stats == nil || run.Stats.SnapshotID != "abc123" {
		t.Error("expected stats to be recorded")
	}
	if run.CompletedAt == nil {
		t.Error("expected completion time to be set")
	}
}

func TestRunFail(t *testing.T) {
	run := NewRun(uuid.New(), uuid.New(), nil, CauseSchedule)
	run.Fail(3, "repository locked")

	if run.Status != RunStatusFailed {
		t.Errorf("expected status failed, got %s", run.Status)
	}
	if run.ExitCode == nil || *run.ExitCode != 3 {
		t.Error("expected exit code 3")
	}
	if run.ErrorMessage != "repository locked" {
		t.Errorf("unexpected error message: %s", run.ErrorMessage)
	}
}

func TestRunCancel(t *testing.T) {
	run := NewRun(uuid.New(), uuid.New(), nil, CauseSchedule)
	run.Cancel()

	if run.Status != RunStatusCancelled {
		t.Errorf("expected status cancelled, got %s", run.Status)
	}
	if !run.IsTerminal() {
		t.Error("cancelled run should be terminal")
	}
}

func TestRunDuration(t *testing.T) {
	run := NewRun(uuid.New(), uuid.New(), nil, CauseManual)
	if run.Duration() != 0 {
		t.Error("running run should report zero duration")
	}

	completed := run.StartedAt.Add(90 * time.Second)
	run.CompletedAt = &completed
	if run.Duration() != 90*time.Second {
		t.Errorf("expected 90s duration, got %s", run.Duration())
	}
}

func TestJobIdentityTags(t *testing.T) {
	job := &BackupJob{
		ID:   uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Name: "documents",
		Tags: []string{"home"},
	}

	tags := job.AllTags()
	if len(tags) != 3 {
		t.Fatalf("expected 3 tags, got %d", len(tags))
	}
	if tags[0] != "home" {
		t.Errorf("expected user tag first, got %s", tags[0])
	}
	if tags[1] != "backup:11111111-2222-3333-4444-555555555555" {
		t.Errorf("unexpected identity tag: %s", tags[1])
	}
	if tags[2] != "backup_name=documents" {
		t.Errorf("unexpected name tag: %s", tags[2])
	}
}

func TestScheduleDefinitionEquals(t *testing.T) {
	now := time.Now()
	a := &Schedule{
		ID:              uuid.New(),
		JobID:           uuid.New(),
		Kind:            ScheduleKindInterval,
		IntervalSeconds: 3600,
		Enabled:         true,
	}
	b := *a
	b.LastRunAt = &now
	b.NextRunAt = &now

	if !a.DefinitionEquals(&b) {
		t.Error("run-state bookkeeping should not affect definition equality")
	}

	b.IntervalSeconds = 7200
	if a.DefinitionEquals(&b) {
		t.Error("interval change should break definition equality")
	}
}

func TestResolveSettings(t *testing.T) {
	deviceID := uuid.New()
	settings := []*Setting{
		{ID: uuid.New(), Key: SettingRepositoryURL, Value: "s3:global"},
		{ID: uuid.New(), Key: SettingSchedulerTick, Value: "30"},
		{ID: uuid.New(), DeviceID: &deviceID, Key: SettingRepositoryURL, Value: "s3:device"},
	}

	resolved := ResolveSettings(settings)
	if got := resolved.String(SettingRepositoryURL, ""); got != "s3:device" {
		t.Errorf("device-scoped setting should override global, got %s", got)
	}
	if got := resolved.Seconds(SettingSchedulerTick, time.Minute); got != 30*time.Second {
		t.Errorf("expected 30s tick, got %s", got)
	}
	if got := resolved.Seconds(SettingSyncInterval, 300*time.Second); got != 300*time.Second {
		t.Errorf("expected default for absent key, got %s", got)
	}
}

func TestSettingsSecondsRejectsGarbage(t *testing.T) {
	s := Settings{SettingMissedRunGrace: "not-a-number"}
	if got := s.Seconds(SettingMissedRunGrace, 5*time.Minute); got != 5*time.Minute {
		t.Errorf("expected default for unparseable value, got %s", got)
	}
}
