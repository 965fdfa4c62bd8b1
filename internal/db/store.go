package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rewindhq/rewind/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Device methods

// UpsertDevice registers the local device, keyed by name. An existing
// device keeps its ID; platform, hostname, and last-seen refresh on every
// startup.
func (db *DB) UpsertDevice(ctx context.Context, device *models.Device) (*models.Device, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO devices (id, name, platform, hostname, enabled, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		ON CONFLICT (name) DO UPDATE
		SET platform = EXCLUDED.platform,
		    hostname = EXCLUDED.hostname,
		    last_seen_at = NOW()
		RETURNING id, name, platform, hostname, enabled, last_seen_at, created_at
	`, device.ID, device.Name, device.Platform, device.Hostname, device.Enabled, device.CreatedAt)

	var d models.Device
	err := row.Scan(&d.ID, &d.Name, &d.Platform, &d.Hostname, &d.Enabled, &d.LastSeenAt, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}

	db.logger.Info().
		Str("device_id", d.ID.String()).
		Str("name", d.Name).
		Msg("device registered")
	return &d, nil
}

// TouchDevice updates the device's last-seen timestamp.
func (db *DB) TouchDevice(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `UPDATE devices SET last_seen_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// Job methods

const jobColumns = `id, device_id, name, source_paths, exclude_patterns, tags, extra_args, enabled, metadata, created_at, updated_at`

func scanJob(row pgx.Row) (*models.BackupJob, error) {
	var job models.BackupJob
	var sourcePaths, excludePatterns, tags, extraArgs, metadata []byte
	err := row.Scan(&job.ID, &job.DeviceID, &job.Name, &sourcePaths, &excludePatterns,
		&tags, &extraArgs, &job.Enabled, &metadata, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{sourcePaths, &job.SourcePaths},
		{excludePatterns, &job.ExcludePatterns},
		{tags, &job.Tags},
		{extraArgs, &job.ExtraArgs},
		{metadata, &job.Metadata},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decode job field: %w", err)
		}
	}
	return &job, nil
}

// ListJobs returns all jobs for a device.
func (db *DB) ListJobs(ctx context.Context, deviceID uuid.UUID) ([]*models.BackupJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM backup_jobs
		WHERE device_id = $1
		ORDER BY name
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BackupJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJob returns one job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM backup_jobs
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Schedule methods

// ListSchedules returns all schedules belonging to a device's jobs.
func (db *DB) ListSchedules(ctx context.Context, deviceID uuid.UUID) ([]*models.Schedule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT s.id, s.job_id, s.kind, COALESCE(s.cron_expression, ''), COALESCE(s.interval_seconds, 0),
		       s.enabled, s.last_run_at, s.next_run_at, s.created_at, s.updated_at
		FROM schedules s
		JOIN backup_jobs j ON j.id = s.job_id
		WHERE j.device_id = $1
		ORDER BY s.created_at
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		var s models.Schedule
		err := rows.Scan(&s.ID, &s.JobID, &s.Kind, &s.CronExpression, &s.IntervalSeconds,
			&s.Enabled, &s.LastRunAt, &s.NextRunAt, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, &s)
	}
	return schedules, rows.Err()
}

// UpdateScheduleRunTimes persists a schedule's run-state bookkeeping.
func (db *DB) UpdateScheduleRunTimes(ctx context.Context, scheduleID uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE schedules
		SET last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, scheduleID, lastRunAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}
	return nil
}

// Setting methods

// ListSettings returns global settings followed by device-scoped settings
// so that resolution lets the device scope win.
func (db *DB) ListSettings(ctx context.Context, deviceID uuid.UUID) ([]*models.Setting, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, device_id, key, value, updated_at
		FROM settings
		WHERE device_id IS NULL OR device_id = $1
		ORDER BY device_id NULLS FIRST
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings = append(settings, &s)
	}
	return settings, rows.Err()
}

// Run methods

// CreateRun inserts a run record in its initial running state.
func (db *DB) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO runs (id, job_id, device_id, schedule_id, cause, status, started_at, skipped_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.JobID, run.DeviceID, run.ScheduleID, run.Cause, run.Status,
		run.StartedAt, run.SkippedCount, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRun closes a run record with its terminal state and statistics.
// Returns ErrNotFound when no row with the run's ID exists.
func (db *DB) UpdateRun(ctx context.Context, run *models.Run) error {
	stats := run.Stats
	if stats == nil {
		stats = &models.RunStats{}
	}

	var duration *float64
	if run.CompletedAt != nil {
		d := run.CompletedAt.Sub(run.StartedAt).Seconds()
		duration = &d
	}

	var snapshotID *string
	if stats.SnapshotID != "" {
		snapshotID = &stats.SnapshotID
	}

	ct, err := db.Pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, completed_at = $3, exit_code = $4, snapshot_id = $5,
		    files_new = $6, files_changed = $7, files_unmodified = $8,
		    dirs_new = $9, dirs_changed = $10, dirs_unmodified = $11,
		    data_added = $12, total_files = $13, total_bytes = $14,
		    duration_seconds = $15, stdout = $16, stderr = $17,
		    error_message = $18, skipped_count = $19
		WHERE id = $1
	`, run.ID, run.Status, run.CompletedAt, run.ExitCode, snapshotID,
		stats.FilesNew, stats.FilesChanged, stats.FilesUnmodified,
		stats.DirsNew, stats.DirsChanged, stats.DirsUnmodified,
		stats.DataAdded, stats.TotalFiles, stats.TotalBytes,
		duration, run.Stdout, run.Stderr, run.ErrorMessage, run.SkippedCount)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// A zero-row update means the insert never happened; callers like
		// the spool flush must not treat the run as delivered.
		return fmt.Errorf("update run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// LatestRunForJob returns the most recent run for a job, or ErrNotFound.
func (db *DB) LatestRunForJob(ctx context.Context, jobID uuid.UUID) (*models.Run, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, job_id, device_id, schedule_id, cause, status, started_at, completed_at,
		       exit_code, COALESCE(snapshot_id, ''), COALESCE(error_message, ''), skipped_count, created_at
		FROM runs
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, jobID)

	var run models.Run
	var snapshotID string
	err := row.Scan(&run.ID, &run.JobID, &run.DeviceID, &run.ScheduleID, &run.Cause,
		&run.Status, &run.StartedAt, &run.CompletedAt, &run.ExitCode,
		&snapshotID, &run.ErrorMessage, &run.SkippedCount, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	if snapshotID != "" {
		run.Stats = &models.RunStats{SnapshotID: snapshotID}
	}
	return &run, nil
}
