// Package reconcile keeps the agent's in-memory snapshot of jobs,
// schedules, and settings in sync with the remote store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/models"
	"github.com/rewindhq/rewind/internal/scheduler"
)

// ErrStoreUnavailable indicates the remote store could not be reached.
// During normal operation this is logged and the last-known-good snapshot
// stays in effect; it is only fatal at startup with no snapshot to fall
// back on.
var ErrStoreUnavailable = errors.New("store unavailable")

// DefaultInterval is the reconciliation period when settings do not
// override it.
const DefaultInterval = 300 * time.Second

// Store is the store surface the reconciler consumes: the configuration
// reads plus the device heartbeat recorded after each successful sync.
type Store interface {
	ListJobs(ctx context.Context, deviceID uuid.UUID) ([]*models.BackupJob, error)
	ListSchedules(ctx context.Context, deviceID uuid.UUID) ([]*models.Schedule, error)
	ListSettings(ctx context.Context, deviceID uuid.UUID) ([]*models.Setting, error)
	TouchDevice(ctx context.Context, id uuid.UUID) error
}

// RemovalFunc is invoked for each job that disappeared from the
// authoritative set, so queued-but-not-started triggers can be discarded.
type RemovalFunc func(jobID uuid.UUID)

// Reconciler periodically fetches the authoritative configuration and
// publishes immutable snapshots. All readers see either the old snapshot or
// the new one, never a half-applied state.
type Reconciler struct {
	store    Store
	deviceID uuid.UUID
	onRemove RemovalFunc
	logger   zerolog.Logger

	snapshot atomic.Pointer[models.Snapshot]

	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Reconciler for one device. onRemove may be nil.
func New(store Store, deviceID uuid.UUID, onRemove RemovalFunc, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		deviceID: deviceID,
		onRemove: onRemove,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Current returns the currently published snapshot, or nil before the first
// successful reconciliation.
func (r *Reconciler) Current() *models.Snapshot {
	return r.snapshot.Load()
}

// Start performs the initial reconciliation and launches the periodic loop.
// Startup fails only when the store is unreachable and there is no snapshot
// to fall back on.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconciliation: %w", err)
	}

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts the periodic loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info().Msg("reconciler stopped")
}

// Kick requests an immediate reconciliation from the running loop without
// waiting for the next interval. Non-blocking; a pending kick coalesces.
func (r *Reconciler) Kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// Reconcile fetches the authoritative set and publishes a new snapshot when
// anything changed. A fetch failure keeps the current snapshot in effect
// and is only returned as an error when no snapshot exists yet.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	fetched, err := r.fetch(ctx)
	if err != nil {
		current := r.snapshot.Load()
		if current == nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		r.logger.Warn().Err(err).
			Time("snapshot_fetched_at", current.FetchedAt).
			Msg("store unreachable, keeping last-known-good snapshot")
		return nil
	}

	// A successful fetch doubles as the device heartbeat.
	if err := r.store.TouchDevice(ctx, r.deviceID); err != nil {
		r.logger.Warn().Err(err).Msg("could not record device heartbeat")
	}

	current := r.snapshot.Load()
	next, changed := r.merge(current, fetched)
	if !changed {
		r.logger.Debug().Msg("no configuration changes")
		return nil
	}

	r.snapshot.Store(next)
	r.logger.Info().
		Int("jobs", next.JobCount()).
		Int("schedules", next.ScheduleCount()).
		Int("settings", len(next.Settings)).
		Msg("published new configuration snapshot")
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		interval := DefaultInterval
		if snap := r.snapshot.Load(); snap != nil {
			interval = snap.Settings.Seconds(models.SettingSyncInterval, DefaultInterval)
		}

		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		case <-r.kickCh:
		}

		if err := r.Reconcile(ctx); err != nil {
			r.logger.Error().Err(err).Msg("reconciliation failed")
		}
	}
}

// fetched carries one raw read of the authoritative set.
type fetched struct {
	jobs      []*models.BackupJob
	schedules map[uuid.UUID][]*models.Schedule
	settings  models.Settings
}

func (r *Reconciler) fetch(ctx context.Context) (*fetched, error) {
	jobs, err := r.store.ListJobs(ctx, r.deviceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	schedules, err := r.store.ListSchedules(ctx, r.deviceID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	settings, err := r.store.ListSettings(ctx, r.deviceID)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}

	byJob := make(map[uuid.UUID][]*models.Schedule)
	for _, s := range schedules {
		byJob[s.JobID] = append(byJob[s.JobID], s)
	}

	return &fetched{
		jobs:      jobs,
		schedules: byJob,
		settings:  models.ResolveSettings(settings),
	}, nil
}

// merge diffs the fetched set against the current snapshot by job and
// schedule identifier. Unchanged entries keep their existing structs so
// run-state bookkeeping survives; changed entries replace wholesale.
// Returns the snapshot to publish and whether anything differs.
func (r *Reconciler) merge(current *models.Snapshot, f *fetched) (*models.Snapshot, bool) {
	next := &models.Snapshot{
		DeviceID:  r.deviceID,
		Jobs:      make(map[uuid.UUID]*models.JobEntry, len(f.jobs)),
		Settings:  f.settings,
		FetchedAt: time.Now(),
	}

	changed := current == nil || !settingsEqual(current.Settings, f.settings)

	for _, job := range f.jobs {
		var prev *models.JobEntry
		if current != nil {
			prev = current.Jobs[job.ID]
		}

		entry := &models.JobEntry{Job: job}
		if prev != nil && prev.Job.Equals(job) {
			entry.Job = prev.Job
		} else {
			changed = true
			if prev == nil {
				r.logger.Info().Str("job_id", job.ID.String()).Str("name", job.Name).Msg("job added")
			} else {
				r.logger.Info().Str("job_id", job.ID.String()).Str("name", job.Name).Msg("job updated")
			}
		}

		entry.Schedules, changed = r.mergeSchedules(prev, f.schedules[job.ID], changed)
		next.Jobs[job.ID] = entry
	}

	if current != nil {
		for id, entry := range current.Jobs {
			if _, ok := next.Jobs[id]; !ok {
				changed = true
				r.logger.Info().Str("job_id", id.String()).Str("name", entry.Job.Name).Msg("job removed")
				if r.onRemove != nil {
					r.onRemove(id)
				}
			}
		}
	}

	if !changed {
		return current, false
	}
	return next, true
}

// mergeSchedules applies the add/remove/replace rule per schedule ID.
// Invalid definitions are admitted as disabled so the tick loop never
// evaluates them.
func (r *Reconciler) mergeSchedules(prev *models.JobEntry, desired []*models.Schedule, changed bool) ([]*models.Schedule, bool) {
	var prevByID map[uuid.UUID]*models.Schedule
	if prev != nil {
		prevByID = make(map[uuid.UUID]*models.Schedule, len(prev.Schedules))
		for _, s := range prev.Schedules {
			prevByID[s.ID] = s
		}
	}

	out := make([]*models.Schedule, 0, len(desired))
	for _, s := range desired {
		if existing, ok := prevByID[s.ID]; ok && existing.DefinitionEquals(s) {
			out = append(out, existing)
			continue
		}
		changed = true

		if err := scheduler.ValidateSchedule(s); err != nil {
			r.logger.Error().Err(err).
				Str("schedule_id", s.ID.String()).
				Str("job_id", s.JobID.String()).
				Msg("rejected invalid schedule definition, treating as disabled")
			disabled := *s
			disabled.Enabled = false
			out = append(out, &disabled)
			continue
		}
		out = append(out, s)
	}

	if prev != nil && len(prev.Schedules) != len(out) {
		changed = true
	}
	return out, changed
}

func settingsEqual(a, b models.Settings) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
