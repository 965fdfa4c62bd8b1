// Package agent wires the reconciler, scheduler, queue, executor, and
// spool into one running backup agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/backup"
	"github.com/rewindhq/rewind/internal/config"
	"github.com/rewindhq/rewind/internal/db"
	"github.com/rewindhq/rewind/internal/models"
	"github.com/rewindhq/rewind/internal/queue"
	"github.com/rewindhq/rewind/internal/reconcile"
	"github.com/rewindhq/rewind/internal/scheduler"
	"github.com/rewindhq/rewind/internal/spool"
)

// ErrJobNotFound is returned when a manual trigger names a job absent from
// the current snapshot.
var ErrJobNotFound = errors.New("job not found")

// DefaultDrainGrace bounds how long shutdown waits for an in-flight backup.
const DefaultDrainGrace = 2 * time.Minute

// Store is the remote store surface the agent consumes.
type Store interface {
	UpsertDevice(ctx context.Context, device *models.Device) (*models.Device, error)
	TouchDevice(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, deviceID uuid.UUID) ([]*models.BackupJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error)
	ListSchedules(ctx context.Context, deviceID uuid.UUID) ([]*models.Schedule, error)
	ListSettings(ctx context.Context, deviceID uuid.UUID) ([]*models.Setting, error)
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	LatestRunForJob(ctx context.Context, jobID uuid.UUID) (*models.Run, error)
	UpdateScheduleRunTimes(ctx context.Context, scheduleID uuid.UUID, lastRunAt, nextRunAt *time.Time) error
}

// Agent is one device's backup orchestrator.
type Agent struct {
	store  Store
	device *models.Device
	spool  *spool.Spool
	logger zerolog.Logger

	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	queue      *queue.Queue
	executor   *backup.Executor

	drainGrace time.Duration
	closeStore func()
}

// New connects to the store, registers the device, and assembles the agent.
func New(ctx context.Context, cfg *config.AgentConfig, logger zerolog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	device, err := database.UpsertDevice(ctx, models.NewDevice(cfg.DeviceName))
	if err != nil {
		database.Close()
		return nil, err
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		database.Close()
		return nil, err
	}
	runSpool, err := spool.Open(dataDir, logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := assemble(database, device, runSpool, backup.NewRestic(cfg.ResticBinary, logger), logger)
	a.closeStore = database.Close
	return a, nil
}

// assemble builds the component graph around a store and engine. Split from
// New so tests can inject fakes.
func assemble(store Store, device *models.Device, runSpool *spool.Spool, engine backup.Engine, logger zerolog.Logger) *Agent {
	a := &Agent{
		store:      store,
		device:     device,
		spool:      runSpool,
		logger:     logger.With().Str("component", "agent").Logger(),
		drainGrace: DefaultDrainGrace,
	}

	a.reconciler = reconcile.New(store, device.ID, func(jobID uuid.UUID) {
		a.queue.Discard(jobID)
	}, logger)

	var spooler backup.Spooler
	if runSpool != nil {
		spooler = runSpool
	}
	a.executor = backup.NewExecutor(engine, store, spooler, a.reconciler, logger)

	a.queue = queue.New(a.executor, func(t queue.Trigger, run *models.Run) {
		a.scheduler.OnComplete(t, run)
	}, logger)

	a.scheduler = scheduler.New(a.reconciler, a.queue, store, logger)

	return a
}

// Start performs the initial reconciliation and launches all loops. It
// fails only when the store is unreachable with no snapshot to fall back
// on, or when no repository is configured for this device.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.reconciler.Start(ctx); err != nil {
		return err
	}

	snap := a.reconciler.Current()
	if _, err := backup.RepoConfigFromSettings(snap.Settings); err != nil {
		return fmt.Errorf("device %s: %w", a.device.Name, err)
	}

	a.queue.Start(ctx)
	a.scheduler.Start(ctx)
	if a.spool != nil {
		a.spool.StartFlusher(ctx, a.store, spool.DefaultFlushInterval)
	}

	a.logger.Info().
		Str("device_id", a.device.ID.String()).
		Str("device_name", a.device.Name).
		Str("platform", a.device.Platform).
		Int("jobs", snap.JobCount()).
		Int("schedules", snap.ScheduleCount()).
		Int("settings", len(snap.Settings)).
		Msg("agent started")
	return nil
}

// Stop shuts the agent down: ticking stops immediately, the queue drains
// with a bounded grace, then local resources close.
func (a *Agent) Stop() {
	a.scheduler.Stop()
	a.reconciler.Stop()

	if err := a.queue.Drain(a.drainGrace); err != nil {
		a.logger.Warn().Err(err).Msg("queue drain incomplete")
	}

	if a.spool != nil {
		a.spool.StopFlusher()
		if err := a.spool.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("spool close failed")
		}
	}
	if a.closeStore != nil {
		a.closeStore()
	}
	a.logger.Info().Msg("agent stopped")
}

// TriggerBackup submits a manual trigger for a job. Manual triggers bypass
// the tick cadence and never alter schedule bookkeeping.
func (a *Agent) TriggerBackup(jobID uuid.UUID) error {
	snap := a.reconciler.Current()
	if snap.Job(jobID) == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return a.queue.Enqueue(queue.Trigger{
		JobID: jobID,
		Cause: models.CauseManual,
	})
}

// Reconcile forces an immediate reconciliation.
func (a *Agent) Reconcile(ctx context.Context) error {
	return a.reconciler.Reconcile(ctx)
}

// RunOnce executes a single job synchronously, outside the queue. Used by
// the one-shot CLI mode.
func (a *Agent) RunOnce(ctx context.Context, jobID uuid.UUID) (*models.Run, error) {
	snap := a.reconciler.Current()
	if snap.Job(jobID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return a.executor.Execute(ctx, queue.Trigger{
		JobID: jobID,
		Cause: models.CauseManual,
	})
}

// JobStatus pairs a job with its schedules and most recent run.
type JobStatus struct {
	Job       *models.BackupJob
	Schedules []*models.Schedule
	LatestRun *models.Run
}

// JobStatuses reports every job in the current snapshot with its most
// recent run, sorted by job name.
func (a *Agent) JobStatuses(ctx context.Context) ([]JobStatus, error) {
	snap := a.reconciler.Current()
	if snap == nil {
		return nil, nil
	}

	out := make([]JobStatus, 0, snap.JobCount())
	for _, entry := range snap.Jobs {
		st := JobStatus{Job: entry.Job, Schedules: entry.Schedules}
		run, err := a.store.LatestRunForJob(ctx, entry.Job.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("latest run for %s: %w", entry.Job.Name, err)
		}
		st.LatestRun = run
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.Name < out[j].Job.Name })
	return out, nil
}

// JobStatus reads one job directly from the store, so a job created after
// the last reconciliation still resolves. Schedules come from the snapshot
// when it knows the job.
func (a *Agent) JobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}

	st := &JobStatus{Job: job}
	if snap := a.reconciler.Current(); snap != nil {
		if entry := snap.Job(jobID); entry != nil {
			st.Schedules = entry.Schedules
		}
	}

	run, err := a.store.LatestRunForJob(ctx, jobID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("latest run for %s: %w", job.Name, err)
	}
	st.LatestRun = run
	return st, nil
}

// Device returns the registered device record.
func (a *Agent) Device() *models.Device {
	return a.device
}
