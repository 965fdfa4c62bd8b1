package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/models"
	"github.com/rewindhq/rewind/internal/queue"
)

// RunStore persists run lifecycle records.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
}

// Spooler accepts terminal run results that could not reach the store.
type Spooler interface {
	Spool(ctx context.Context, run *models.Run) error
}

// Engine abstracts the backup binary invocation.
type Engine interface {
	Backup(ctx context.Context, cfg RepoConfig, job *models.BackupJob) (*Result, error)
}

// SnapshotSource yields the current configuration snapshot.
type SnapshotSource interface {
	Current() *models.Snapshot
}

// Executor runs one backup per trigger and owns the run's full lifecycle: a
// run is created in state running and always closed to exactly one terminal
// state before Execute returns, whatever happens in between.
type Executor struct {
	engine Engine
	store  RunStore
	spool  Spooler
	source SnapshotSource
	logger zerolog.Logger
}

// NewExecutor creates an Executor. spool may be nil, in which case results
// that cannot reach the store are only logged.
func NewExecutor(engine Engine, store RunStore, spool Spooler, source SnapshotSource, logger zerolog.Logger) *Executor {
	return &Executor{
		engine: engine,
		store:  store,
		spool:  spool,
		source: source,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs the backup for a trigger. The returned run is always in a
// terminal state. The error reports store or engine anomalies for logging;
// ordinary backup failures are expressed through the run record alone.
func (e *Executor) Execute(ctx context.Context, t queue.Trigger) (*models.Run, error) {
	snap := e.source.Current()
	entry := snap.Job(t.JobID)
	if entry == nil {
		return nil, fmt.Errorf("job %s not in current snapshot", t.JobID)
	}
	job := entry.Job

	run := models.NewRun(job.ID, snap.DeviceID, t.ScheduleID, t.Cause)
	run.SkippedCount = t.SkippedCount

	created := true
	if err := e.store.CreateRun(ctx, run); err != nil {
		created = false
		e.logger.Warn().Err(err).
			Str("run_id", run.ID.String()).
			Msg("could not persist run start, will spool result")
	}

	e.logger.Info().
		Str("run_id", run.ID.String()).
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Str("cause", string(t.Cause)).
		Int("skipped", t.SkippedCount).
		Msg("run started")

	e.runEngine(ctx, run, job, snap.Settings)

	e.close(ctx, run, created)

	e.logger.Info().
		Str("run_id", run.ID.String()).
		Str("status", string(run.Status)).
		Dur("duration", run.Duration()).
		Msg("run finished")
	return run, nil
}

// runEngine invokes the engine and moves the run to its terminal state.
func (e *Executor) runEngine(ctx context.Context, run *models.Run, job *models.BackupJob, settings models.Settings) {
	cfg, err := RepoConfigFromSettings(settings)
	if err != nil {
		run.Fail(-1, err.Error())
		return
	}

	res, err := e.engine.Backup(ctx, cfg, job)
	if res != nil {
		run.Stdout = string(res.Stdout)
		run.Stderr = string(res.Stderr)
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		run.Cancel()
	case err != nil && errors.Is(err, ErrEngineNotFound):
		run.Fail(-1, err.Error())
	case err != nil:
		run.Fail(-1, err.Error())
	case res.ExitCode != 0:
		run.Fail(res.ExitCode, errorText(res))
	default:
		stats, perr := ParseOutput(res.Stdout)
		if perr != nil {
			// Statistics are best-effort; their absence is not a failure.
			e.logger.Warn().Err(perr).
				Str("run_id", run.ID.String()).
				Msg("could not parse engine output")
		}
		run.Complete(0, stats)
	}
}

// close persists the terminal run, spooling it when the store is down.
func (e *Executor) close(ctx context.Context, run *models.Run, created bool) {
	// Persistence must survive caller cancellation during shutdown.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	var storeErr error
	if created {
		storeErr = e.store.UpdateRun(ctx, run)
		if storeErr == nil {
			return
		}
	}

	if e.spool == nil {
		e.logger.Error().Err(storeErr).
			Str("run_id", run.ID.String()).
			Msg("run result lost: store unreachable and no spool configured")
		return
	}

	if err := e.spool.Spool(ctx, run); err != nil {
		e.logger.Error().Err(err).
			Str("run_id", run.ID.String()).
			Msg("run result lost: store unreachable and spool write failed")
		return
	}
	e.logger.Warn().
		Str("run_id", run.ID.String()).
		Msg("run result spooled for later delivery")
}

// errorText picks the most useful diagnostic from a failed invocation.
func errorText(res *Result) string {
	msg := strings.TrimSpace(string(res.Stderr))
	if msg == "" {
		msg = strings.TrimSpace(string(res.Stdout))
	}
	if msg == "" {
		msg = fmt.Sprintf("engine exited with code %d", res.ExitCode)
	}
	return msg
}
