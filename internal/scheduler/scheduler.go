package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/models"
	"github.com/rewindhq/rewind/internal/queue"
)

// DefaultTick is the evaluation period when settings do not override it.
const DefaultTick = 60 * time.Second

// SnapshotSource yields the current configuration snapshot.
type SnapshotSource interface {
	Current() *models.Snapshot
}

// TriggerSink accepts due and missed triggers for execution.
type TriggerSink interface {
	Enqueue(t queue.Trigger) error
}

// ScheduleStore persists schedule run-time bookkeeping.
type ScheduleStore interface {
	UpdateScheduleRunTimes(ctx context.Context, scheduleID uuid.UUID, lastRunAt, nextRunAt *time.Time) error
}

// scheduleState is the mutable bookkeeping for one admitted schedule. The
// snapshot itself is immutable; run state lives here.
type scheduleState struct {
	schedule *models.Schedule
	lastRun  *time.Time
	nextRun  *time.Time
	// pending is set while a trigger for this schedule is queued or
	// executing, so later ticks do not re-fire it.
	pending bool
}

// Scheduler evaluates all known schedules every tick and feeds due and
// missed triggers into the queue. Completion notifications update each
// schedule's last/next run bookkeeping.
type Scheduler struct {
	source SnapshotSource
	sink   TriggerSink
	store  ScheduleStore
	logger zerolog.Logger

	mu    sync.Mutex
	state map[uuid.UUID]*scheduleState

	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler. store may be nil, in which case bookkeeping is
// kept in memory only.
func New(source SnapshotSource, sink TriggerSink, store ScheduleStore, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		source: source,
		sink:   sink,
		store:  store,
		logger: logger.With().Str("component", "scheduler").Logger(),
		state:  make(map[uuid.UUID]*scheduleState),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info().Msg("scheduler started")
}

// Stop halts the tick loop. In-flight work is the queue's concern.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		tick := DefaultTick
		if snap := s.source.Current(); snap != nil {
			tick = snap.Settings.Seconds(models.SettingSchedulerTick, DefaultTick)
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(tick):
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule of every enabled job in the current
// snapshot, submitting one trigger per newly due or missed schedule.
func (s *Scheduler) Tick(ctx context.Context) {
	snap := s.source.Current()
	if snap == nil {
		return
	}
	now := s.now()
	grace := snap.Settings.Seconds(models.SettingMissedRunGrace, DefaultGracePeriod)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncState(snap, now)

	for _, entry := range snap.Jobs {
		for _, sched := range entry.Schedules {
			st := s.state[sched.ID]
			if st == nil {
				continue
			}
			// Disabled schedules and jobs are skipped entirely; their
			// bookkeeping is preserved so re-enabling resumes correctly.
			if !sched.Enabled || !entry.Job.Enabled {
				continue
			}
			if st.pending {
				continue
			}

			s.evaluate(ctx, entry.Job, st, now, grace)
		}
	}
}

// evaluate fires one trigger for a due or missed schedule. Caller holds the
// lock.
func (s *Scheduler) evaluate(ctx context.Context, job *models.BackupJob, st *scheduleState, now time.Time, grace time.Duration) {
	if st.nextRun == nil {
		next, err := NextRun(st.schedule, st.lastRun, now)
		if err != nil {
			// Admission validation makes this unreachable for snapshots
			// built by the reconciler.
			s.logger.Error().Err(err).
				Str("schedule_id", st.schedule.ID.String()).
				Msg("cannot compute next run time")
			return
		}
		st.nextRun = &next
		s.persistRunTimes(ctx, st)
	}

	missed := DetectMissed(st.schedule, st.nextRun, st.lastRun, now, grace)

	var trigger queue.Trigger
	switch {
	case missed.Missed:
		trigger = queue.Trigger{
			JobID:        job.ID,
			ScheduleID:   &st.schedule.ID,
			Cause:        models.CauseMissed,
			SkippedCount: missed.Skipped,
		}
		if missed.Skipped > 0 {
			s.logger.Warn().
				Str("schedule_id", st.schedule.ID.String()).
				Str("job_name", job.Name).
				Int("skipped", missed.Skipped).
				Msg("replaying most recent missed occurrence, skipping backlog")
		}
	case !st.nextRun.After(now):
		trigger = queue.Trigger{
			JobID:      job.ID,
			ScheduleID: &st.schedule.ID,
			Cause:      models.CauseSchedule,
		}
	default:
		return
	}

	if err := s.sink.Enqueue(trigger); err != nil {
		s.logger.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("cause", string(trigger.Cause)).
			Msg("could not enqueue trigger")
		return
	}
	st.pending = true

	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Str("schedule_id", st.schedule.ID.String()).
		Str("cause", string(trigger.Cause)).
		Time("due_at", *st.nextRun).
		Msg("triggered backup")
}

// syncState aligns the bookkeeping table with the snapshot: new schedules
// are seeded from their stored run times, changed definitions recompute
// their next run, and schedules gone from the snapshot drop out. Caller
// holds the lock.
func (s *Scheduler) syncState(snap *models.Snapshot, now time.Time) {
	seen := make(map[uuid.UUID]struct{})

	for _, entry := range snap.Jobs {
		for _, sched := range entry.Schedules {
			seen[sched.ID] = struct{}{}

			st, ok := s.state[sched.ID]
			if !ok {
				s.state[sched.ID] = &scheduleState{
					schedule: sched,
					lastRun:  sched.LastRunAt,
					nextRun:  sched.NextRunAt,
				}
				continue
			}
			if st.schedule != sched {
				// The reconciler reuses structs for unchanged definitions,
				// so a new struct means the definition changed.
				st.schedule = sched
				st.nextRun = nil
			}
		}
	}

	for id := range s.state {
		if _, ok := seen[id]; !ok {
			delete(s.state, id)
		}
	}
}

// OnComplete records a dispatched trigger's terminal run against its
// schedule and recomputes the next run time. Manual triggers carry no
// schedule and never alter schedule bookkeeping.
func (s *Scheduler) OnComplete(t queue.Trigger, run *models.Run) {
	if t.ScheduleID == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[*t.ScheduleID]
	if st == nil {
		// Schedule removed while its run was in flight.
		return
	}
	st.pending = false

	// A cancelled run never happened from the schedule's point of view; it
	// stays due and refires after restart.
	if run.Status == models.RunStatusCancelled {
		return
	}

	started := run.StartedAt
	st.lastRun = &started

	next, err := NextRun(st.schedule, st.lastRun, s.now())
	if err != nil {
		s.logger.Error().Err(err).
			Str("schedule_id", st.schedule.ID.String()).
			Msg("cannot recompute next run time")
		return
	}
	st.nextRun = &next

	s.persistRunTimes(context.Background(), st)

	s.logger.Debug().
		Str("schedule_id", st.schedule.ID.String()).
		Time("last_run_at", started).
		Time("next_run_at", next).
		Msg("schedule bookkeeping updated")
}

// persistRunTimes writes bookkeeping to the store, best-effort. Caller
// holds the lock.
func (s *Scheduler) persistRunTimes(ctx context.Context, st *scheduleState) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateScheduleRunTimes(ctx, st.schedule.ID, st.lastRun, st.nextRun); err != nil {
		s.logger.Warn().Err(err).
			Str("schedule_id", st.schedule.ID.String()).
			Msg("could not persist schedule run times")
	}
}
