// Package queue serializes backup trigger execution: at most one backup
// runs at a time, triggers dispatch in arrival order, and duplicate
// triggers for a job that has not started yet are coalesced.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/models"
)

// ErrQueueFull is returned when the trigger buffer is at capacity.
var ErrQueueFull = errors.New("trigger queue is full")

// ErrDraining is returned when a trigger arrives after drain began.
var ErrDraining = errors.New("trigger queue is draining")

// ErrDrainTimeout is returned when the in-flight execution did not finish
// within the drain grace period.
var ErrDrainTimeout = errors.New("drain timed out waiting for in-flight execution")

// Trigger is a request to execute one job, tagged with its cause.
type Trigger struct {
	JobID      uuid.UUID
	ScheduleID *uuid.UUID
	Cause      models.TriggerCause
	// SkippedCount carries the number of missed occurrences not replayed
	// when this trigger catches up a backlog.
	SkippedCount int
	EnqueuedAt   time.Time
}

// Executor runs one backup for a trigger. It must always return a closed
// run, even on internal failure.
type Executor interface {
	Execute(ctx context.Context, trigger Trigger) (*models.Run, error)
}

// CompletionFunc is invoked after each execution reaches a terminal state.
type CompletionFunc func(trigger Trigger, run *models.Run)

const defaultCapacity = 64

// Queue is the single-flight dispatch lane. One background goroutine pops
// triggers in FIFO order and invokes the executor; everything else only
// enqueues.
type Queue struct {
	executor   Executor
	onComplete CompletionFunc
	logger     zerolog.Logger

	mu       sync.Mutex
	pending  map[uuid.UUID]*Trigger
	draining bool
	cancel   context.CancelFunc // in-flight execution, nil when idle

	ch     chan uuid.UUID
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue dispatching to the given executor. onComplete may be
// nil.
func New(executor Executor, onComplete CompletionFunc, logger zerolog.Logger) *Queue {
	return &Queue{
		executor:   executor,
		onComplete: onComplete,
		logger:     logger.With().Str("component", "queue").Logger(),
		pending:    make(map[uuid.UUID]*Trigger),
		ch:         make(chan uuid.UUID, defaultCapacity),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.dispatchLoop(ctx)
	q.logger.Info().Msg("trigger queue started")
}

// Enqueue admits a trigger for execution without blocking. If the same job
// already has a trigger queued but not started, the duplicate is coalesced
// and the most specific cause wins: manual overrides schedule and missed.
func (q *Queue) Enqueue(t Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return ErrDraining
	}

	if existing, ok := q.pending[t.JobID]; ok {
		if t.Cause == models.CauseManual {
			existing.Cause = models.CauseManual
		}
		if t.SkippedCount > existing.SkippedCount {
			existing.SkippedCount = t.SkippedCount
		}
		q.logger.Debug().
			Str("job_id", t.JobID.String()).
			Str("cause", string(existing.Cause)).
			Msg("coalesced duplicate trigger")
		return nil
	}

	queued := t
	queued.EnqueuedAt = time.Now()

	select {
	case q.ch <- t.JobID:
		q.pending[t.JobID] = &queued
	default:
		return ErrQueueFull
	}

	q.logger.Debug().
		Str("job_id", t.JobID.String()).
		Str("cause", string(t.Cause)).
		Msg("trigger enqueued")
	return nil
}

// Discard drops any queued-but-not-started trigger for the job. An
// in-flight execution for the job is unaffected.
func (q *Queue) Discard(jobID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[jobID]; ok {
		delete(q.pending, jobID)
		q.logger.Debug().Str("job_id", jobID.String()).Msg("discarded queued trigger")
	}
}

// Pending returns the number of triggers queued but not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain stops accepting new triggers, lets any in-flight execution finish
// within the grace period, then cancels it if still running.
func (q *Queue) Drain(grace time.Duration) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info().Msg("trigger queue drained")
		return nil
	case <-time.After(grace):
	}

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	<-done
	q.logger.Warn().Dur("grace", grace).Msg("drain grace expired, in-flight execution cancelled")
	return ErrDrainTimeout
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case jobID := <-q.ch:
			trigger := q.take(jobID)
			if trigger == nil {
				continue // discarded before dispatch
			}
			q.execute(ctx, *trigger)
		}
	}
}

// take claims a pending trigger for execution, removing it from the
// coalescing set so later triggers for the job queue a fresh execution.
func (q *Queue) take(jobID uuid.UUID) *Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.pending[jobID]
	if !ok {
		return nil
	}
	delete(q.pending, jobID)
	return t
}

func (q *Queue) execute(ctx context.Context, t Trigger) {
	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.cancel = nil
		q.mu.Unlock()
		cancel()
	}()

	run, err := q.executor.Execute(runCtx, t)
	if err != nil {
		q.logger.Error().Err(err).
			Str("job_id", t.JobID.String()).
			Str("cause", string(t.Cause)).
			Msg("backup execution failed")
	}

	if q.onComplete != nil && run != nil {
		q.onComplete(t, run)
	}
}
