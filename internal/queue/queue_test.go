package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rewindhq/rewind/internal/models"
)

// stubExecutor records executions and can simulate slow backups.
type stubExecutor struct {
	mu        sync.Mutex
	executed  []Trigger
	delay     time.Duration
	inFlight  int32
	overlap   atomic.Bool
	startedCh chan Trigger
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{startedCh: make(chan Trigger, 16)}
}

func (e *stubExecutor) Execute(ctx context.Context, t Trigger) (*models.Run, error) {
	if atomic.AddInt32(&e.inFlight, 1) > 1 {
		e.overlap.Store(true)
	}
	defer atomic.AddInt32(&e.inFlight, -1)

	e.mu.Lock()
	e.executed = append(e.executed, t)
	e.mu.Unlock()
	e.startedCh <- t

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			run := models.NewRun(t.JobID, uuid.New(), t.ScheduleID, t.Cause)
			run.Cancel()
			return run, ctx.Err()
		}
	}

	run := models.NewRun(t.JobID, uuid.New(), t.ScheduleID, t.Cause)
	run.Complete(0, &models.RunStats{})
	return run, nil
}

func (e *stubExecutor) executions() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trigger, len(e.executed))
	copy(out, e.executed)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueSingleFlight(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 50 * time.Millisecond

	q := New(exec, nil, zerolog.Nop())
	q.Start(context.Background())
	defer q.Drain(time.Second)

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(Trigger{JobID: uuid.New(), Cause: models.CauseSchedule}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitFor(t, func() bool { return len(exec.executions()) == 5 })
	if exec.overlap.Load() {
		t.Error("observed overlapping executions; queue must be single-flight")
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 10 * time.Millisecond

	var mu sync.Mutex
	var completed []uuid.UUID
	q := New(exec, func(tr Trigger, _ *models.Run) {
		mu.Lock()
		completed = append(completed, tr.JobID)
		mu.Unlock()
	}, zerolog.Nop())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if err := q.Enqueue(Trigger{JobID: id, Cause: models.CauseSchedule}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Start(context.Background())
	defer q.Drain(time.Second)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if completed[i] != id {
			t.Errorf("position %d: expected %s, got %s", i, id, completed[i])
		}
	}
}

func TestQueueCoalescesDuplicateManualWins(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 100 * time.Millisecond

	q := New(exec, nil, zerolog.Nop())

	blocker := Trigger{JobID: uuid.New(), Cause: models.CauseSchedule}
	target := uuid.New()

	if err := q.Enqueue(blocker); err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	if err := q.Enqueue(Trigger{JobID: target, Cause: models.CauseSchedule}); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}
	if err := q.Enqueue(Trigger{JobID: target, Cause: models.CauseManual}); err != nil {
		t.Fatalf("enqueue manual duplicate: %v", err)
	}
	if got := q.Pending(); got != 2 {
		t.Fatalf("expected 2 pending after coalescing, got %d", got)
	}

	q.Start(context.Background())
	defer q.Drain(2 * time.Second)

	waitFor(t, func() bool { return len(exec.executions()) == 2 })

	execs := exec.executions()
	var targetExecs []Trigger
	for _, tr := range execs {
		if tr.JobID == target {
			targetExecs = append(targetExecs, tr)
		}
	}
	if len(targetExecs) != 1 {
		t.Fatalf("expected exactly one execution for coalesced job, got %d", len(targetExecs))
	}
	if targetExecs[0].Cause != models.CauseManual {
		t.Errorf("manual cause should win, got %s", targetExecs[0].Cause)
	}
}

func TestQueueDiscardDropsQueuedTrigger(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 100 * time.Millisecond

	q := New(exec, nil, zerolog.Nop())

	blocker := uuid.New()
	removed := uuid.New()
	if err := q.Enqueue(Trigger{JobID: blocker, Cause: models.CauseSchedule}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Trigger{JobID: removed, Cause: models.CauseSchedule}); err != nil {
		t.Fatal(err)
	}
	q.Discard(removed)

	q.Start(context.Background())
	defer q.Drain(2 * time.Second)

	waitFor(t, func() bool { return len(exec.executions()) >= 1 })
	time.Sleep(150 * time.Millisecond)

	for _, tr := range exec.executions() {
		if tr.JobID == removed {
			t.Error("discarded trigger must not execute")
		}
	}
}

func TestQueueDrainRejectsNewTriggers(t *testing.T) {
	exec := newStubExecutor()
	q := New(exec, nil, zerolog.Nop())
	q.Start(context.Background())

	if err := q.Drain(time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := q.Enqueue(Trigger{JobID: uuid.New(), Cause: models.CauseManual}); !errors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining, got %v", err)
	}
}

func TestQueueDrainCancelsSlowExecution(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 10 * time.Second

	q := New(exec, nil, zerolog.Nop())
	q.Start(context.Background())

	if err := q.Enqueue(Trigger{JobID: uuid.New(), Cause: models.CauseSchedule}); err != nil {
		t.Fatal(err)
	}
	<-exec.startedCh

	start := time.Now()
	err := q.Drain(50 * time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Errorf("expected ErrDrainTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("drain did not cancel the in-flight execution promptly")
	}
}

func TestQueueCompletionNotification(t *testing.T) {
	exec := newStubExecutor()

	ch := make(chan *models.Run, 1)
	q := New(exec, func(_ Trigger, run *models.Run) { ch <- run }, zerolog.Nop())
	q.Start(context.Background())
	defer q.Drain(time.Second)

	jobID := uuid.New()
	if err := q.Enqueue(Trigger{JobID: jobID, Cause: models.CauseSchedule}); err != nil {
		t.Fatal(err)
	}

	select {
	case run := <-ch:
		if run.JobID != jobID {
			t.Errorf("completion for wrong job: %s", run.JobID)
		}
		if !run.IsTerminal() {
			t.Error("completed run must be terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion notification")
	}
}
