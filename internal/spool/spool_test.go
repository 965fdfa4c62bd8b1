package spool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewindhq/rewind/internal/models"
)

type mockRunStore struct {
	mu         sync.Mutex
	created    []uuid.UUID
	updated    []uuid.UUID
	failing    bool
	failCreate bool
	strict     bool // UpdateRun reports missing rows, like the real store
}

func (m *mockRunStore) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("connection refused")
	}
	if m.failCreate {
		return errors.New("insert rejected")
	}
	m.created = append(m.created, run.ID)
	return nil
}

func (m *mockRunStore) UpdateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("connection refused")
	}
	if m.strict && !m.hasCreated(run.ID) {
		return errors.New("run not found")
	}
	m.updated = append(m.updated, run.ID)
	return nil
}

// hasCreated expects m.mu held.
func (m *mockRunStore) hasCreated(id uuid.UUID) bool {
	for _, c := range m.created {
		if c == id {
			return true
		}
	}
	return false
}

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func terminalRun() *models.Run {
	run := models.NewRun(uuid.New(), uuid.New(), nil, models.CauseSchedule)
	run.Complete(0, &models.RunStats{SnapshotID: "abc123"})
	return run
}

func TestSpoolAndPending(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Spool(ctx, terminalRun()))
	require.NoError(t, s.Spool(ctx, terminalRun()))

	n, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSpoolIdempotentPerRun(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()

	run := terminalRun()
	require.NoError(t, s.Spool(ctx, run))
	require.NoError(t, s.Spool(ctx, run))

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "re-spooling the same run must not duplicate it")
}

func TestFlushDeliversInOrder(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()

	first := terminalRun()
	second := terminalRun()
	require.NoError(t, s.Spool(ctx, first))
	require.NoError(t, s.Spool(ctx, second))

	store := &mockRunStore{}
	require.NoError(t, s.Flush(ctx, store))

	require.Len(t, store.updated, 2)
	assert.Equal(t, first.ID, store.updated[0], "spooled runs must deliver in arrival order")
	assert.Equal(t, second.ID, store.updated[1])
	assert.Len(t, store.created, 2, "flush inserts the run before updating it")

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "delivered runs must leave the spool")
}

func TestFlushKeepsEntriesWhenStoreDown(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()

	require.NoError(t, s.Spool(ctx, terminalRun()))

	store := &mockRunStore{failing: true}
	assert.Error(t, s.Flush(ctx, store), "expected flush error while store is down")

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "undelivered run must stay spooled")

	// Store recovers.
	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()

	require.NoError(t, s.Flush(ctx, store))
	n, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlushRetainsRunWhenInsertRejected(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()

	run := terminalRun()
	require.NoError(t, s.Spool(ctx, run))

	// The insert fails for a reason other than a duplicate row, so the
	// follow-up update hits no row and must not count as delivery.
	store := &mockRunStore{failCreate: true, strict: true}
	assert.Error(t, s.Flush(ctx, store))

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "undelivered run must stay spooled")

	store.mu.Lock()
	store.failCreate = false
	store.mu.Unlock()

	require.NoError(t, s.Flush(ctx, store))
	require.Len(t, store.updated, 1)
	assert.Equal(t, run.ID, store.updated[0])

	n, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	run := terminalRun()
	require.NoError(t, s.Spool(ctx, run))
	s.Close()

	reopened, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "spool must survive restart")

	store := &mockRunStore{}
	require.NoError(t, reopened.Flush(ctx, store))
	require.Len(t, store.updated, 1)
	assert.Equal(t, run.ID, store.updated[0], "reopened spool must deliver the original run")
}
