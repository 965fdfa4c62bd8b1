// Package spool persists terminal run results locally while the remote
// store is unreachable, and delivers them once it recovers.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rewindhq/rewind/internal/models"
)

// RunStore is the destination spooled runs are delivered to.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
}

// DefaultFlushInterval is how often delivery is attempted.
const DefaultFlushInterval = 30 * time.Second

// Spool is a SQLite-backed holding area for run results.
type Spool struct {
	db     *sql.DB
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates or opens the spool database inside dataDir.
func Open(dataDir string, logger zerolog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "spool.db")

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open spool database: %w", err)
	}

	s := &Spool{
		db:     db,
		logger: logger.With().Str("component", "spool").Logger(),
		stopCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate spool database: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("run spool initialized")
	return s, nil
}

func (s *Spool) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS spooled_runs (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			queued_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_spooled_runs_queued_at ON spooled_runs(queued_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the spool database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Spool stores a terminal run for later delivery.
func (s *Spool) Spool(ctx context.Context, run *models.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO spooled_runs (id, payload, queued_at)
		VALUES (?, ?, ?)
	`, run.ID.String(), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("spool run: %w", err)
	}

	s.logger.Info().Str("run_id", run.ID.String()).Msg("run spooled")
	return nil
}

// Pending returns the number of undelivered runs.
func (s *Spool) Pending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_runs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count spooled runs: %w", err)
	}
	return count, nil
}

// Flush delivers spooled runs to the store in arrival order. Delivery stops
// at the first store failure; remaining entries wait for the next cycle.
func (s *Spool) Flush(ctx context.Context, store RunStore) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM spooled_runs ORDER BY queued_at
	`)
	if err != nil {
		return fmt.Errorf("list spooled runs: %w", err)
	}

	type entry struct {
		id      string
		payload string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan spooled run: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		var run models.Run
		if err := json.Unmarshal([]byte(e.payload), &run); err != nil {
			// Unreadable entry will never deliver; drop it.
			s.logger.Error().Err(err).Str("run_id", e.id).Msg("dropping corrupt spool entry")
			s.delete(ctx, e.id)
			continue
		}

		// The run row may or may not exist remotely, depending on whether
		// the outage started before or after run creation.
		_ = store.CreateRun(ctx, &run)
		if err := store.UpdateRun(ctx, &run); err != nil {
			s.recordFailure(ctx, e.id, err)
			s.logger.Warn().Err(err).Str("run_id", e.id).Msg("store still unreachable, keeping spool")
			return fmt.Errorf("deliver spooled run %s: %w", e.id, err)
		}

		s.delete(ctx, e.id)
		s.logger.Info().Str("run_id", e.id).Msg("spooled run delivered")
	}

	return nil
}

// StartFlusher launches periodic delivery attempts.
func (s *Spool) StartFlusher(ctx context.Context, store RunStore, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := s.Pending(ctx)
				if err != nil || pending == 0 {
					continue
				}
				if err := s.Flush(ctx, store); err != nil {
					s.logger.Debug().Err(err).Msg("spool flush incomplete")
				}
			}
		}
	}()
}

// StopFlusher halts the background delivery loop.
func (s *Spool) StopFlusher() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Spool) delete(ctx context.Context, id string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spooled_runs WHERE id = ?`, id); err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("could not delete spool entry")
	}
}

func (s *Spool) recordFailure(ctx context.Context, id string, deliveryErr error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE spooled_runs SET retry_count = retry_count + 1, last_error = ? WHERE id = ?
	`, deliveryErr.Error(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("could not record delivery failure")
	}
}
