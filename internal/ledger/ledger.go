// Package ledger keeps an append-only SQLite record of every completed
// cycle. It mirrors the state file for reporting (daily revenue, totals)
// and is never the source of truth for the agent's state.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "maxsats-ledger-v1-cycles"

	dayLayout = "2006-01-02"
)

// CycleEntry is one completed cycle.
type CycleEntry struct {
	RunID      string
	At         time.Time
	BalanceSat int64
	ActionKind string
	Result     string
	Detail     string
	Learning   string
}

// Stats summarises the whole ledger.
type Stats struct {
	TotalRuns       int64
	Successes       int64
	Failures        int64
	FirstBalanceSat int64
	LastBalanceSat  int64
	AllTimeEarnings int64
	FirstRunAt      time.Time
	LastRunAt       time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported %d", current, schemaVersion)
	}
	if current == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read migration checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("ledger schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			at TEXT NOT NULL,
			day TEXT NOT NULL,
			balance_sat INTEGER NOT NULL,
			action_kind TEXT NOT NULL,
			result TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			learning TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_day ON cycles(day, id);
	`); err != nil {
		return fmt.Errorf("create cycles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// RecordCycle appends e. Recording the same run twice is a no-op.
func (s *Store) RecordCycle(ctx context.Context, e CycleEntry) error {
	if e.RunID == "" {
		return errors.New("record cycle: empty run id")
	}
	at := e.At.UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cycles (run_id, at, day, balance_sat, action_kind, result, detail, learning)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO NOTHING;
		`, e.RunID, at.Format(time.RFC3339Nano), at.Format(dayLayout), e.BalanceSat, e.ActionKind, e.Result, e.Detail, e.Learning)
		if err != nil {
			return fmt.Errorf("record cycle: %w", err)
		}
		return nil
	})
}

// DailyRevenue is the last recorded balance of the UTC day containing day
// minus the first one. Fewer than two cycles that day yields zero.
func (s *Store) DailyRevenue(ctx context.Context, day time.Time) (int64, error) {
	key := day.UTC().Format(dayLayout)
	var n int64
	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			(SELECT balance_sat FROM cycles WHERE day = ?1 ORDER BY id ASC LIMIT 1),
			(SELECT balance_sat FROM cycles WHERE day = ?1 ORDER BY id DESC LIMIT 1)
		FROM cycles WHERE day = ?1;
	`, key).Scan(&n, &first, &last)
	if err != nil {
		return 0, fmt.Errorf("daily revenue: %w", err)
	}
	if n < 2 {
		return 0, nil
	}
	return last.Int64 - first.Int64, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var firstAt, lastAt sql.NullString
	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN result = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result = 'failure' THEN 1 ELSE 0 END), 0),
			(SELECT balance_sat FROM cycles ORDER BY id ASC LIMIT 1),
			(SELECT balance_sat FROM cycles ORDER BY id DESC LIMIT 1),
			(SELECT at FROM cycles ORDER BY id ASC LIMIT 1),
			(SELECT at FROM cycles ORDER BY id DESC LIMIT 1)
		FROM cycles;
	`).Scan(&st.TotalRuns, &st.Successes, &st.Failures, &first, &last, &firstAt, &lastAt)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	st.FirstBalanceSat = first.Int64
	st.LastBalanceSat = last.Int64
	st.AllTimeEarnings = st.LastBalanceSat - st.FirstBalanceSat
	if firstAt.Valid {
		st.FirstRunAt, _ = time.Parse(time.RFC3339Nano, firstAt.String)
	}
	if lastAt.Valid {
		st.LastRunAt, _ = time.Parse(time.RFC3339Nano, lastAt.String)
	}
	return st, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]CycleEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, at, balance_sat, action_kind, result, detail, learning
		FROM cycles ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleEntry
	for rows.Next() {
		var e CycleEntry
		var at string
		if err := rows.Scan(&e.RunID, &at, &e.BalanceSat, &e.ActionKind, &e.Result, &e.Detail, &e.Learning); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with capped
// exponential backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
