// Package history journals child process generations in SQLite so operators
// can see when the child was started, became ready and exited.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a generation has no journal row.
var ErrRunNotFound = errors.New("run not found")

// Run is one child process generation.
type Run struct {
	Generation string     `json:"generation"`
	PID        int        `json:"pid"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	Port       *int       `json:"port,omitempty"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// Store reads and writes process_runs.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordSpawn inserts a row for a freshly spawned generation.
func (s *Store) RecordSpawn(ctx context.Context, generation string, pid int, trigger string, at time.Time) error {
	if generation == "" {
		return fmt.Errorf("generation is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO process_runs(generation, pid, cause, started_at, status)
VALUES(?, ?, ?, ?, 'starting');
`, generation, pid, trigger, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record spawn: %w", err)
	}
	return nil
}

// RecordReady marks a generation as serving on port.
func (s *Store) RecordReady(ctx context.Context, generation string, port int, at time.Time) error {
	return s.update(ctx, "record ready", `
UPDATE process_runs SET ready_at = ?, port = ?, status = 'started'
WHERE generation = ?;
`, at.UTC().Format(time.RFC3339Nano), port, generation)
}

// RecordExit stores the exit code and final status of a generation.
func (s *Store) RecordExit(ctx context.Context, generation string, code int, status string, at time.Time) error {
	return s.update(ctx, "record exit", `
UPDATE process_runs SET exited_at = ?, exit_code = ?, status = ?
WHERE generation = ?;
`, at.UTC().Format(time.RFC3339Nano), code, status, generation)
}

func (s *Store) update(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrRunNotFound)
	}
	return nil
}

// Get returns a single generation.
func (s *Store) Get(ctx context.Context, generation string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT generation, pid, cause, status, started_at, ready_at, port, exited_at, exit_code
FROM process_runs WHERE generation = ?;
`, generation)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// Recent returns up to limit generations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT generation, pid, cause, status, started_at, ready_at, port, exited_at, exit_code
FROM process_runs
ORDER BY rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r          Run
		startedAtS string
		readyAtS   sql.NullString
		port       sql.NullInt64
		exitedAtS  sql.NullString
		exitCode   sql.NullInt64
	)
	if err := row.Scan(&r.Generation, &r.PID, &r.Trigger, &r.Status, &startedAtS, &readyAtS, &port, &exitedAtS, &exitCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if readyAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, readyAtS.String); err == nil {
			r.ReadyAt = &t
		}
	}
	if port.Valid {
		p := int(port.Int64)
		r.Port = &p
	}
	if exitedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, exitedAtS.String); err == nil {
			r.ExitedAt = &t
		}
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	return &r, nil
}
