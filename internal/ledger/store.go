// Package ledger persists per-image job state in SQLite so an interrupted
// batch can resume. Current state lives in job_records; every transition is
// appended to job_events and nothing is ever deleted.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/cloudmask/internal/monitoring"
	"github.com/banshee-data/cloudmask/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Store is a SQLite-backed ledger.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for run and event timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens (creating if needed) the ledger at path and applies pending
// migrations.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger %s: %s: %w", path, p, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Diagf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Load returns every record keyed by image id.
func (s *Store) Load(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT image_id, status, task_id, last_error, attempts, updated_at_ms
		FROM job_records`)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var r Record
		var status string
		var updated int64
		if err := rows.Scan(&r.ImageID, &status, &r.TaskID, &r.LastError, &r.Attempts, &updated); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		if r.Status, err = ParseStatus(status); err != nil {
			return nil, fmt.Errorf("job record %s: %w", r.ImageID, err)
		}
		r.UpdatedAt = fromMS(updated)
		out[r.ImageID] = r
	}
	return out, rows.Err()
}

// Commit writes b in a single transaction. Records are upserted; events
// and method errors are appended.
func (s *Store) Commit(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger commit: %w", err)
	}
	defer tx.Rollback()

	for _, r := range b.Records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_records (image_id, status, task_id, last_error, attempts, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(image_id) DO UPDATE SET
				status = excluded.status,
				task_id = excluded.task_id,
				last_error = excluded.last_error,
				attempts = excluded.attempts,
				updated_at_ms = excluded.updated_at_ms`,
			r.ImageID, string(r.Status), r.TaskID, r.LastError, r.Attempts, ms(r.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert job record %s: %w", r.ImageID, err)
		}
	}
	for _, e := range b.Events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_events (run_id, image_id, from_status, to_status, detail, at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.RunID, e.ImageID, string(e.From), string(e.To), e.Detail, ms(e.At)); err != nil {
			return fmt.Errorf("append job event %s: %w", e.ImageID, err)
		}
	}
	for _, m := range b.MethodErrors {
		if err := insertMethodError(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMethodError(ctx context.Context, db execer, m MethodError) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO method_errors (run_id, method, image_id, message, at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		m.RunID, m.Method, m.ImageID, m.Message, ms(m.At)); err != nil {
		return fmt.Errorf("record method error %s/%s: %w", m.Method, m.ImageID, err)
	}
	return nil
}

// MethodErrors lists the method errors of a run, or of every run when
// runID is empty, oldest first.
func (s *Store) MethodErrors(ctx context.Context, runID string) ([]MethodError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, method, image_id, message, at_ms
		FROM method_errors
		WHERE ? = '' OR run_id = ?
		ORDER BY method_error_id`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("query method errors: %w", err)
	}
	defer rows.Close()

	var out []MethodError
	for rows.Next() {
		var m MethodError
		var at int64
		if err := rows.Scan(&m.RunID, &m.Method, &m.ImageID, &m.Message, &at); err != nil {
			return nil, fmt.Errorf("scan method error: %w", err)
		}
		m.At = fromMS(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Events returns the transition history of one image, oldest first.
func (s *Store) Events(ctx context.Context, imageID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, image_id, from_status, to_status, detail, at_ms
		FROM job_events
		WHERE image_id = ?
		ORDER BY event_id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var from, to string
		var at int64
		if err := rows.Scan(&e.RunID, &e.ImageID, &from, &to, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		e.From, e.To = Status(from), Status(to)
		e.At = fromMS(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartRun records the start of an orchestrator run.
func (s *Store) StartRun(ctx context.Context, configJSON string) (Run, error) {
	r := Run{ID: uuid.NewString(), ConfigJSON: configJSON, StartedAt: s.clock.Now()}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, config_json, started_at_ms) VALUES (?, ?, ?)`,
		r.ID, r.ConfigJSON, ms(r.StartedAt)); err != nil {
		return Run{}, fmt.Errorf("start run: %w", err)
	}
	return r, nil
}

// FinishRun stores the final counters of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, sum Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at_ms = ?, completed = ?, failed = ?, out_of_area = ?, structural = ?
		WHERE run_id = ?`,
		ms(s.clock.Now()), sum.Completed, sum.Failed, sum.OutOfArea, sum.Structural, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", runID)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, config_json, started_at_ms, finished_at_ms, completed, failed, out_of_area, structural
		FROM runs WHERE run_id = ?`, runID).Scan(
		&r.ID, &r.ConfigJSON, &started, &finished,
		&r.Summary.Completed, &r.Summary.Failed, &r.Summary.OutOfArea, &r.Summary.Structural)
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	r.StartedAt = fromMS(started)
	if finished.Valid {
		r.FinishedAt = fromMS(finished.Int64)
	}
	return r, nil
}
