// Package runlog records pipeline runs and their phases in SQLite so an
// interrupted run can be resumed.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Status is the state of a run or phase.
type Status string

// Run and phase states.
const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Phase is one recorded pipeline phase.
type Phase struct {
	Name        string
	Status      Status
	Detail      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Run is one recorded pipeline run.
type Run struct {
	ID          string
	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time
	Phases      []Phase
}

// Log is a SQLite-backed run log.
type Log struct {
	db *sql.DB
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS run_phases (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	phase        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	detail       TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	PRIMARY KEY (run_id, phase)
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Open opens (creating if needed) the run log at path.
func Open(ctx context.Context, path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "runlog: create directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "runlog: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "runlog: migrate")
	}
	return &Log{db: db}, nil
}

// Close releases the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Start records a new run.
func (l *Log) Start(ctx context.Context) (Run, error) {
	r := Run{ID: uuid.New().String(), Status: StatusRunning, StartedAt: time.Now().UTC()}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		r.ID, string(r.Status), r.StartedAt,
	)
	if err != nil {
		return Run{}, eris.Wrap(err, "runlog: insert run")
	}
	return r, nil
}

// Resume returns the most recent run when it did not complete. ok is false
// when there is no run or the latest one completed.
func (l *Log) Resume(ctx context.Context) (run Run, ok bool, err error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, completed_at FROM runs
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	)
	run, err = scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, eris.Wrap(err, "runlog: latest run")
	}
	if run.Status == StatusComplete {
		return Run{}, false, nil
	}

	if _, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = NULL WHERE id = ?`,
		string(StatusRunning), run.ID,
	); err != nil {
		return Run{}, false, eris.Wrapf(err, "runlog: reopen run %s", run.ID)
	}
	run.Status = StatusRunning
	run.CompletedAt = nil
	return run, true, nil
}

// PhaseStart marks phase as running, resetting any earlier attempt.
func (l *Log) PhaseStart(ctx context.Context, runID, phase string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_phases (run_id, phase, status, detail, started_at) VALUES (?, ?, ?, '', ?)
		 ON CONFLICT (run_id, phase) DO UPDATE SET
			status = excluded.status, detail = '', started_at = excluded.started_at, completed_at = NULL`,
		runID, phase, string(StatusRunning), time.Now().UTC(),
	)
	return eris.Wrapf(err, "runlog: start phase %s", phase)
}

// PhaseComplete marks phase as complete with a short detail message.
func (l *Log) PhaseComplete(ctx context.Context, runID, phase, detail string) error {
	return l.endPhase(ctx, runID, phase, StatusComplete, detail)
}

// PhaseFail marks phase as failed with the cause.
func (l *Log) PhaseFail(ctx context.Context, runID, phase string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return l.endPhase(ctx, runID, phase, StatusFailed, detail)
}

func (l *Log) endPhase(ctx context.Context, runID, phase string, st Status, detail string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE run_phases SET status = ?, detail = ?, completed_at = ? WHERE run_id = ? AND phase = ?`,
		string(st), detail, time.Now().UTC(), runID, phase,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: end phase %s", phase)
	}
	return checkRowsAffected(res, "phase", runID+"/"+phase)
}

// Completed returns the phases of runID that finished successfully.
func (l *Log) Completed(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT phase FROM run_phases WHERE run_id = ? AND status = ?`,
		runID, string(StatusComplete),
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: completed phases")
	}
	defer rows.Close() //nolint:errcheck

	done := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, eris.Wrap(err, "runlog: scan phase")
		}
		done[p] = true
	}
	return done, eris.Wrap(rows.Err(), "runlog: completed phases iterate")
}

// Finish closes runID with st.
func (l *Log) Finish(ctx context.Context, runID string, st Status) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(st), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// List returns up to limit runs, newest first, with their phases.
func (l *Log) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, status, started_at, completed_at FROM runs
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		runs = append(runs, r)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "runlog: list runs iterate")
	}

	for i := range runs {
		if runs[i].Phases, err = l.phases(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (l *Log) phases(ctx context.Context, runID string) ([]Phase, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT phase, status, detail, started_at, completed_at FROM run_phases
		 WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: phases of %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []Phase
	for rows.Next() {
		var p Phase
		var status string
		var completed sql.NullTime
		if err := rows.Scan(&p.Name, &status, &p.Detail, &p.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "runlog: scan phase")
		}
		p.Status = Status(status)
		if completed.Valid {
			p.CompletedAt = &completed.Time
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "runlog: phases iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (Run, error) {
	var r Run
	var status string
	var completed sql.NullTime
	if err := row.Scan(&r.ID, &status, &r.StartedAt, &completed); err != nil {
		return Run{}, err
	}
	r.Status = Status(status)
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return r, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "runlog: rows affected")
	}
	if n == 0 {
		return eris.Errorf("runlog: %s not found: %s", entity, id)
	}
	return nil
}
