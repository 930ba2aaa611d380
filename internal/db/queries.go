package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

// Run represents a row in the runs table.
type Run struct {
	ID         string `json:"id"`
	Units      int    `json:"units"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// AttemptRow represents a row in the attempts table. Test text is kept in
// the candidate store; only its size is mirrored.
type AttemptRow struct {
	ID              int      `json:"id"`
	RunID           string   `json:"run_id"`
	Unit            string   `json:"unit"`
	Seq             int      `json:"seq"`
	Stage           string   `json:"stage"`
	Digest          string   `json:"digest,omitempty"`
	FailureKind     string   `json:"failure_kind,omitempty"`
	Signature       string   `json:"signature,omitempty"`
	Location        string   `json:"location,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
	Note            string   `json:"note,omitempty"`
	TextBytes       int      `json:"text_bytes"`
	CreatedAt       string   `json:"created_at"`
}

// OutcomeRow represents a row in the outcomes table.
type OutcomeRow struct {
	ID              int      `json:"id"`
	RunID           string   `json:"run_id"`
	Unit            string   `json:"unit"`
	Kind            string   `json:"kind"`
	Reason          string   `json:"reason,omitempty"`
	Detail          string   `json:"detail,omitempty"`
	Attempts        int      `json:"attempts"`
	RepairCycles    int      `json:"repair_cycles"`
	GuardFirings    int      `json:"guard_firings"`
	FailureKind     string   `json:"failure_kind,omitempty"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
	LinesFound      *int     `json:"lines_found,omitempty"`
	LinesHit        *int     `json:"lines_hit,omitempty"`
	Resumed         bool     `json:"resumed"`
	RecordedAt      string   `json:"recorded_at"`
}

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int    `json:"id"`
	RunID     string `json:"run_id"`
	Unit      string `json:"unit,omitempty"`
	Event     string `json:"event"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Seq       int    `json:"seq"`
	Budget    int    `json:"budget"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StartRun inserts a run in the running state.
func (d *DB) StartRun(ctx context.Context, id string, units int, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, d.Rebind(
		`INSERT INTO runs (id, units, status, started_at) VALUES (?, ?, 'running', ?)`),
		id, units, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished, or failed when detail is non-empty.
func (d *DB) FinishRun(ctx context.Context, id, detail string, at time.Time) error {
	status := "finished"
	if detail != "" {
		status = "failed"
	}
	res, err := d.conn.ExecContext(ctx, d.Rebind(
		`UPDATE runs SET status = ?, detail = ?, finished_at = ? WHERE id = ?`),
		status, nullString(detail), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("finish run %s: not found", id)
	}
	return nil
}

// GetRun returns a run by id, or nil if it does not exist.
func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := d.conn.QueryRowContext(ctx, d.Rebind(
		`SELECT id, units, status, detail, started_at, finished_at FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(
		`SELECT id, units, status, detail, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var detail, finished sql.NullString
	if err := s.Scan(&r.ID, &r.Units, &r.Status, &detail, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.Detail = detail.String
	r.FinishedAt = finished.String
	return &r, nil
}

// LogAttempt mirrors an attempt. Re-logging the same unit and sequence is a
// no-op.
func (d *DB) LogAttempt(ctx context.Context, a candidate.Attempt) error {
	var kind, sig, loc sql.NullString
	var exitCode sql.NullInt64
	var cov sql.NullFloat64
	if a.Diagnostic != nil {
		kind = nullString(string(a.Diagnostic.Kind))
		sig = nullString(a.Diagnostic.Signature)
		loc = nullString(a.Diagnostic.Location)
		exitCode = sql.NullInt64{Int64: int64(a.Diagnostic.ExitCode), Valid: true}
	}
	if a.Coverage != nil {
		cov = sql.NullFloat64{Float64: a.Coverage.Percent, Valid: true}
	}
	_, err := d.conn.ExecContext(ctx, d.Rebind(
		`INSERT INTO attempts (run_id, unit, seq, stage, digest, failure_kind, signature, location, exit_code, coverage_percent, note, text_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (unit, seq) DO NOTHING`),
		a.RunID, a.Unit, a.Seq, string(a.Stage), nullString(a.Digest), kind, sig, loc, exitCode, cov,
		nullString(a.Note), len(a.Text), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log attempt: %w", err)
	}
	return nil
}

// GetAttempts returns a unit's mirrored attempts in sequence order.
func (d *DB) GetAttempts(ctx context.Context, unit string) ([]AttemptRow, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(
		`SELECT id, run_id, unit, seq, stage, digest, failure_kind, signature, location, exit_code, coverage_percent, note, text_bytes, created_at
		 FROM attempts WHERE unit = ? ORDER BY seq`), unit)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var r AttemptRow
		var digest, kind, sig, loc, note sql.NullString
		var exitCode sql.NullInt64
		var cov sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Unit, &r.Seq, &r.Stage, &digest, &kind, &sig, &loc,
			&exitCode, &cov, &note, &r.TextBytes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.Digest = digest.String
		r.FailureKind = kind.String
		r.Signature = sig.String
		r.Location = loc.String
		r.Note = note.String
		if exitCode.Valid {
			v := int(exitCode.Int64)
			r.ExitCode = &v
		}
		if cov.Valid {
			v := cov.Float64
			r.CoveragePercent = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogOutcome mirrors an outcome. A second outcome for the same run and unit
// is ignored.
func (d *DB) LogOutcome(ctx context.Context, o candidate.Outcome) error {
	var kind sql.NullString
	var cov sql.NullFloat64
	var found, hit sql.NullInt64
	if o.Diagnostic != nil {
		kind = nullString(string(o.Diagnostic.Kind))
	}
	if o.Coverage != nil {
		cov = sql.NullFloat64{Float64: o.Coverage.Percent, Valid: true}
		found = sql.NullInt64{Int64: int64(o.Coverage.LinesFound), Valid: true}
		hit = sql.NullInt64{Int64: int64(o.Coverage.LinesHit), Valid: true}
	}
	_, err := d.conn.ExecContext(ctx, d.Rebind(
		`INSERT INTO outcomes (run_id, unit, kind, reason, detail, attempts, repair_cycles, guard_firings, failure_kind, coverage_percent, lines_found, lines_hit, resumed, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, unit) DO NOTHING`),
		o.RunID, o.Unit, string(o.Kind), nullString(string(o.Reason)), nullString(o.Detail),
		o.Attempts, o.RepairCycles, o.GuardFirings, kind, cov, found, hit, o.Resumed, formatTime(o.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("log outcome: %w", err)
	}
	return nil
}

const outcomeColumns = `id, run_id, unit, kind, reason, detail, attempts, repair_cycles, guard_firings,
	failure_kind, coverage_percent, lines_found, lines_hit, resumed, recorded_at`

// GetRunOutcomes returns a run's outcomes ordered by unit.
func (d *DB) GetRunOutcomes(ctx context.Context, runID string) ([]OutcomeRow, error) {
	return d.queryOutcomes(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE run_id = ? ORDER BY unit`, runID)
}

// GetUnitOutcomes returns a unit's outcomes, newest first.
func (d *DB) GetUnitOutcomes(ctx context.Context, unit string) ([]OutcomeRow, error) {
	return d.queryOutcomes(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE unit = ? ORDER BY recorded_at DESC, id DESC`, unit)
}

// LatestOutcomes returns the newest outcome for every unit, ordered by unit.
func (d *DB) LatestOutcomes(ctx context.Context) ([]OutcomeRow, error) {
	return d.queryOutcomes(ctx, `SELECT `+outcomeColumns+` FROM outcomes o
		WHERE o.id = (SELECT MAX(o2.id) FROM outcomes o2 WHERE o2.unit = o.unit)
		ORDER BY o.unit`)
}

func (d *DB) queryOutcomes(ctx context.Context, query string, args ...any) ([]OutcomeRow, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var r OutcomeRow
		var reason, detail, kind sql.NullString
		var cov sql.NullFloat64
		var found, hit sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Unit, &r.Kind, &reason, &detail, &r.Attempts, &r.RepairCycles,
			&r.GuardFirings, &kind, &cov, &found, &hit, &r.Resumed, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		r.Reason = reason.String
		r.Detail = detail.String
		r.FailureKind = kind.String
		if cov.Valid {
			v := cov.Float64
			r.CoveragePercent = &v
		}
		if found.Valid {
			v := int(found.Int64)
			r.LinesFound = &v
		}
		if hit.Valid {
			v := int(hit.Int64)
			r.LinesHit = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, e PipelineEvent) error {
	ts := e.Timestamp
	if ts == "" {
		ts = formatTime(time.Now())
	}
	_, err := d.conn.ExecContext(ctx, d.Rebind(
		`INSERT INTO pipeline_events (run_id, unit, event, from_state, to_state, seq, budget, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.RunID, nullString(e.Unit), e.Event, nullString(e.FromState), nullString(e.ToState),
		e.Seq, e.Budget, nullString(e.Detail), ts,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetUnitEvents returns all events for a unit in order.
func (d *DB) GetUnitEvents(ctx context.Context, unit string) ([]PipelineEvent, error) {
	return d.queryEvents(ctx,
		`SELECT id, run_id, unit, event, from_state, to_state, seq, budget, detail, timestamp
		 FROM pipeline_events WHERE unit = ? ORDER BY id`, unit)
}

// GetRunEvents returns all events for a run in order.
func (d *DB) GetRunEvents(ctx context.Context, runID string) ([]PipelineEvent, error) {
	return d.queryEvents(ctx,
		`SELECT id, run_id, unit, event, from_state, to_state, seq, budget, detail, timestamp
		 FROM pipeline_events WHERE run_id = ? ORDER BY id`, runID)
}

// RecentEvents returns the most recent events across all runs, newest first.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error) {
	return d.queryEvents(ctx,
		`SELECT id, run_id, unit, event, from_state, to_state, seq, budget, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`, limit)
}

func (d *DB) queryEvents(ctx context.Context, query string, args ...any) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var unit, from, to, detail sql.NullString
		var seq, budget sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &unit, &e.Event, &from, &to, &seq, &budget, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Unit = unit.String
		e.FromState = from.String
		e.ToState = to.String
		e.Seq = int(seq.Int64)
		e.Budget = int(budget.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
