package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// timeLayout is how timestamps are stored. It sorts lexically in both
// backends.
const timeLayout = "2006-01-02 15:04:05"

// DB wraps the mirror database connection.
type DB struct {
	conn   *sql.DB
	driver string
	path   string
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	return OpenDriver(DriverSQLite, path)
}

// OpenDriver opens a database with driver sqlite3 (dsn is a file path) or
// pgx (dsn is a Postgres URL).
func OpenDriver(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if driver == DriverSQLite {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return &DB{conn: conn, driver: driver, path: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Driver returns the driver name the database was opened with.
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites ? placeholders into the driver's form.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    units       INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','finished','failed')),
    detail      TEXT,
    started_at  TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS attempts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id           TEXT NOT NULL,
    unit             TEXT NOT NULL,
    seq              INTEGER NOT NULL,
    stage            TEXT NOT NULL,
    digest           TEXT,
    failure_kind     TEXT,
    signature        TEXT,
    location         TEXT,
    exit_code        INTEGER,
    coverage_percent REAL,
    note             TEXT,
    text_bytes       INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    UNIQUE(unit, seq)
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, unit);

CREATE TABLE IF NOT EXISTS outcomes (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id           TEXT NOT NULL,
    unit             TEXT NOT NULL,
    kind             TEXT NOT NULL CHECK(kind IN ('succeeded','exhausted','aborted')),
    reason           TEXT,
    detail           TEXT,
    attempts         INTEGER NOT NULL DEFAULT 0,
    repair_cycles    INTEGER NOT NULL DEFAULT 0,
    guard_firings    INTEGER NOT NULL DEFAULT 0,
    failure_kind     TEXT,
    coverage_percent REAL,
    lines_found      INTEGER,
    lines_hit        INTEGER,
    resumed          BOOLEAN NOT NULL DEFAULT FALSE,
    recorded_at      TEXT NOT NULL,
    UNIQUE(run_id, unit)
);
CREATE INDEX IF NOT EXISTS idx_outcomes_unit ON outcomes(unit, recorded_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    unit        TEXT,
    event       TEXT NOT NULL,
    from_state  TEXT,
    to_state    TEXT,
    seq         INTEGER,
    budget      INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_run ON pipeline_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_pipeline_unit ON pipeline_events(unit, id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    units       INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','finished','failed')),
    detail      TEXT,
    started_at  TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS attempts (
    id               BIGSERIAL PRIMARY KEY,
    run_id           TEXT NOT NULL,
    unit             TEXT NOT NULL,
    seq              INTEGER NOT NULL,
    stage            TEXT NOT NULL,
    digest           TEXT,
    failure_kind     TEXT,
    signature        TEXT,
    location         TEXT,
    exit_code        INTEGER,
    coverage_percent DOUBLE PRECISION,
    note             TEXT,
    text_bytes       INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    UNIQUE(unit, seq)
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, unit);

CREATE TABLE IF NOT EXISTS outcomes (
    id               BIGSERIAL PRIMARY KEY,
    run_id           TEXT NOT NULL,
    unit             TEXT NOT NULL,
    kind             TEXT NOT NULL CHECK(kind IN ('succeeded','exhausted','aborted')),
    reason           TEXT,
    detail           TEXT,
    attempts         INTEGER NOT NULL DEFAULT 0,
    repair_cycles    INTEGER NOT NULL DEFAULT 0,
    guard_firings    INTEGER NOT NULL DEFAULT 0,
    failure_kind     TEXT,
    coverage_percent DOUBLE PRECISION,
    lines_found      INTEGER,
    lines_hit        INTEGER,
    resumed          BOOLEAN NOT NULL DEFAULT FALSE,
    recorded_at      TEXT NOT NULL,
    UNIQUE(run_id, unit)
);
CREATE INDEX IF NOT EXISTS idx_outcomes_unit ON outcomes(unit, recorded_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL,
    unit        TEXT,
    event       TEXT NOT NULL,
    from_state  TEXT,
    to_state    TEXT,
    seq         INTEGER,
    budget      INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_run ON pipeline_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_pipeline_unit ON pipeline_events(unit, id);
`

// tables in drop order
var tables = []string{"pipeline_events", "outcomes", "attempts", "runs", "schema_version"}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	schema := schemaSQLite
	if d.driver == DriverPostgres {
		schema = schemaPostgres
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
