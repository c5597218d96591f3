package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dialect selects placeholder and column types for SQLTable.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// TableName is the table lifecycle events are appended to.
const TableName = "sidecar_history"

// SQLTable appends events to sidecar_history over database/sql. The sqlite
// and postgres sinks wrap it with their driver.
type SQLTable struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLTable creates the table if missing.
func OpenSQLTable(ctx context.Context, db *sql.DB, d Dialect) (*SQLTable, error) {
	t := &SQLTable{db: db, dialect: d}
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SQLTable) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if t.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableName + `(
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			app TEXT NOT NULL,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			exit_code INTEGER NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + TableName + `_occurred ON ` + TableName + `(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := t.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (t *SQLTable) Send(ctx context.Context, e Event) error {
	rec := e.Record
	var exit any
	if rec.ExitCode != nil {
		exit = *rec.ExitCode
	}
	q := `INSERT INTO ` + TableName + `(occurred_at, event, app, pid, port, exit_code, message) VALUES(?, ?, ?, ?, ?, ?, ?);`
	if t.dialect == DialectPostgres {
		q = `INSERT INTO ` + TableName + `(occurred_at, event, app, pid, port, exit_code, message) VALUES($1, $2, $3, $4, $5, $6, $7);`
	}
	_, err := t.db.ExecContext(ctx, q, e.OccurredAt.UTC(), string(e.Type), rec.App, rec.PID, int(rec.Port), exit, rec.Message)
	return err
}

// Recent returns up to limit events, newest first.
func (t *SQLTable) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT occurred_at, event, app, pid, port, exit_code, message FROM ` + TableName + ` ORDER BY occurred_at DESC LIMIT ?;`
	if t.dialect == DialectPostgres {
		q = `SELECT occurred_at, event, app, pid, port, exit_code, message FROM ` + TableName + ` ORDER BY occurred_at DESC LIMIT $1;`
	}
	rows, err := t.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			at   time.Time
			typ  string
			port int
			exit sql.NullInt64
		)
		if err := rows.Scan(&at, &typ, &e.Record.App, &e.Record.PID, &port, &exit, &e.Record.Message); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.OccurredAt = at.UTC()
		e.Type = EventType(typ)
		e.Record.Port = uint16(port) // #nosec G115 -- written from a uint16
		if exit.Valid {
			c := int(exit.Int64)
			e.Record.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *SQLTable) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}
