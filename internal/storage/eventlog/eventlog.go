// Package eventlog persists the task event stream to a sqlite database so
// progress history survives restarts and late-joining clients can catch up.
package eventlog

import (
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkgferry/pkgferry/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id      TEXT NOT NULL,
	type         TEXT NOT NULL,
	phase        TEXT NOT NULL DEFAULT '',
	current      INTEGER NOT NULL DEFAULT 0,
	total        INTEGER NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	package_name TEXT NOT NULL DEFAULT '',
	ts           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, id);
`

// Log is a durable, append-only record of published task events.
type Log struct {
	db     *sql.DB
	detach func()
}

// Open opens (creating if needed) the event log database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Attach subscribes the log to every event the hub publishes.
func (l *Log) Attach(hub *events.Hub) {
	l.detach = hub.Tap(l.record)
}

func (l *Log) record(e events.Event) {
	_, err := l.db.Exec(
		`INSERT INTO events (task_id, type, phase, current, total, message, package_name, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, string(e.Type), string(e.Phase), e.Current, e.Total,
		e.Message, e.PackageName, e.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		slog.Error("failed to record event", "task_id", e.TaskID, "error", err)
	}
}

// ByTask returns up to limit events for one task in publish order.
// limit <= 0 returns all of them.
func (l *Log) ByTask(taskID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.Query(
		`SELECT task_id, type, phase, current, total, message, package_name, ts
		 FROM events WHERE task_id = ? ORDER BY id LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e        events.Event
			typ, ph  string
			tsString string
		)
		if err := rows.Scan(&e.TaskID, &typ, &ph, &e.Current, &e.Total,
			&e.Message, &e.PackageName, &tsString); err != nil {
			return nil, err
		}
		e.Type = events.Type(typ)
		e.Phase = events.Phase(ph)
		if ts, err := time.Parse(time.RFC3339Nano, tsString); err == nil {
			e.Timestamp = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteTask removes a task's event history. Used by the expiry sweep.
func (l *Log) DeleteTask(taskID string) error {
	_, err := l.db.Exec(`DELETE FROM events WHERE task_id = ?`, taskID)
	return err
}

// Close detaches from the hub and closes the database.
func (l *Log) Close() error {
	if l.detach != nil {
		l.detach()
		l.detach = nil
	}
	return l.db.Close()
}
