// Package journal persists published events into a sqlite database so a
// project's history survives restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"crew/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	agent_id   TEXT NOT NULL DEFAULT '',
	data       TEXT,
	ts         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS events_project_idx ON events (project_id, ts);
`

// Journal is a bus subscriber writing every event to sqlite.
type Journal struct {
	db    *sql.DB
	unsub func()
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Attach subscribes the journal to the bus. Write failures are logged, never
// propagated to publishers.
func (j *Journal) Attach(bus *events.Bus) {
	j.unsub = bus.SubscribeAsync("journal", func(_ context.Context, e events.Event) error {
		return j.Write(e)
	})
}

// Write inserts one event row.
func (j *Journal) Write(e events.Event) error {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			slog.Warn("journal: unmarshalable event data", "action", e.Action, "error", err)
			data = nil
		}
	}
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO events (id, project_id, action, task_id, agent_id, data, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, string(e.Action), e.TaskID, e.AgentID, string(data), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	return nil
}

// History reads back a project's events in time order.
func (j *Journal) History(projectID string, limit int) ([]events.Event, error) {
	query := `SELECT id, project_id, action, task_id, agent_id, data, ts
		FROM events WHERE project_id = ? ORDER BY ts`
	args := []any{projectID}
	if limit > 0 {
		query += ` DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal history: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var action string
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &action, &e.TaskID, &e.AgentID, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.Action = events.Action(action)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				slog.Warn("journal: corrupt event data", "id", e.ID, "error", err)
			}
		}
		out = append(out, e)
	}
	if limit > 0 {
		// DESC LIMIT returned newest first.
		for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
			out[i], out[k] = out[k], out[i]
		}
	}
	return out, rows.Err()
}

// Prune deletes events for a project, used by the janitor after reaping.
func (j *Journal) Prune(projectID string) error {
	_, err := j.db.Exec(`DELETE FROM events WHERE project_id = ?`, projectID)
	return err
}

func (j *Journal) Close() error {
	if j.unsub != nil {
		j.unsub()
	}
	return j.db.Close()
}
