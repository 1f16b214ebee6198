// Package history archives terminal dispatches into a SQLite database so
// past work is queryable after task directories are pruned.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dispatchd/internal/store"
)

// Record is one archived dispatch.
type Record struct {
	DispatchID  string    `json:"dispatch_id"`
	Project     string    `json:"project"`
	TaskSlug    string    `json:"task_slug"`
	Role        string    `json:"role"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	AbortReason string    `json:"abort_reason,omitempty"`
	CostUSD     float64   `json:"cost_usd"`
	Summary     string    `json:"summary,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// DB wraps the archive database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path and ensures the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	h := &DB{db: db}
	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *DB) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatches (
		dispatch_id  TEXT PRIMARY KEY,
		project      TEXT NOT NULL,
		task_slug    TEXT NOT NULL,
		role         TEXT NOT NULL,
		model        TEXT,
		status       TEXT NOT NULL,
		abort_reason TEXT,
		cost_usd     REAL NOT NULL DEFAULT 0,
		summary      TEXT,
		started_at   DATETIME NOT NULL,
		ended_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_project ON dispatches(project, started_at);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (h *DB) Close() error {
	return h.db.Close()
}

// Archive upserts a terminal dispatch. Non-terminal dispatches are refused.
func (h *DB) Archive(project string, d *store.Dispatch) error {
	if !d.Status.Terminal() {
		return fmt.Errorf("dispatch %s is not terminal (%s)", d.ID, d.Status)
	}
	summary := ""
	if d.StructuredResult != nil {
		summary = d.StructuredResult.Summary
	} else if d.ResultText != "" {
		summary = d.ResultText
	}
	endedAt := time.Now().UTC()
	if d.EndedAt != nil {
		endedAt = *d.EndedAt
	}

	_, err := h.db.Exec(`
		INSERT INTO dispatches (dispatch_id, project, task_slug, role, model, status, abort_reason, cost_usd, summary, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dispatch_id) DO UPDATE SET
			status = excluded.status,
			abort_reason = excluded.abort_reason,
			cost_usd = excluded.cost_usd,
			summary = excluded.summary,
			ended_at = excluded.ended_at`,
		d.ID, project, d.TaskSlug, d.Role, d.Model, string(d.Status), d.AbortReason,
		d.CostUSD, summary, d.StartedAt, endedAt)
	if err != nil {
		return fmt.Errorf("archive dispatch %s: %w", d.ID, err)
	}
	return nil
}

// List returns the most recent records, newest first. A project filter of ""
// matches everything.
func (h *DB) List(project string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT dispatch_id, project, task_slug, role, model, status, abort_reason, cost_usd, summary, started_at, ended_at
		FROM dispatches`
	args := []interface{}{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var model, abortReason, summary sql.NullString
		err := rows.Scan(&r.DispatchID, &r.Project, &r.TaskSlug, &r.Role, &model,
			&r.Status, &abortReason, &r.CostUSD, &summary, &r.StartedAt, &r.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.Model = model.String
		r.AbortReason = abortReason.String
		r.Summary = summary.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// TotalCost sums archived cost for a project; "" sums everything.
func (h *DB) TotalCost(project string) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM dispatches`
	args := []interface{}{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	var total float64
	if err := h.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum history cost: %w", err)
	}
	return total, nil
}
