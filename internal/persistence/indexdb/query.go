package indexdb

import (
	"context"
	"database/sql"
	"fmt"
)

type RunRow struct {
	RunID     string `json:"run_id"`
	StartedAt string `json:"started_at"`
	Config    string `json:"config_json"`
	Jobs      int    `json:"jobs"`
}

type JobRow struct {
	Seq        int64   `json:"seq"`
	Key        string  `json:"key"`
	Coord      [3]int  `json:"coord"`
	Outcome    string  `json:"outcome"`
	Backend    string  `json:"backend"`
	Attempts   int     `json:"attempts"`
	Vertices   int     `json:"vertices"`
	Triangles  int     `json:"triangles"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	At         string  `json:"at"`
}

type OutcomeRow struct {
	Outcome  string  `json:"outcome"`
	Jobs     int     `json:"jobs"`
	Attempts int     `json:"attempts"`
	AvgMS    float64 `json:"avg_ms"`
}

// Reader queries an index database. It may be opened while a server is
// writing to the same file.
type Reader struct{ db *sql.DB }

func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

func (r *Reader) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.run_id, r.started_at, r.config_json,
		       (SELECT COUNT(*) FROM jobs j WHERE j.run_id = r.run_id)
		FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var v RunRow
		if err := rows.Scan(&v.RunID, &v.StartedAt, &v.Config, &v.Jobs); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestRun returns the most recently started run id, or "".
func (r *Reader) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// Jobs lists the newest jobs of a run, optionally only those for key.
func (r *Reader) Jobs(ctx context.Context, runID, key string, limit int) ([]JobRow, error) {
	q := `SELECT seq,key,cx,cy,cz,outcome,backend,attempts,vertices,triangles,duration_ms,COALESCE(error,''),at
		FROM jobs WHERE run_id = ?`
	args := []any{runID}
	if key != "" {
		q += ` AND key = ?`
		args = append(args, key)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []JobRow
	for rows.Next() {
		var v JobRow
		if err := rows.Scan(&v.Seq, &v.Key, &v.Coord[0], &v.Coord[1], &v.Coord[2], &v.Outcome, &v.Backend,
			&v.Attempts, &v.Vertices, &v.Triangles, &v.DurationMS, &v.Error, &v.At); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *Reader) Outcomes(ctx context.Context, runID string) ([]OutcomeRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), SUM(attempts), AVG(duration_ms)
		FROM jobs WHERE run_id = ? GROUP BY outcome ORDER BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	var out []OutcomeRow
	for rows.Next() {
		var v OutcomeRow
		if err := rows.Scan(&v.Outcome, &v.Jobs, &v.Attempts, &v.AvgMS); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *Reader) Evictions(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evictions WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
