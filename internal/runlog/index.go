package runlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Index is a derived sqlite view over the run directories. It is a cache:
// Rebuild reconstructs it entirely from runs/ on disk.
type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workstream  TEXT NOT NULL,
	item_id     TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	commit_sha  TEXT NOT NULL DEFAULT '',
	started     TEXT NOT NULL,
	finished    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workstream ON runs(workstream, id);
`

// OpenIndex opens (creating if needed) the run index at runs/index.sqlite.
func OpenIndex(ops string) (*Index, error) {
	if err := os.MkdirAll(Root(ops), 0o755); err != nil {
		return nil, err
	}
	dsn := filepath.Join(Root(ops), "index.sqlite") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Insert upserts one finished run result.
func (ix *Index) Insert(res Result) error {
	_, err := ix.db.Exec(`INSERT INTO runs
		(id, workstream, item_id, kind, detail, attempts, commit_sha, started, finished)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		kind=excluded.kind, detail=excluded.detail, attempts=excluded.attempts,
		commit_sha=excluded.commit_sha, finished=excluded.finished`,
		res.RunID, res.Workstream, res.ItemID, res.Kind, res.Detail, res.Attempts,
		res.CommitSHA, res.Started.Format(time.RFC3339), res.Finished.Format(time.RFC3339))
	return err
}

// List returns recent run results, newest first, optionally filtered by
// workstream. limit <= 0 means no limit.
func (ix *Index) List(wsID string, limit int) ([]Result, error) {
	q := `SELECT id, workstream, item_id, kind, detail, attempts, commit_sha, started, finished FROM runs`
	var args []any
	if wsID != "" {
		q += ` WHERE workstream = ?`
		args = append(args, wsID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ix.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var r Result
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Workstream, &r.ItemID, &r.Kind, &r.Detail,
			&r.Attempts, &r.CommitSHA, &started, &finished); err != nil {
			return nil, err
		}
		r.Started, _ = time.Parse(time.RFC3339, started)
		r.Finished, _ = time.Parse(time.RFC3339, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rebuild wipes the index and re-ingests every result.json under runs/.
func (ix *Index) Rebuild(ops string) (int, error) {
	if _, err := ix.db.Exec(`DELETE FROM runs`); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(Root(ops))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		res, err := LoadResult(ops, e.Name())
		if err != nil {
			continue // unfinished or corrupt run dirs are skipped
		}
		if err := ix.Insert(*res); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
