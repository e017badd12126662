// Package taskarchive persists completed workflow.Engine task results
// past process restart, using database/sql over modernc.org/sqlite.
// The workflow engine keeps results in memory only for as long as the
// process runs; this gives callers a durable record they can query
// after the fact.
package taskarchive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duorou/mcs/pkg/task"
)

// Store is a SQLite-backed archive of task.Result keyed by task ID.
type Store struct {
	db    *sql.DB
	table string
}

const defaultTable = "task_results"

// Open opens (or creates) a SQLite database at dsn and ensures the
// archive table exists. dsn can be a file path or a full SQLite DSN.
func Open(dsn string) (*Store, error) {
	return OpenWithTable(dsn, defaultTable)
}

// OpenWithTable is Open with an explicit table name, letting multiple
// engines share one database file under separate namespaces.
func OpenWithTable(dsn, table string) (*Store, error) {
	if table == "" {
		table = defaultTable
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, table: table}
	if err := s.ensureTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	_, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id     TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	message     TEXT NOT NULL,
	output      TEXT NOT NULL,
	duration_ns INTEGER NOT NULL,
	data_json   TEXT NOT NULL,
	recorded_at TEXT NOT NULL
)`, s.table))
	return err
}

// Record upserts a completed task's result. Calling Record twice for the
// same taskID replaces the prior row — only the latest outcome of a
// given task ID is kept, matching how the in-memory engine only ever
// holds one Result per task.
func (s *Store) Record(ctx context.Context, taskID, name string, status task.Status, result task.Result) error {
	data, err := json.Marshal(result.Data)
	if err != nil {
		return fmt.Errorf("marshal task data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (task_id, name, status, success, message, output, duration_ns, data_json, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	name=excluded.name, status=excluded.status, success=excluded.success,
	message=excluded.message, output=excluded.output,
	duration_ns=excluded.duration_ns, data_json=excluded.data_json,
	recorded_at=excluded.recorded_at
`, s.table),
		taskID, name, status.String(), boolToInt(result.Success), result.Message,
		result.Output, result.Duration.Nanoseconds(), string(data),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Entry is one archived task outcome, as returned by Get.
type Entry struct {
	TaskID     string
	Name       string
	Status     string
	Success    bool
	Message    string
	Output     string
	Duration   time.Duration
	Data       map[string]interface{}
	RecordedAt time.Time
}

// Get returns the archived entry for taskID, or ok=false if absent.
func (s *Store) Get(ctx context.Context, taskID string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT task_id, name, status, success, message, output, duration_ns, data_json, recorded_at FROM %s WHERE task_id = ?", s.table),
		taskID)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func scanEntry(scan func(dest ...interface{}) error) (Entry, error) {
	var e Entry
	var success int
	var durationNs int64
	var dataJSON, recordedAt string
	if err := scan(&e.TaskID, &e.Name, &e.Status, &success, &e.Message, &e.Output, &durationNs, &dataJSON, &recordedAt); err != nil {
		return Entry{}, err
	}
	e.Success = success != 0
	e.Duration = time.Duration(durationNs)
	if dataJSON != "" {
		_ = json.Unmarshal([]byte(dataJSON), &e.Data)
	}
	if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
		e.RecordedAt = t
	}
	return e, nil
}

// CleanupOlderThan deletes archived entries recorded before now-ttl, a
// best-effort maintenance call for callers that periodically trim old
// results.
func (s *Store) CleanupOlderThan(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-ttl).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", s.table), cutoff)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
