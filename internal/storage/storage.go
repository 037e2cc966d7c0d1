package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run is one recorded batch run.
type Run struct {
	ID        string
	TasksFile string
	Processed int
	Failed    int
	Skipped   int
	StartedAt time.Time
	EndedAt   time.Time
}

// ItemResult is the terminal disposition of one work item within a run.
type ItemResult struct {
	ID          string
	RunID       string
	Source      string
	Destination string
	Disposition string
	LastError   string
	CreatedAt   time.Time
}

// Storage records run history. It is written as pipelines finish and read
// only by the `runs` command; the pipeline itself never consults it.
type Storage interface {
	Init(path string) error
	Close() error
	BeginRun(r *Run) error
	FinishRun(r *Run) error
	RecordItem(it *ItemResult) error
	ListRuns(limit int) ([]*Run, error)
	ListItems(runID string) ([]*ItemResult, error)
}

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage() *SQLiteStorage { return &SQLiteStorage{} }

func (s *SQLiteStorage) Init(path string) error {
	if path == "" {
		path = "transkribusctl.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStorage) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tasks_file TEXT,
		processed INTEGER,
		failed INTEGER,
		skipped INTEGER,
		started_at DATETIME,
		ended_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS run_items (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		source TEXT,
		destination TEXT,
		disposition TEXT,
		last_error TEXT,
		created_at DATETIME
	);
	`
	_, err := s.db.Exec(q)
	return err
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) BeginRun(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO runs(id,tasks_file,processed,failed,skipped,started_at,ended_at) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.TasksFile, r.Processed, r.Failed, r.Skipped, r.StartedAt, r.EndedAt)
	return err
}

func (s *SQLiteStorage) FinishRun(r *Run) error {
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`UPDATE runs SET processed=?, failed=?, skipped=?, ended_at=? WHERE id=?`,
		r.Processed, r.Failed, r.Skipped, r.EndedAt, r.ID)
	return err
}

func (s *SQLiteStorage) RecordItem(it *ItemResult) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO run_items(id,run_id,source,destination,disposition,last_error,created_at) VALUES(?,?,?,?,?,?,?)`,
		it.ID, it.RunID, it.Source, it.Destination, it.Disposition, it.LastError, it.CreatedAt)
	return err
}

func (s *SQLiteStorage) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id,tasks_file,processed,failed,skipped,started_at,ended_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r := &Run{}
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TasksFile, &r.Processed, &r.Failed, &r.Skipped, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListItems(runID string) ([]*ItemResult, error) {
	rows, err := s.db.Query(`SELECT id,run_id,source,destination,disposition,last_error,created_at FROM run_items WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ItemResult
	for rows.Next() {
		it := &ItemResult{}
		var createdAt sql.NullTime
		if err := rows.Scan(&it.ID, &it.RunID, &it.Source, &it.Destination, &it.Disposition, &it.LastError, &createdAt); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			it.CreatedAt = createdAt.Time
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
