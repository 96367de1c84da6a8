package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/segloop/internal/models"
	_ "modernc.org/sqlite"
)

// Storage is the durable key→blob store plus the run history table.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Checkpoints are written from one goroutine; a single connection keeps
	// sqlite from reporting SQLITE_BUSY when the TUI reads concurrently.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		plan_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		segment_count INTEGER NOT NULL DEFAULT 0,
		done_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get returns the blob stored under key. ok is false when the key is absent.
func (s *Storage) Get(key string) (value []byte, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Storage) Set(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Storage) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Keys lists keys starting with prefix in lexical order.
func (s *Storage) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Storage) CreateRun(run *models.RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, plan_name, status, segment_count, done_count)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.PlanName, run.Status, run.SegmentCount, run.DoneCount,
	)
	return err
}

func (s *Storage) GetRun(id string) (*models.RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, completed_at, plan_name, status, segment_count, done_count, error
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

func (s *Storage) UpdateRun(run *models.RunRecord) error {
	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, status = ?, segment_count = ?, done_count = ?, error = ? WHERE id = ?`,
		run.CompletedAt, run.Status, run.SegmentCount, run.DoneCount, run.Error, run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, completed_at, plan_name, status, segment_count, done_count, error
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *Storage) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	var run models.RunRecord
	var completedAt sql.NullTime
	var errText sql.NullString

	err := row.Scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.PlanName,
		&run.Status, &run.SegmentCount, &run.DoneCount, &errText,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errText.Valid {
		run.Error = errText.String
	}

	return &run, nil
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
