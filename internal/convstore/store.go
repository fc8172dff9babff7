// Package convstore persists the writer/reviewer conversation history of
// generation runs in an embedded SQLite database.
package convstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("not found")

const schemaVersion = 2

// TaskInfo is one recorded generation run.
type TaskInfo struct {
	ID         string
	Title      string
	Context    string
	Iterations int
	CreatedAt  string
	UpdatedAt  string
	Status     string
	BaseName   string
}

// RoundRecord is one role turn inside a round.
type RoundRecord struct {
	ID          int64
	TaskID      string
	RoundNumber int
	Role        string
	Prompt      string
	Response    string
	Timestamp   string
}

// Store wraps the SQLite handle. Writes are serialized; the driver connection
// is shared for reads.
type Store struct {
	db   *sql.DB
	log  *logrus.Logger
	path string

	mu sync.Mutex
}

func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db, log: log, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{"component": "convstore", "path": path}).Info("conversation store ready")
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates the schema and applies idempotent column additions so older
// database files keep working.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT,
			context TEXT,
			iterations INTEGER,
			created_at TEXT,
			updated_at TEXT,
			status TEXT DEFAULT 'running',
			base_name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			round_number INTEGER,
			role TEXT,
			prompt TEXT,
			response TEXT,
			timestamp TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_task_id ON conversation_rounds(task_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_rounds_task_round_role
			ON conversation_rounds(task_id, round_number, role)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Column additions for files created before the column existed.
	for table, cols := range map[string][]string{
		"tasks": {"updated_at TEXT", "status TEXT DEFAULT 'running'", "base_name TEXT"},
	} {
		existing, err := s.columns(table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			name := strings.Fields(col)[0]
			if existing[name] {
				continue
			}
			if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, name, err)
			}
		}
	}

	var current int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
	case err == nil && current != schemaVersion:
		_, err = s.db.Exec(`UPDATE schema_version SET version = ?`, schemaVersion)
	}
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	return nil
}

func (s *Store) columns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			deflt     sql.NullString
			isPrimary int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &deflt, &isPrimary); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

// CreateTask inserts a run record and returns nothing extra; the caller owns
// the id.
func (s *Store) CreateTask(id, title, context string, iterations int, baseName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, context, iterations, created_at, updated_at, status, base_name)
		VALUES (?, ?, ?, ?, ?, ?, 'running', ?)`,
		id, title, context, iterations, ts, ts, baseName)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// LogRound records one role turn. The unique index makes duplicate
// (task, round, role) writes an error rather than silent duplication.
func (s *Store) LogRound(taskID string, round int, role, prompt, response string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.Exec(`
		INSERT INTO conversation_rounds (task_id, round_number, role, prompt, response, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, round, role, prompt, response, ts)
	if err != nil {
		return 0, fmt.Errorf("log round: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, ts, taskID); err != nil {
		return 0, fmt.Errorf("touch task: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateTaskStatus(taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, now(), taskID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM conversation_rounds WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete rounds: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Tasks returns all recorded runs, newest first.
func (s *Store) Tasks() ([]TaskInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, title, context, iterations, created_at, updated_at, status, base_name
		FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskInfo
	for rows.Next() {
		var t TaskInfo
		if err := rows.Scan(&t.ID, &t.Title, &t.Context, &t.Iterations, &t.CreatedAt, &t.UpdatedAt, &t.Status, &t.BaseName); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Task(taskID string) (TaskInfo, error) {
	var t TaskInfo
	err := s.db.QueryRow(`
		SELECT id, title, context, iterations, created_at, updated_at, status, base_name
		FROM tasks WHERE id = ?`, taskID).
		Scan(&t.ID, &t.Title, &t.Context, &t.Iterations, &t.CreatedAt, &t.UpdatedAt, &t.Status, &t.BaseName)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskInfo{}, ErrNotFound
	}
	if err != nil {
		return TaskInfo{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Rounds returns the distinct round numbers of a task in ascending order.
func (s *Store) Rounds(taskID string) ([]int, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT round_number FROM conversation_rounds
		WHERE task_id = ? ORDER BY round_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Round returns the records of one round keyed by role.
func (s *Store) Round(taskID string, round int) (map[string]RoundRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, round_number, role, prompt, response, timestamp
		FROM conversation_rounds
		WHERE task_id = ? AND round_number = ?
		ORDER BY role`, taskID, round)
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	defer rows.Close()

	out := make(map[string]RoundRecord)
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RoundNumber, &r.Role, &r.Prompt, &r.Response, &r.Timestamp); err != nil {
			return nil, err
		}
		out[r.Role] = r
	}
	return out, rows.Err()
}

// RoundRole returns one (round, role) record.
func (s *Store) RoundRole(taskID string, round int, role string) (RoundRecord, error) {
	var r RoundRecord
	err := s.db.QueryRow(`
		SELECT id, task_id, round_number, role, prompt, response, timestamp
		FROM conversation_rounds
		WHERE task_id = ? AND round_number = ? AND role = ?`,
		taskID, round, role).
		Scan(&r.ID, &r.TaskID, &r.RoundNumber, &r.Role, &r.Prompt, &r.Response, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return RoundRecord{}, ErrNotFound
	}
	if err != nil {
		return RoundRecord{}, fmt.Errorf("get round role: %w", err)
	}
	return r, nil
}

// TaskRecords returns all records of a task ordered by round then role.
func (s *Store) TaskRecords(taskID string) ([]RoundRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, round_number, role, prompt, response, timestamp
		FROM conversation_rounds
		WHERE task_id = ?
		ORDER BY round_number, role`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RoundNumber, &r.Role, &r.Prompt, &r.Response, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping verifies the handle is alive; used by the health endpoint.
func (s *Store) Ping() error {
	if s == nil || s.db == nil {
		return errors.New("store closed")
	}
	return s.db.Ping()
}
