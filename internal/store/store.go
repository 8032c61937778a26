// Package store provides SQLite-backed persistence for slurmqueen:
// experiment metadata, crash-recoverable task state, the attempt journal,
// and ingested result artifacts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vuphan314/slurmqueen/internal/models"
)

// ErrDurability indicates ingestion could not be made durable. The task
// stays succeeded rather than collected so a later pass can retry
// ingestion without resubmitting work.
var ErrDurability = errors.New("ingestion not durable")

// Store provides access to an experiment's SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a Store and runs migrations. The conventional location is
// <output root>/_results.db.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent collector ingestion alongside state updates.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		name TEXT PRIMARY KEY,
		command TEXT,
		output_root TEXT NOT NULL,
		remote_root TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		experiment TEXT NOT NULL,
		id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		outputs TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		job_id TEXT,
		submitted_at DATETIME,
		last_polled_at DATETIME,
		completed_at DATETIME,
		PRIMARY KEY (experiment, id),
		FOREIGN KEY (experiment) REFERENCES experiments(name)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		task_id TEXT NOT NULL,
		job_id TEXT,
		outcome TEXT,
		exit_code INTEGER,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		experiment TEXT NOT NULL,
		task_id TEXT NOT NULL,
		path TEXT NOT NULL,
		data BLOB,
		ingested_at DATETIME NOT NULL,
		PRIMARY KEY (experiment, task_id, path)
	);

	CREATE TABLE IF NOT EXISTS results (
		experiment TEXT NOT NULL,
		task_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (experiment, task_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(experiment, state);
	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(experiment, task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Experiment operations ---

// CreateExperiment persists an experiment definition and its tasks. Safe
// to call again for an existing experiment: task rows that already exist
// keep their recorded state, which is what makes resume work.
func (s *Store) CreateExperiment(exp *models.Experiment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO experiments (name, output_root, remote_root, created_at) VALUES (?, ?, ?, ?)`,
		exp.Name, exp.OutputRoot, exp.RemoteRoot, exp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}

	for _, task := range exp.Tasks {
		argsJSON, _ := json.Marshal(task.Args)
		outputsJSON, _ := json.Marshal(task.Outputs)
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO tasks (experiment, id, command, args, outputs, state) VALUES (?, ?, ?, ?, ?, ?)`,
			exp.Name, task.ID, task.Command, string(argsJSON), string(outputsJSON), models.TaskStatePending,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}
	return tx.Commit()
}

// LoadTaskStates returns the recorded state and attempt count for every
// task of an experiment, keyed by task id.
func (s *Store) LoadTaskStates(experiment string) (map[string]models.TaskReport, error) {
	rows, err := s.db.Query(
		`SELECT id, state, attempts, COALESCE(job_id, '') FROM tasks WHERE experiment = ?`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("query task states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.TaskReport)
	for rows.Next() {
		var r models.TaskReport
		if err := rows.Scan(&r.TaskID, &r.State, &r.Attempts, &r.JobID); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		out[r.TaskID] = r
	}
	return out, rows.Err()
}

// --- Task state operations ---

// UpdateTask persists the current state of a task.
func (s *Store) UpdateTask(task *models.Task) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET state = ?, attempts = ?, job_id = ?, submitted_at = ?, last_polled_at = ?, completed_at = ?
		 WHERE experiment = ? AND id = ?`,
		task.State, task.Attempts, task.JobID, task.SubmittedAt, task.LastPolledAt, task.CompletedAt,
		task.Experiment, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// StateCounts returns the number of tasks per state for an experiment.
func (s *Store) StateCounts(experiment string) (map[models.TaskState]int, error) {
	rows, err := s.db.Query(
		`SELECT state, COUNT(*) FROM tasks WHERE experiment = ? GROUP BY state`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("query state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskState]int)
	for rows.Next() {
		var state models.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Report builds the terminal report: every task with its final state and
// attempt count, in task order.
func (s *Store) Report(experiment string) (*models.RunReport, error) {
	rows, err := s.db.Query(
		`SELECT id, state, attempts, COALESCE(job_id, '') FROM tasks WHERE experiment = ? ORDER BY id`,
		experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}
	defer rows.Close()

	report := &models.RunReport{
		Experiment: experiment,
		Counts:     make(map[models.TaskState]int),
	}
	for rows.Next() {
		var r models.TaskReport
		if err := rows.Scan(&r.TaskID, &r.State, &r.Attempts, &r.JobID); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		report.Tasks = append(report.Tasks, r)
		report.Counts[r.State]++
	}
	return report, rows.Err()
}

// --- Attempt journal ---

// RecordAttempt journals the start of a submission attempt and returns
// the attempt id.
func (s *Store) RecordAttempt(experiment, taskID, jobID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO attempts (id, experiment, task_id, job_id, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, experiment, taskID, jobID, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert attempt: %w", err)
	}
	return id, nil
}

// FinishAttempt journals the outcome of an attempt.
func (s *Store) FinishAttempt(attemptID, outcome string, exitCode int) error {
	_, err := s.db.Exec(
		`UPDATE attempts SET outcome = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
		outcome, exitCode, time.Now().UTC(), attemptID,
	)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return nil
}

// --- Ingestion ---

// Ingest persists a task's retrieved output files. Idempotent under
// at-least-once delivery: re-ingesting the same outputs replaces rather
// than duplicates. Primary ".out" files are additionally parsed into the
// results table; a malformed file never fails ingestion of its raw bytes.
func (s *Store) Ingest(taskID, experiment string, files []models.ResultArtifact) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrDurability, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, f := range files {
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO artifacts (experiment, task_id, path, data, ingested_at) VALUES (?, ?, ?, ?, ?)`,
			experiment, taskID, f.Path, f.Data, now,
		)
		if err != nil {
			return fmt.Errorf("%w: insert artifact %s: %v", ErrDurability, f.Path, err)
		}

		if filepath.Ext(f.Path) != ".out" {
			continue
		}
		pairs, perr := ParseOutput(f.Data)
		if perr != nil {
			// The raw bytes are stored either way; only the parsed rows are
			// incomplete.
			s.logger.Warn("primary output only partially parsed",
				zap.String("task", taskID), zap.String("path", f.Path), zap.Error(perr))
		}
		for key, value := range pairs {
			_, err = tx.Exec(
				`INSERT OR REPLACE INTO results (experiment, task_id, key, value) VALUES (?, ?, ?, ?)`,
				experiment, taskID, key, value,
			)
			if err != nil {
				return fmt.Errorf("%w: insert result %s: %v", ErrDurability, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrDurability, err)
	}
	return nil
}

// ArtifactCount returns the number of ingested artifacts for a task.
func (s *Store) ArtifactCount(experiment, taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM artifacts WHERE experiment = ? AND task_id = ?`,
		experiment, taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Results returns the parsed key/value rows for a task.
func (s *Store) Results(experiment, taskID string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM results WHERE experiment = ? AND task_id = ?`,
		experiment, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out[k] = v.String
	}
	return out, rows.Err()
}
