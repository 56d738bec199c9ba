package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nullterra/agentvmd/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id                    TEXT PRIMARY KEY,
    status                TEXT NOT NULL,
    vm_name               TEXT,
    input_hash            TEXT,
    requires_network      INTEGER NOT NULL DEFAULT 0,
    requested_memory_mb   INTEGER,
    requested_timeout_s   INTEGER,
    risk_level            TEXT,
    violations            TEXT,
    output                BLOB,
    stdout                TEXT,
    stderr                TEXT,
    exit_code             INTEGER,
    error                 TEXT,
    duration_ms           INTEGER,
    created_at            DATETIME NOT NULL,
    started_at            DATETIME,
    finished_at           DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_log_lines_execution_id ON log_lines (execution_id, seq)`

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	if _, err := db.Exec(createLogLinesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create log_lines table: %w", err)
	}

	if _, err := db.Exec(createLogLinesIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create log_lines index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, status, vm_name, input_hash, requires_network,
			requested_memory_mb, requested_timeout_s, risk_level, violations,
			output, stdout, stderr, exit_code, error, duration_ms,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Status, e.VMName, e.InputHash, e.RequiresNetwork,
		e.RequestedMemoryMB, e.RequestedTimeoutSec, e.RiskLevel, joinViolations(e.Violations),
		e.Output, e.Stdout, e.Stderr, e.ExitCode, e.Error, e.DurationMS,
		e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e := &model.Execution{}
	var violations string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, vm_name, input_hash, requires_network,
			requested_memory_mb, requested_timeout_s, risk_level, violations,
			output, stdout, stderr, exit_code, error, duration_ms,
			created_at, started_at, finished_at
		FROM executions WHERE id = ?`, id,
	).Scan(
		&e.ID, &e.Status, &e.VMName, &e.InputHash, &e.RequiresNetwork,
		&e.RequestedMemoryMB, &e.RequestedTimeoutSec, &e.RiskLevel, &violations,
		&e.Output, &e.Stdout, &e.Stderr, &e.ExitCode, &e.Error, &e.DurationMS,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	e.Violations = splitViolations(violations)
	return e, nil
}

// ListExecutions returns a paginated list of executions ordered by
// created_at DESC, along with the total count of all executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, vm_name, input_hash, requires_network,
			requested_memory_mb, requested_timeout_s, risk_level, violations,
			output, stdout, stderr, exit_code, error, duration_ms,
			created_at, started_at, finished_at
		FROM executions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e := &model.Execution{}
		var violations string
		if err := rows.Scan(
			&e.ID, &e.Status, &e.VMName, &e.InputHash, &e.RequiresNetwork,
			&e.RequestedMemoryMB, &e.RequestedTimeoutSec, &e.RiskLevel, &violations,
			&e.Output, &e.Stdout, &e.Stderr, &e.ExitCode, &e.Error, &e.DurationMS,
			&e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		e.Violations = splitViolations(violations)
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// UpdateExecutionStatus updates the status of an execution. For terminal
// statuses (completed, failed, timed_out, killed), it also sets
// finished_at.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	var current string
	if err := s.db.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get execution status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return ErrInvalidTransition
	}

	var result sql.Result
	var err error

	switch status {
	case model.StatusCompleted, model.StatusFailed, model.StatusTimedOut, model.StatusKilled:
		result, err = s.db.ExecContext(ctx,
			"UPDATE executions SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE executions SET status = ? WHERE id = ?",
			status, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateExecution overwrites the mutable fields of an execution record
// (everything harvested after dispatch: output, exit code, duration,
// timestamps, error).
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			status = ?, vm_name = ?, output = ?, stdout = ?, stderr = ?,
			exit_code = ?, error = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		e.Status, e.VMName, e.Output, e.Stdout, e.Stderr,
		e.ExitCode, e.Error, e.DurationMS, e.StartedAt, e.FinishedAt,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetExecutionStats computes aggregate statistics across all executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByRisk:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	riskRows, err := s.db.QueryContext(ctx,
		"SELECT risk_level, COUNT(*) FROM executions WHERE risk_level != '' GROUP BY risk_level")
	if err != nil {
		return nil, fmt.Errorf("count by risk: %w", err)
	}
	for riskRows.Next() {
		var risk string
		var count int
		if err := riskRows.Scan(&risk, &count); err != nil {
			riskRows.Close()
			return nil, fmt.Errorf("scan risk count: %w", err)
		}
		stats.CountByRisk[risk] = count
	}
	riskRows.Close()
	if err := riskRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate risk counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM executions WHERE duration_ms IS NOT NULL").Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertLogLine appends one log line to an execution's log stream.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all log lines for an execution, ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, execution_id, seq, line, created_at FROM log_lines WHERE execution_id = ? ORDER BY seq",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}

// joinViolations/splitViolations store the violations slice as a
// newline-joined TEXT column: violation strings are human-readable
// sentences and never contain newlines themselves.
func joinViolations(violations []string) string {
	return strings.Join(violations, "\n")
}

func splitViolations(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
