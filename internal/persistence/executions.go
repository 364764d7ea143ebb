package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Trigger sources recorded on executions.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
)

type Execution struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"task_id"`
	Status            ExecStatus `json:"status"`
	Trigger           string     `json:"trigger"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	IterationCount    int        `json:"iteration_count"`
	TokensUsed        int64      `json:"tokens_used"`
	CostUSD           float64    `json:"cost_usd"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	Output            string     `json:"output,omitempty"`
	Error             string     `json:"error,omitempty"`
	ErrorClass        string     `json:"error_class,omitempty"`
	RetryHint         string     `json:"retry_hint,omitempty"`
}

// Terminal reports whether the execution can no longer change.
func (e Execution) Terminal() bool {
	return e.Status != ExecRunning
}

const executionColumns = `id, task_id, status, trigger, started_at, completed_at, iteration_count,
	tokens_used, cost_usd, termination_reason, output, error, error_class, retry_hint`

func scanExecution(row scanner) (*Execution, error) {
	var (
		e         Execution
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.TaskID, &e.Status, &e.Trigger, &started, &completed, &e.IterationCount,
		&e.TokensUsed, &e.CostUSD, &e.TerminationReason, &e.Output, &e.Error, &e.ErrorClass, &e.RetryHint); err != nil {
		return nil, err
	}
	e.StartedAt = fromMillis(started)
	e.CompletedAt = fromNullMillis(completed)
	return &e, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns the newest executions of a task first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?;
	`, taskID, limit)
}

func (s *Store) ListRunningExecutions(ctx context.Context) ([]Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM task_executions WHERE status = 'running' ORDER BY started_at ASC;
	`)
}

func (s *Store) queryExecutions(ctx context.Context, q string, args ...any) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateExecutionProgress records in-flight counters. Terminal rows are left
// untouched.
func (s *Store) UpdateExecutionProgress(ctx context.Context, id string, iterations int, tokens int64, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET iteration_count = ?, tokens_used = ?, cost_usd = ?
		WHERE id = ? AND status = 'running';
	`, iterations, tokens, cost, id)
	if err != nil {
		return fmt.Errorf("update execution progress: %w", err)
	}
	return nil
}
