package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleManual   ScheduleKind = "manual"
	ScheduleWebhook  ScheduleKind = "webhook"
)

// Schedule is stored as JSON in background_tasks.schedule. Validation and
// next-run evaluation live in the scheduler package.
type Schedule struct {
	Kind         ScheduleKind `json:"kind"`
	Expression   string       `json:"expression,omitempty"`
	Timezone     string       `json:"timezone,omitempty"`
	EverySeconds int64        `json:"every_seconds,omitempty"`
	StartAt      *time.Time   `json:"start_at,omitempty"`
	RunAt        *time.Time   `json:"run_at,omitempty"`
}

type Notification struct {
	TelegramEnabled     bool  `json:"telegram_enabled"`
	ChatID              int64 `json:"chat_id,omitempty"`
	NotifyOnFailureOnly bool  `json:"notify_on_failure_only"`
	IncludeOutput       bool  `json:"include_output"`
}

type BackgroundTask struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	AgentID         string       `json:"agent_id,omitempty"`
	Input           string       `json:"input"`
	Provider        string       `json:"provider,omitempty"`
	Model           string       `json:"model,omitempty"`
	Schedule        Schedule     `json:"schedule"`
	Status          TaskStatus   `json:"status"`
	Notification    Notification `json:"notification"`
	WebhookToken    string       `json:"webhook_token,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	LastRunAt       *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time   `json:"next_run_at,omitempty"`
	SuccessCount    int          `json:"success_count"`
	FailureCount    int          `json:"failure_count"`
	TotalTokensUsed int64        `json:"total_tokens_used"`
	TotalCostUSD    float64      `json:"total_cost_usd"`
	LastError       string       `json:"last_error,omitempty"`
}

const taskColumns = `id, name, description, agent_id, input, provider, model, schedule, status,
	notification, webhook_token, created_at, updated_at, last_run_at, next_run_at,
	success_count, failure_count, total_tokens_used, total_cost_usd, last_error`

func scanTask(row scanner) (*BackgroundTask, error) {
	var (
		t                BackgroundTask
		schedule, notify string
		created, updated int64
		lastRun, nextRun sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.AgentID, &t.Input, &t.Provider, &t.Model,
		&schedule, &t.Status, &notify, &t.WebhookToken, &created, &updated, &lastRun, &nextRun,
		&t.SuccessCount, &t.FailureCount, &t.TotalTokensUsed, &t.TotalCostUSD, &t.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schedule), &t.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(notify), &t.Notification); err != nil {
		return nil, fmt.Errorf("decode notification for task %s: %w", t.ID, err)
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.LastRunAt = fromNullMillis(lastRun)
	t.NextRunAt = fromNullMillis(nextRun)
	return &t, nil
}

func (s *Store) InsertTask(ctx context.Context, t *BackgroundTask) error {
	schedule, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	notify, err := json.Marshal(t.Notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO background_tasks (id, name, description, agent_id, input, provider, model, schedule,
			status, notification, webhook_token, created_at, updated_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.Name, t.Description, t.AgentID, t.Input, t.Provider, t.Model, string(schedule),
		t.Status, string(notify), t.WebhookToken, toMillis(t.CreatedAt), toMillis(t.UpdatedAt), nullMillis(t.NextRunAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*BackgroundTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM background_tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by creation time. An empty status lists all.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus) ([]BackgroundTask, error) {
	q := `SELECT ` + taskColumns + ` FROM background_tasks`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC, id ASC;`
	return s.queryTasks(ctx, q, args...)
}

// DueTasks returns tasks whose next_run_at is at or before now and whose
// status is active or running. Running tasks are included so the caller can
// record the skipped trigger.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]BackgroundTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM background_tasks
		WHERE status IN ('active', 'running') AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC;
	`, toMillis(now))
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]BackgroundTask, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskState moves a task to `to` when its current status is one of
// from, and sets next_run_at. It reports whether a row changed.
func (s *Store) UpdateTaskState(ctx context.Context, id string, from []TaskStatus, to TaskStatus, next *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("update task state: no source states")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, nullMillis(next), toMillis(time.Now()), id}
	for _, f := range from {
		args = append(args, f)
	}
	var changed bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_tasks SET status = ?, next_run_at = ?, updated_at = ?
			WHERE id = ? AND status IN (`+placeholders+`);
		`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update task state: %w", err)
	}
	return changed, nil
}

// SetNextRun updates next_run_at without touching status.
func (s *Store) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE background_tasks SET next_run_at = ?, updated_at = ? WHERE id = ?;
	`, nullMillis(next), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its execution history. Running tasks are
// refused with ErrTaskRunning.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM background_tasks WHERE id = ? AND status != 'running';`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrTaskRunning
}

// ClaimTaskRun atomically flips a task to running and opens an execution
// row. The conditional update is what guarantees at most one running
// execution per task.
func (s *Store) ClaimTaskRun(ctx context.Context, taskID, executionID, trigger string, now time.Time) (*Execution, error) {
	var exec *Execution
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE background_tasks SET status = 'running', updated_at = ?
			WHERE id = ? AND status NOT IN ('running', 'paused');
		`, toMillis(now), taskID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status TaskStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM background_tasks WHERE id = ?;`, taskID).Scan(&status)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			case err != nil:
				return err
			case status == TaskPaused:
				return ErrTaskPaused
			default:
				return ErrTaskRunning
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_executions (id, task_id, status, trigger, started_at)
			VALUES (?, ?, 'running', ?, ?);
		`, executionID, taskID, trigger, toMillis(now)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		exec = &Execution{
			ID:        executionID,
			TaskID:    taskID,
			Status:    ExecRunning,
			Trigger:   trigger,
			StartedAt: now.UTC().Truncate(time.Millisecond),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Outcome carries everything written when an execution reaches a terminal state.
type Outcome struct {
	ExecutionID       string
	Status            ExecStatus
	TerminationReason string
	Output            string
	Error             string
	ErrorClass        string
	RetryHint         string
	Iterations        int
	TokensUsed        int64
	CostUSD           float64
	CompletedAt       time.Time

	// Task-side effects.
	TaskStatus TaskStatus
	NextRunAt  *time.Time
}

// FinishExecution closes an execution and folds its results into the task
// in one transaction. Terminal executions are immutable: a second finish
// returns ErrAlreadyTerminal.
func (s *Store) FinishExecution(ctx context.Context, o Outcome) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var taskID string
		var startedAt int64
		err = tx.QueryRowContext(ctx, `SELECT task_id, started_at FROM task_executions WHERE id = ?;`, o.ExecutionID).Scan(&taskID, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", o.ExecutionID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET status = ?, completed_at = ?, iteration_count = ?, tokens_used = ?,
				cost_usd = ?, termination_reason = ?, output = ?, error = ?, error_class = ?, retry_hint = ?
			WHERE id = ? AND status = 'running';
		`, o.Status, toMillis(o.CompletedAt), o.Iterations, o.TokensUsed, o.CostUSD, o.TerminationReason,
			o.Output, o.Error, o.ErrorClass, o.RetryHint, o.ExecutionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyTerminal
		}

		success, failure := 0, 0
		if o.Status == ExecCompleted {
			success = 1
		} else {
			failure = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE background_tasks SET
				status = CASE WHEN status = 'running' THEN ? ELSE status END,
				next_run_at = ?, last_run_at = ?, updated_at = ?,
				success_count = success_count + ?, failure_count = failure_count + ?,
				total_tokens_used = total_tokens_used + ?, total_cost_usd = total_cost_usd + ?,
				last_error = ?
			WHERE id = ?;
		`, o.TaskStatus, nullMillis(o.NextRunAt), startedAt, toMillis(o.CompletedAt),
			success, failure, o.TokensUsed, o.CostUSD, o.Error, taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecoverStaleRunning closes executions left running by a crash as
// cancelled and returns their tasks to active. The closed executions are
// returned so the caller can append terminal events.
func (s *Store) RecoverStaleRunning(ctx context.Context, now time.Time) ([]Execution, error) {
	stale, err := s.ListRunningExecutions(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range stale {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions SET status = 'cancelled', termination_reason = 'cancelled',
				error = 'daemon restarted during execution', error_class = 'cancelled', completed_at = ?,
				retry_hint = 'will retry at next schedule'
			WHERE id = ? AND status = 'running';
		`, toMillis(now), stale[i].ID); err != nil {
			return nil, fmt.Errorf("close stale execution: %w", err)
		}
		stale[i].Status = ExecCancelled
		stale[i].TerminationReason = "cancelled"
		c := now.UTC()
		stale[i].CompletedAt = &c
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE background_tasks SET status = 'active', updated_at = ? WHERE status = 'running';
	`, toMillis(now)); err != nil {
		return nil, fmt.Errorf("reset running tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recover tx: %w", err)
	}
	return stale, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM background_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
