// Package scheduler owns background tasks: it validates and stores them,
// fires due schedules on a tick, enforces at most one running execution per
// task and folds finished executions back into the task.
package scheduler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/eventlog"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/shared"
)

var (
	ErrTaskRunning  = persistence.ErrTaskRunning
	ErrTaskPaused   = persistence.ErrTaskPaused
	ErrNotFound     = persistence.ErrNotFound
	ErrBadToken     = errors.New("webhook token mismatch")
	ErrInvalidState = errors.New("task cannot make this transition")
)

// Submitter is the engine as seen by the scheduler.
type Submitter interface {
	Submit(ctx context.Context, ex engine.Execution) error
}

// EventSink receives terminal events for executions the engine never ran.
type EventSink interface {
	Append(ctx context.Context, executionID string, d eventlog.Draft) (eventlog.Event, error)
}

type Options struct {
	Store    *persistence.Store
	Engine   Submitter
	Events   EventSink
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

type Scheduler struct {
	opts   Options
	store  *persistence.Store
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{opts: opts, store: opts.Store, logger: logger.With("component", "scheduler")}
}

// CreateTask is the caller-supplied part of a new task.
type CreateTask struct {
	Name         string                   `json:"name"`
	Description  string                   `json:"description,omitempty"`
	AgentID      string                   `json:"agent_id,omitempty"`
	Input        string                   `json:"input"`
	Provider     string                   `json:"provider,omitempty"`
	Model        string                   `json:"model,omitempty"`
	Schedule     persistence.Schedule     `json:"schedule"`
	Notification persistence.Notification `json:"notification"`
}

// Create validates and stores a task. An invalid task returns a
// *ValidationError and is never persisted.
func (s *Scheduler) Create(ctx context.Context, in CreateTask) (*persistence.BackgroundTask, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, &ValidationError{Field: "name", Rule: "required"}
	}
	if strings.TrimSpace(in.Input) == "" {
		return nil, &ValidationError{Field: "input", Rule: "required"}
	}
	if err := Validate(in.Schedule); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	next, err := FirstRun(in.Schedule, now)
	if err != nil {
		return nil, err
	}
	if next == nil && recurring(in.Schedule.Kind) {
		return nil, &ValidationError{Field: "schedule.expression", Rule: "never fires", Input: in.Schedule.Expression}
	}

	task := &persistence.BackgroundTask{
		ID:           shared.NewID(),
		Name:         in.Name,
		Description:  in.Description,
		AgentID:      in.AgentID,
		Input:        in.Input,
		Provider:     in.Provider,
		Model:        in.Model,
		Schedule:     in.Schedule,
		Status:       persistence.TaskActive,
		Notification: in.Notification,
		CreatedAt:    now,
		UpdatedAt:    now,
		NextRunAt:    next,
	}
	if in.Schedule.Kind == persistence.ScheduleWebhook {
		task.WebhookToken = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "name", task.Name, "kind", string(task.Schedule.Kind), "next_run_at", next)
	return s.store.GetTask(ctx, task.ID)
}

func (s *Scheduler) Get(ctx context.Context, id string) (*persistence.BackgroundTask, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, status persistence.TaskStatus) ([]persistence.BackgroundTask, error) {
	return s.store.ListTasks(ctx, status)
}

// Pause stops a task from firing. A running task cannot be paused.
func (s *Scheduler) Pause(ctx context.Context, id string) (*persistence.BackgroundTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, task, []persistence.TaskStatus{persistence.TaskActive}, persistence.TaskPaused, nil)
}

// Resume reactivates a paused or failed task, recomputing its next run
// from now.
func (s *Scheduler) Resume(ctx context.Context, id string) (*persistence.BackgroundTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := Next(task.Schedule, s.opts.Now())
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, task, []persistence.TaskStatus{persistence.TaskPaused, persistence.TaskFailed}, persistence.TaskActive, next)
}

func (s *Scheduler) transition(ctx context.Context, task *persistence.BackgroundTask, from []persistence.TaskStatus, to persistence.TaskStatus, next *time.Time) (*persistence.BackgroundTask, error) {
	if task.Status == to {
		return task, nil
	}
	ok, err := s.store.UpdateTaskState(ctx, task.ID, from, to, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == persistence.TaskRunning {
			return nil, ErrTaskRunning
		}
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidState, cur.Status, to)
	}
	s.logger.Info("task status changed", "task_id", task.ID, "from", string(task.Status), "to", string(to))
	s.opts.Bus.Publish(bus.TopicTaskChanged, bus.TaskChanged{TaskID: task.ID, OldStatus: string(task.Status), NewStatus: string(to)})
	return s.store.GetTask(ctx, task.ID)
}

// Delete removes a task and its history. Running tasks are refused.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// RunNow starts an execution immediately, bypassing the schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*persistence.Execution, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, task, persistence.TriggerManual)
}

// Trigger starts an execution for a webhook call carrying the task's token.
func (s *Scheduler) Trigger(ctx context.Context, id, token string) (*persistence.Execution, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.WebhookToken == "" || subtle.ConstantTimeCompare([]byte(task.WebhookToken), []byte(token)) != 1 {
		return nil, ErrBadToken
	}
	return s.launch(ctx, task, persistence.TriggerWebhook)
}

// launch claims the task and hands the execution to the engine. The claim
// is the no-overlap guarantee: it fails with ErrTaskRunning while another
// execution of the task is open.
func (s *Scheduler) launch(ctx context.Context, task *persistence.BackgroundTask, trigger string) (*persistence.Execution, error) {
	now := s.opts.Now()
	exec, err := s.store.ClaimTaskRun(ctx, task.ID, shared.NewID(), trigger, now)
	if err != nil {
		return nil, err
	}
	s.opts.Bus.Publish(bus.TopicTaskChanged, bus.TaskChanged{TaskID: task.ID, OldStatus: string(task.Status), NewStatus: string(persistence.TaskRunning)})

	if err := s.opts.Engine.Submit(ctx, engine.Execution{
		ID:       exec.ID,
		TaskID:   task.ID,
		Trigger:  trigger,
		Input:    task.Input,
		Provider: task.Provider,
		Model:    task.Model,
	}); err != nil {
		s.abandon(ctx, task, exec, err)
		return nil, err
	}
	s.logger.Info("execution launched", "task_id", task.ID, "execution_id", exec.ID, "trigger", trigger)
	return exec, nil
}

// abandon closes an execution the engine refused, restoring the task.
func (s *Scheduler) abandon(ctx context.Context, task *persistence.BackgroundTask, exec *persistence.Execution, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.opts.Now()
	msg := "not started: " + cause.Error()
	if err := s.store.FinishExecution(ctx, persistence.Outcome{
		ExecutionID:       exec.ID,
		Status:            persistence.ExecCancelled,
		TerminationReason: engine.ReasonCancelled,
		Error:             msg,
		ErrorClass:        engine.ReasonCancelled,
		CompletedAt:       now,
		TaskStatus:        persistence.TaskActive,
		NextRunAt:         task.NextRunAt,
	}); err != nil {
		s.logger.Error("close abandoned execution failed", "execution_id", exec.ID, "error", err)
	}
	s.appendTerminal(ctx, exec.ID, engine.TerminalPayload{Reason: engine.ReasonCancelled, Error: msg, ErrorClass: engine.ReasonCancelled})
}

func (s *Scheduler) appendTerminal(ctx context.Context, execID string, p engine.TerminalPayload) {
	if s.opts.Events == nil {
		return
	}
	_, err := s.opts.Events.Append(ctx, execID, eventlog.Draft{
		Type:        eventlog.TerminalType(p.Reason),
		SubflowPath: "root",
		Payload:     p,
	})
	if err != nil && !errors.Is(err, eventlog.ErrClosed) {
		s.logger.Error("append terminal event failed", "execution_id", execID, "error", err)
	}
}

// Start runs the tick loop until Stop or ctx cancellation. The first tick
// fires immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.opts.Interval.String())
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due task once. A due task that is still running is
// skipped and its next run recomputed from now, so missed triggers never
// pile up.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.opts.Now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("query due tasks failed", "error", err)
		return
	}
	for i := range due {
		s.fire(ctx, &due[i], now)
	}
}

func (s *Scheduler) fire(ctx context.Context, task *persistence.BackgroundTask, now time.Time) {
	logger := s.logger.With("task_id", task.ID, "name", task.Name)
	next, err := Next(task.Schedule, now)
	if err != nil {
		logger.Error("schedule evaluation failed; task skipped", "error", err)
		return
	}
	// A once schedule has nothing left after this trigger.
	if next != nil && !next.After(now) {
		next = nil
	}

	if task.Status == persistence.TaskRunning {
		s.skip(ctx, task, next, "already running")
		return
	}
	if err := s.store.SetNextRun(ctx, task.ID, next); err != nil {
		logger.Error("set next run failed", "error", err)
		return
	}
	_, err = s.launch(ctx, task, persistence.TriggerSchedule)
	switch {
	case errors.Is(err, ErrTaskRunning):
		s.skip(ctx, task, next, "already running")
	case errors.Is(err, ErrTaskPaused), errors.Is(err, ErrNotFound):
	case err != nil:
		logger.Error("launch scheduled execution failed", "error", err)
	}
}

func (s *Scheduler) skip(ctx context.Context, task *persistence.BackgroundTask, next *time.Time, reason string) {
	if err := s.store.SetNextRun(ctx, task.ID, next); err != nil {
		s.logger.Error("set next run failed", "task_id", task.ID, "error", err)
	}
	otel.Add(ctx, s.opts.Metrics.TriggersSkipped, 1, otel.AttrTrigger, persistence.TriggerSchedule)
	s.opts.Bus.Publish(bus.TopicTaskSkipped, bus.TaskSkipped{TaskID: task.ID, Trigger: persistence.TriggerSchedule, Reason: reason})
	s.logger.Warn("scheduled trigger skipped", "task_id", task.ID, "reason", reason, "next_run_at", next)
}

// OnExecutionFinished records an engine result against its execution and
// task. It is installed as the engine's finish hook, so it runs before the
// terminal event is appended.
func (s *Scheduler) OnExecutionFinished(ctx context.Context, res engine.Result) error {
	task, err := s.store.GetTask(ctx, res.TaskID)
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", res.ExecutionID, err)
	}
	now := s.opts.Now()
	success := res.Succeeded()

	next, err := Next(task.Schedule, now)
	if err != nil {
		s.logger.Error("schedule evaluation failed", "task_id", task.ID, "error", err)
		next = nil
	}
	if task.Schedule.Kind == persistence.ScheduleOnce {
		next = nil
	}
	taskStatus := persistence.TaskActive
	if next == nil && (recurring(task.Schedule.Kind) || task.Schedule.Kind == persistence.ScheduleOnce) {
		taskStatus = persistence.TaskFailed
		if success {
			taskStatus = persistence.TaskCompleted
		}
	}

	out := persistence.Outcome{
		ExecutionID:       res.ExecutionID,
		Status:            execStatus(res.Reason),
		TerminationReason: res.Reason,
		Output:            res.Output,
		ErrorClass:        res.ErrorClass,
		Iterations:        res.Iterations,
		TokensUsed:        res.TokensUsed,
		CostUSD:           res.CostUSD,
		CompletedAt:       now,
		TaskStatus:        taskStatus,
		NextRunAt:         next,
	}
	if res.Err != nil {
		out.Error = shared.Redact(res.Err.Error())
		out.RetryHint = retryHint(task.Schedule.Kind, res.ErrorClass, next)
	}
	if err := s.store.FinishExecution(ctx, out); err != nil {
		if errors.Is(err, persistence.ErrAlreadyTerminal) {
			s.logger.Warn("execution already closed", "execution_id", res.ExecutionID)
			return nil
		}
		return err
	}
	if taskStatus != persistence.TaskActive {
		s.opts.Bus.Publish(bus.TopicTaskChanged, bus.TaskChanged{TaskID: task.ID, OldStatus: string(persistence.TaskRunning), NewStatus: string(taskStatus)})
	}
	return nil
}

func execStatus(reason string) persistence.ExecStatus {
	switch reason {
	case engine.ReasonCompleted:
		return persistence.ExecCompleted
	case engine.ReasonCancelled:
		return persistence.ExecCancelled
	}
	return persistence.ExecFailed
}

func retryHint(kind persistence.ScheduleKind, class string, next *time.Time) string {
	switch class {
	case engine.ClassNoProfile, engine.ClassUnknownProvider, "auth", "billing", "config":
		return "fix the provider configuration before the next run"
	case engine.ClassToolSchema:
		return "fix the tool definition before the next run"
	}
	if next != nil {
		return "will retry at next scheduled run (" + next.UTC().Format(time.RFC3339) + ")"
	}
	if kind == persistence.ScheduleManual || kind == persistence.ScheduleWebhook {
		return "run again manually"
	}
	return ""
}

// Recover closes executions left open by a previous process. Each gets a
// cancelled terminal event and its task returns to active.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	stale, err := s.store.RecoverStaleRunning(ctx, s.opts.Now())
	if err != nil {
		return 0, err
	}
	for _, ex := range stale {
		s.appendTerminal(ctx, ex.ID, engine.TerminalPayload{
			Reason:     engine.ReasonCancelled,
			Error:      "daemon restarted during execution",
			ErrorClass: engine.ReasonCancelled,
			Iterations: ex.IterationCount,
			TokensUsed: ex.TokensUsed,
			CostUSD:    ex.CostUSD,
		})
		s.logger.Warn("recovered stale execution", "execution_id", ex.ID, "task_id", ex.TaskID)
	}
	return len(stale), nil
}

// Progress persists running totals for an execution.
func (s *Scheduler) Progress(ctx context.Context, executionID string, iterations int, tokens int64, cost float64) {
	if err := s.store.UpdateExecutionProgress(ctx, executionID, iterations, tokens, cost); err != nil {
		s.logger.Warn("record execution progress failed", "execution_id", executionID, "error", err)
	}
}
