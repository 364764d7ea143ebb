// Package engine runs executions: a bounded worker pool in front of the
// think-act-observe loop, with wall-clock, iteration and tool-output limits.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/shared"
)

// drainGrace bounds how long Drain waits for cancelled executions to write
// their terminal events after the drain timeout.
const drainGrace = 5 * time.Second

type Status struct {
	WorkerCount int    `json:"worker_count"`
	Active      int32  `json:"active"`
	Queued      int32  `json:"queued"`
	Draining    bool   `json:"draining"`
	LastError   string `json:"last_error,omitempty"`
}

// FinishFunc persists a finished execution. It runs before the terminal
// event is appended, so a subscriber that sees the terminal event can read
// the final row.
type FinishFunc func(ctx context.Context, res Result) error

type Engine struct {
	runner *Runner
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger
	sem    *semaphore.Weighted

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	draining bool
	cancels  map[string]context.CancelFunc
	onFinish FinishFunc
	wg       sync.WaitGroup

	active    atomic.Int32
	queued    atomic.Int32
	lastError atomic.Pointer[string]
}

func New(runner *Runner, b *bus.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		runner:  runner,
		cfg:     runner.cfg,
		bus:     b,
		logger:  logger.With("component", "engine"),
		sem:     semaphore.NewWeighted(int64(runner.cfg.WorkerCount)),
		base:    base,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
	runner.finalize = e.finalize
	return e
}

// SetFinishFunc installs the hook that records finished executions.
func (e *Engine) SetFinishFunc(fn FinishFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFinish = fn
}

// Submit queues ex on the worker pool. The execution outlives ctx; only the
// trace id is carried over. Use Cancel to stop it.
func (e *Engine) Submit(ctx context.Context, ex Execution) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return ErrEngineDraining
	}
	if _, ok := e.cancels[ex.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, ex.ID)
	}
	runCtx, cancel := context.WithCancel(shared.WithTraceID(e.base, shared.TraceID(ctx)))
	e.cancels[ex.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	e.queued.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, ex.ID)
			e.mu.Unlock()
		}()

		acquired := e.sem.Acquire(runCtx, 1) == nil
		e.queued.Add(-1)
		if acquired {
			defer e.sem.Release(1)
		}
		// A cancelled queued execution still runs so that it records its
		// start and terminal events.
		e.active.Add(1)
		defer e.active.Add(-1)
		e.runner.Run(runCtx, ex)
	}()
	return nil
}

// Cancel stops an execution and all of its sub-flows. It reports whether
// the execution was known.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("cancelling execution", "execution_id", executionID)
		cancel()
	}
	return ok
}

// Running reports whether the execution is queued or running here.
func (e *Engine) Running(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancels[executionID]
	return ok
}

// Drain stops accepting work and waits up to timeout for in-flight
// executions. Stragglers are then cancelled and given a short grace period
// to record their terminal events.
func (e *Engine) Drain(timeout time.Duration) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return nil
	case <-time.After(timeout):
	}
	e.logger.Warn("engine drain timeout; cancelling in-flight executions", "timeout", timeout.String())
	e.stop()
	select {
	case <-done:
	case <-time.After(drainGrace):
	}
	return ErrDrainTimeout
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	draining := e.draining
	e.mu.Unlock()
	s := Status{
		WorkerCount: e.cfg.WorkerCount,
		Active:      e.active.Load(),
		Queued:      e.queued.Load(),
		Draining:    draining,
	}
	if p := e.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

func (e *Engine) finalize(ctx context.Context, res Result) error {
	e.mu.Lock()
	fn := e.onFinish
	e.mu.Unlock()

	if res.Err != nil {
		msg := shared.Redact(res.Err.Error())
		e.lastError.Store(&msg)
	}
	var err error
	if fn != nil {
		err = fn(ctx, res)
	}
	ev := bus.ExecutionFinished{
		ExecutionID:       res.ExecutionID,
		TaskID:            res.TaskID,
		Status:            statusOf(res.Reason),
		TerminationReason: res.Reason,
		Iterations:        res.Iterations,
		DurationMillis:    res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		CostUSD:           res.CostUSD,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	e.bus.Publish(bus.TopicExecutionFinished, ev)
	return err
}

// statusOf maps a termination reason to the persisted execution status.
func statusOf(reason string) string {
	switch reason {
	case ReasonCompleted:
		return "completed"
	case ReasonCancelled:
		return "cancelled"
	}
	return "failed"
}
