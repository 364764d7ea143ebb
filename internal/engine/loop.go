package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/eventlog"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/pricing"
	"github.com/basket/taskd/internal/router"
	"github.com/basket/taskd/internal/shared"
	"github.com/basket/taskd/internal/tokenutil"
	"github.com/basket/taskd/internal/tools"
)

// Termination reasons.
const (
	ReasonCompleted      = "completed"
	ReasonTimeout        = "timeout"
	ReasonIterationLimit = "iteration_limit"
	ReasonFatal          = "fatal_error"
	ReasonCancelled      = "cancelled"
)

const (
	rootPath          = "root"
	spawnToolName     = "spawn_subtask"
	defaultSysPrompt  = "You are a background agent. Work toward the user's goal using the available tools, then reply with a final answer and no tool calls."
	spawnToolSchema   = `{"type":"object","properties":{"task":{"type":"string","minLength":1}},"required":["task"],"additionalProperties":false}`
	spawnDescription  = "Run a sub-task with its own transcript and return its final answer. Independent sub-tasks requested in the same turn run in parallel."
	subflowExcerptLen = 500
)

// Dispatcher is the router as seen by the loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider string, req router.Request) (*router.Response, error)
}

// Approver is the approval gate as seen by the loop.
type Approver interface {
	Request(ctx context.Context, inv approval.Invocation) (*approval.Request, error)
	Await(ctx context.Context, id string) (approval.Decision, error)
}

// EventSink is where execution events are recorded.
type EventSink interface {
	Append(ctx context.Context, executionID string, d eventlog.Draft) (eventlog.Event, error)
}

// Execution is the unit of work handed to the engine.
type Execution struct {
	ID       string
	TaskID   string
	Trigger  string
	Input    string
	Provider string
	Model    string
}

// Result is the terminal outcome of one execution.
type Result struct {
	ExecutionID string
	TaskID      string
	Reason      string
	Output      string
	Err         error
	ErrorClass  string
	Iterations  int
	TokensUsed  int64
	CostUSD     float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Succeeded reports whether the execution completed normally.
func (r Result) Succeeded() bool { return r.Reason == ReasonCompleted }

type RunnerOptions struct {
	Config   Config
	Router   Dispatcher
	Tools    *tools.Registry
	Approval Approver
	Events   EventSink
	Pricing  *pricing.Table
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Now      func() time.Time
	// Progress, when set, receives running totals after each model call.
	Progress func(ctx context.Context, executionID string, iterations int, tokens int64, cost float64)
}

// Runner drives the think-act-observe loop for one execution at a time per
// call; it is safe for concurrent use.
type Runner struct {
	opts   RunnerOptions
	cfg    Config
	logger *slog.Logger

	// finalize runs after the outcome is known and before the terminal
	// event is appended.
	finalize func(ctx context.Context, res Result) error
}

func NewRunner(opts RunnerOptions) *Runner {
	opts.Config = opts.Config.withDefaults()
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.Pricing == nil {
		opts.Pricing = pricing.NewTable(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Noop().Tracer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, cfg: opts.Config, logger: logger.With("component", "engine")}
}

// run is the per-execution state shared by the root flow and every
// sub-flow.
type run struct {
	ex       Execution
	provider string
	model    string
	deadline time.Time

	iterations atomic.Int64

	mu       sync.Mutex
	tokens   int64
	cost     float64
	children map[string]int
	spills   map[string]int
}

func (st *run) nextChild(path string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.children[path]++
	return path + "/" + strconv.Itoa(st.children[path])
}

func (st *run) addUsage(tokens int64, cost float64) (int64, float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tokens += tokens
	st.cost += cost
	return st.tokens, st.cost
}

// Run executes ex to completion and appends exactly one terminal event. It
// never returns an error: every outcome is described by the Result.
func (r *Runner) Run(ctx context.Context, ex Execution) Result {
	start := r.opts.Now()
	ctx = shared.WithExecutionID(shared.WithTaskID(ctx, ex.TaskID), ex.ID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otel.StartSpan(ctx, r.opts.Tracer, "execution.run",
		otel.AttrExecutionID.String(ex.ID), otel.AttrTaskID.String(ex.TaskID), otel.AttrTrigger.String(ex.Trigger))
	defer span.End()

	st := &run{
		ex:       ex,
		provider: firstNonEmpty(ex.Provider, r.cfg.DefaultProvider),
		model:    firstNonEmpty(ex.Model, r.cfg.DefaultModel),
		deadline: start.Add(r.cfg.MaxWallClock),
		children: make(map[string]int),
		spills:   make(map[string]int),
	}
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.MaxWallClock)
	defer cancel()

	logger := r.logger.With("execution_id", ex.ID, "task_id", ex.TaskID, "trace_id", shared.TraceID(ctx))
	logger.Info("execution started", "trigger", ex.Trigger, "provider", st.provider, "model", st.model)
	r.opts.Metrics.ActiveExecutions.Add(ctx, 1)
	defer r.opts.Metrics.ActiveExecutions.Add(context.WithoutCancel(ctx), -1)

	var (
		output string
		err    error
	)
	_, err = r.append(runCtx, st, rootPath, eventlog.TypeExecutionStarted, startedPayload{
		TaskID:              ex.TaskID,
		Trigger:             ex.Trigger,
		Provider:            st.provider,
		Model:               st.model,
		MaxIterations:       r.cfg.MaxIterations,
		MaxWallClockSeconds: int(r.cfg.MaxWallClock / time.Second),
	})
	if err == nil {
		output, err = r.loop(runCtx, st, rootPath, 0, ex.Input)
	}

	res := r.outcome(ctx, runCtx, st, output, err)
	res.StartedAt = start
	res.FinishedAt = r.opts.Now()
	span.SetAttributes(otel.AttrReason.String(res.Reason))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}

	bg := context.WithoutCancel(ctx)
	if r.finalize != nil {
		if ferr := r.finalize(bg, res); ferr != nil {
			logger.Error("finalize execution failed", "error", ferr)
		}
	}
	if _, aerr := r.opts.Events.Append(bg, ex.ID, eventlog.Draft{
		Type:        eventlog.TerminalType(res.Reason),
		SubflowPath: rootPath,
		Payload:     terminalPayloadOf(res),
	}); aerr != nil {
		logger.Error("append terminal event failed", "error", aerr)
	}

	otel.Add(bg, r.opts.Metrics.ExecutionsTotal, 1, otel.AttrReason, res.Reason)
	r.opts.Metrics.ExecutionDuration.Record(bg, res.FinishedAt.Sub(start).Seconds())
	attrs := []any{"reason", res.Reason, "iterations", res.Iterations, "tokens", res.TokensUsed,
		"cost_usd", res.CostUSD, "duration", res.FinishedAt.Sub(start).String()}
	if res.Err != nil {
		logger.Warn("execution finished", append(attrs, "error_class", res.ErrorClass, "error", shared.Redact(res.Err.Error()))...)
	} else {
		logger.Info("execution finished", attrs...)
	}
	return res
}

// outcome maps the loop's return into a termination reason. A final answer
// wins over a deadline that expired after it was produced.
func (r *Runner) outcome(parent, runCtx context.Context, st *run, output string, err error) Result {
	res := Result{ExecutionID: st.ex.ID, TaskID: st.ex.TaskID, Iterations: int(st.iterations.Load())}
	st.mu.Lock()
	res.TokensUsed, res.CostUSD = st.tokens, st.cost
	st.mu.Unlock()

	var fe *FatalError
	switch {
	case err == nil:
		res.Reason, res.Output = ReasonCompleted, output
	case parent.Err() != nil:
		res.Reason, res.ErrorClass = ReasonCancelled, ReasonCancelled
		res.Err = fmt.Errorf("execution cancelled: %w", parent.Err())
	case runCtx.Err() != nil:
		res.Reason, res.ErrorClass = ReasonTimeout, ReasonTimeout
		res.Err = fmt.Errorf("wall clock limit of %s exceeded", r.cfg.MaxWallClock)
	case errors.Is(err, errIterationLimit):
		res.Reason, res.ErrorClass = ReasonIterationLimit, ReasonIterationLimit
		res.Err = fmt.Errorf("iteration limit of %d reached", r.cfg.MaxIterations)
	case errors.As(err, &fe):
		res.Reason, res.ErrorClass, res.Err = ReasonFatal, fe.Class, fe
	case errors.Is(err, context.DeadlineExceeded):
		// The wall clock ran out by our own clock a moment before runCtx did.
		res.Reason, res.ErrorClass = ReasonTimeout, ReasonTimeout
		res.Err = fmt.Errorf("wall clock limit of %s exceeded", r.cfg.MaxWallClock)
	default:
		res.Reason, res.ErrorClass = ReasonFatal, ClassInternal
		res.Err = fatal(ClassInternal, err)
	}
	return res
}

// loop runs one flow's transcript until it produces a final answer. Errors
// it returns end the whole execution.
func (r *Runner) loop(ctx context.Context, st *run, path string, depth int, input string) (string, error) {
	msgs := []router.Message{
		{Role: router.RoleSystem, Content: firstNonEmpty(r.cfg.SystemPrompt, defaultSysPrompt)},
		{Role: router.RoleUser, Content: input},
	}
	specs := r.toolSpecs()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n := st.iterations.Add(1)
		if n > int64(r.cfg.MaxIterations) {
			st.iterations.Add(-1)
			return "", errIterationLimit
		}
		otel.Add(ctx, r.opts.Metrics.IterationsTotal, 1, otel.AttrSubflowPath, path)

		resp, err := r.opts.Router.Dispatch(ctx, st.provider, router.Request{
			Model:    st.model,
			Messages: msgs,
			Tools:    specs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fatalFromDispatch(err)
		}
		tokens, cost := r.account(ctx, st, msgs, resp)

		if _, err := r.append(ctx, st, path, eventlog.TypeModelResponse, modelPayload{
			Iteration:    int(n),
			Content:      resp.Content,
			ToolCalls:    resp.ToolCalls,
			FinishReason: resp.FinishReason,
			Model:        resp.Model,
			ProfileID:    resp.ProfileID,
			Tokens:       tokens,
		}); err != nil {
			return "", err
		}
		if r.opts.Progress != nil {
			r.opts.Progress(ctx, st.ex.ID, int(st.iterations.Load()), st.tokensSnapshot(), cost)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		msgs = append(msgs, router.Message{Role: router.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		observations, err := r.runTools(ctx, st, path, depth, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		for i, call := range resp.ToolCalls {
			msgs = append(msgs, router.Message{Role: router.RoleTool, ToolCallID: call.ID, Content: observations[i]})
		}
	}
}

func (st *run) tokensSnapshot() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tokens
}

// account adds the response's usage, estimating it when the provider
// reported none, and returns the tokens of this call and the running cost.
func (r *Runner) account(ctx context.Context, st *run, msgs []router.Message, resp *router.Response) (int64, float64) {
	prompt, completion := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if prompt+completion == 0 {
		contents := make([]string, 0, len(msgs))
		for _, m := range msgs {
			contents = append(contents, m.Content)
		}
		prompt = tokenutil.EstimateMessages(contents...)
		completion = tokenutil.EstimateTokens(resp.Content)
		for _, c := range resp.ToolCalls {
			completion += tokenutil.EstimateTokens(string(c.Arguments))
		}
	}
	model := firstNonEmpty(resp.Model, st.model)
	callTokens := int64(prompt + completion)
	_, total := st.addUsage(callTokens, r.opts.Pricing.Cost(model, prompt, completion))
	otel.Add(ctx, r.opts.Metrics.TokensUsed, callTokens, otel.AttrModel, model)
	return callTokens, total
}

func (r *Runner) toolSpecs() []router.ToolSpec {
	var specs []router.ToolSpec
	for _, t := range r.opts.Tools.List() {
		specs = append(specs, router.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	if r.cfg.MaxSpawnDepth > 0 {
		specs = append(specs, router.ToolSpec{
			Name:        spawnToolName,
			Description: spawnDescription,
			Parameters:  json.RawMessage(spawnToolSchema),
		})
	}
	return specs
}

// runTools executes one response's tool calls. Ordinary calls run in order;
// spawn_subtask calls then run in parallel. The returned observations are
// indexed like calls.
func (r *Runner) runTools(ctx context.Context, st *run, path string, depth int, calls []router.ToolCall) ([]string, error) {
	obs := make([]string, len(calls))
	var spawns []int
	for i, call := range calls {
		if call.Name == spawnToolName {
			spawns = append(spawns, i)
			continue
		}
		o, err := r.runTool(ctx, st, path, call)
		if err != nil {
			return nil, err
		}
		obs[i] = o
	}
	if len(spawns) == 0 {
		return obs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for k, i := range spawns {
		call := calls[i]
		if k >= r.cfg.MaxSpawnFanout {
			o, err := r.toolFailed(ctx, st, path, call, "limit",
				fmt.Errorf("spawn fan-out limit reached: at most %d sub-tasks per turn", r.cfg.MaxSpawnFanout))
			if err != nil {
				return nil, err
			}
			obs[i] = o
			continue
		}
		g.Go(func() error {
			o, err := r.spawn(gctx, st, path, depth, call)
			obs[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// A sibling's failure cancels gctx; report the parent's own state
		// when it ended too.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return obs, nil
}

type spawnInput struct {
	Task string `json:"task"`
}

func (r *Runner) spawn(ctx context.Context, st *run, path string, depth int, call router.ToolCall) (string, error) {
	if _, err := r.append(ctx, st, path, eventlog.TypeToolStarted, toolStartedPayload{CallID: call.ID, Tool: call.Name, Arguments: call.Arguments}); err != nil {
		return "", err
	}
	var in spawnInput
	if err := json.Unmarshal(call.Arguments, &in); err != nil || in.Task == "" {
		return r.toolFailed(ctx, st, path, call, "invalid_arguments", fmt.Errorf("spawn_subtask requires a non-empty \"task\""))
	}
	if depth+1 > r.cfg.MaxSpawnDepth {
		return r.toolFailed(ctx, st, path, call, "limit",
			fmt.Errorf("spawn depth limit reached: sub-tasks may nest at most %d deep", r.cfg.MaxSpawnDepth))
	}

	child := st.nextChild(path)
	if _, err := r.append(ctx, st, child, eventlog.TypeSubflowStarted, subflowPayload{CallID: call.ID, Task: in.Task}); err != nil {
		return "", err
	}
	started := r.opts.Now()
	out, err := r.loop(shared.WithSubflowPath(ctx, child), st, child, depth+1, in.Task)
	if err != nil {
		return "", err
	}
	if _, err := r.append(ctx, st, child, eventlog.TypeSubflowFinished, subflowPayload{
		CallID: call.ID, Output: excerpt(out, subflowExcerptLen),
	}); err != nil {
		return "", err
	}
	return r.toolCompleted(ctx, st, path, call, out, r.opts.Now().Sub(started))
}

type toolResult struct {
	out string
	err error
}

// runTool performs one ordinary tool call and returns its observation.
// Tool failures, rejections and timeouts become observations; only the
// execution's own end or a fatal fault is returned as an error.
func (r *Runner) runTool(ctx context.Context, st *run, path string, call router.ToolCall) (string, error) {
	if _, err := r.append(ctx, st, path, eventlog.TypeToolStarted, toolStartedPayload{CallID: call.ID, Tool: call.Name, Arguments: call.Arguments}); err != nil {
		return "", err
	}
	tool, ok := r.opts.Tools.Get(call.Name)
	if !ok {
		return r.toolFailed(ctx, st, path, call, "unknown_tool", fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name))
	}
	if err := r.opts.Tools.Validate(call.Name, call.Arguments); err != nil {
		if fe := fatalFromValidate(err); fe != nil {
			return "", fe
		}
		return r.toolFailed(ctx, st, path, call, "invalid_arguments", err)
	}

	if tool.Gated {
		if o, proceed, err := r.approve(ctx, st, path, tool, call); !proceed || err != nil {
			return o, err
		}
	}

	timeout, err := r.toolTimeout(st, tool)
	if err != nil {
		return "", err
	}
	ctx, span := otel.StartSpan(ctx, r.opts.Tracer, "tool.call", otel.AttrToolName.String(call.Name), otel.AttrSubflowPath.String(path))
	defer span.End()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.opts.Now()
	done := make(chan toolResult, 1)
	go func() {
		out, err := tool.Invoke(tctx, tools.Call{ID: call.ID, ExecutionID: st.ex.ID, SubflowPath: path, Arguments: call.Arguments})
		done <- toolResult{out: out, err: err}
	}()

	var res toolResult
	select {
	case res = <-done:
	case <-tctx.Done():
		res.err = tctx.Err()
	}
	elapsed := r.opts.Now().Sub(started)
	r.opts.Metrics.ToolCallDuration.Record(ctx, elapsed.Seconds())

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if res.err != nil {
		span.SetStatus(codes.Error, res.err.Error())
		if errors.Is(res.err, context.DeadlineExceeded) || tctx.Err() != nil {
			return r.toolFailed(ctx, st, path, call, "timeout", fmt.Errorf("tool %s timed out after %s", call.Name, timeout))
		}
		return r.toolFailed(ctx, st, path, call, "tool_error", res.err)
	}
	return r.toolCompleted(ctx, st, path, call, res.out, elapsed)
}

// approve routes a gated call through the approval gate. proceed is false
// when the call must not run; the observation then explains why.
func (r *Runner) approve(ctx context.Context, st *run, path string, tool tools.Tool, call router.ToolCall) (obs string, proceed bool, err error) {
	if r.opts.Approval == nil {
		o, err := r.toolFailed(ctx, st, path, call, "approval_rejected", errors.New("tool requires approval but no approval gate is configured"))
		return o, false, err
	}
	command, workdir := tool.DescribeCall(call.Arguments)
	req, err := r.opts.Approval.Request(ctx, approval.Invocation{
		ExecutionID: st.ex.ID,
		TaskID:      st.ex.TaskID,
		Tool:        tool.Name,
		Command:     command,
		Workdir:     workdir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, fatal(ClassInternal, fmt.Errorf("request approval: %w", err))
	}
	if _, err := r.append(ctx, st, path, eventlog.TypeApprovalRequested, approvalPayload{
		RequestID: req.ID, CallID: call.ID, Tool: tool.Name, Command: command, Workdir: workdir, ExpiresAt: &req.ExpiresAt,
	}); err != nil {
		return "", false, err
	}

	d, err := r.opts.Approval.Await(ctx, req.ID)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, fatal(ClassInternal, fmt.Errorf("await approval: %w", err))
	}
	if _, err := r.append(ctx, st, path, eventlog.TypeApprovalResolved, approvalPayload{
		RequestID: req.ID, CallID: call.ID, Tool: tool.Name, Status: string(d.Status), By: d.By, Reason: d.Reason,
	}); err != nil {
		return "", false, err
	}
	if derr := d.Err(); derr != nil {
		class := "approval_rejected"
		if errors.Is(derr, approval.ErrExpired) {
			class = "approval_expired"
		}
		msg := derr.Error()
		if d.Reason != "" {
			msg += ": " + d.Reason
		}
		o, err := r.toolFailed(ctx, st, path, call, class, errors.New(msg))
		return o, false, err
	}
	return "", true, nil
}

// toolTimeout picks the per-call timeout, kept strictly below the
// remaining wall clock.
func (r *Runner) toolTimeout(st *run, tool tools.Tool) (time.Duration, error) {
	timeout := r.cfg.ToolTimeout
	if tool.Timeout > 0 && tool.Timeout < timeout {
		timeout = tool.Timeout
	}
	remaining := st.deadline.Sub(r.opts.Now())
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	if timeout >= remaining {
		timeout = remaining * 9 / 10
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	return timeout, nil
}

func (r *Runner) toolCompleted(ctx context.Context, st *run, path string, call router.ToolCall, out string, elapsed time.Duration) (string, error) {
	obs, spillPath, err := r.spill(st, path, call.ID, out)
	if err != nil {
		r.logger.Warn("spill tool output failed", "execution_id", st.ex.ID, "call_id", call.ID, "error", err)
		obs = excerpt(out, r.cfg.MaxToolOutput)
	}
	if spillPath != "" {
		otel.Add(ctx, r.opts.Metrics.ToolOutputSpills, 1, otel.AttrToolName, call.Name)
	}
	if _, err := r.append(ctx, st, path, eventlog.TypeToolCompleted, toolFinishedPayload{
		CallID:     call.ID,
		Tool:       call.Name,
		Output:     obs,
		Bytes:      len(out),
		SpilledTo:  spillPath,
		DurationMS: elapsed.Milliseconds(),
	}); err != nil {
		return "", err
	}
	return obs, nil
}

func (r *Runner) toolFailed(ctx context.Context, st *run, path string, call router.ToolCall, class string, cause error) (string, error) {
	msg := shared.Redact(cause.Error())
	otel.Add(ctx, r.opts.Metrics.ToolCallErrors, 1, otel.AttrErrorClass, class)
	if _, err := r.append(ctx, st, path, eventlog.TypeToolFailed, toolFinishedPayload{
		CallID:     call.ID,
		Tool:       call.Name,
		Error:      msg,
		ErrorClass: class,
	}); err != nil {
		return "", err
	}
	return "error: " + msg, nil
}

// append records a non-terminal event. A failure caused by ctx ending is
// returned as the context error; anything else is fatal.
func (r *Runner) append(ctx context.Context, st *run, path, typ string, payload any) (eventlog.Event, error) {
	ev, err := r.opts.Events.Append(ctx, st.ex.ID, eventlog.Draft{Type: typ, SubflowPath: path, Payload: payload})
	if err != nil {
		if ctx.Err() != nil {
			return ev, ctx.Err()
		}
		return ev, fatal(ClassEventLog, fmt.Errorf("append %s event: %w", typ, err))
	}
	return ev, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
