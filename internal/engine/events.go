package engine

import (
	"encoding/json"
	"time"

	"github.com/basket/taskd/internal/router"
)

// Payloads of the events the loop appends. Field names are the wire format
// seen by stream subscribers.

type startedPayload struct {
	TaskID              string `json:"task_id"`
	Trigger             string `json:"trigger"`
	Provider            string `json:"provider"`
	Model               string `json:"model,omitempty"`
	MaxIterations       int    `json:"max_iterations"`
	MaxWallClockSeconds int    `json:"max_wall_clock_seconds"`
}

type modelPayload struct {
	Iteration    int               `json:"iteration"`
	Content      string            `json:"content,omitempty"`
	ToolCalls    []router.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Model        string            `json:"model,omitempty"`
	ProfileID    string            `json:"profile_id,omitempty"`
	Tokens       int64             `json:"tokens"`
}

type toolStartedPayload struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolFinishedPayload struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Output     string `json:"output,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	SpilledTo  string `json:"spilled_to,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}

type approvalPayload struct {
	RequestID string     `json:"request_id"`
	CallID    string     `json:"call_id"`
	Tool      string     `json:"tool"`
	Command   string     `json:"command,omitempty"`
	Workdir   string     `json:"workdir,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Status    string     `json:"status,omitempty"`
	By        string     `json:"by,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type subflowPayload struct {
	CallID string `json:"call_id"`
	Task   string `json:"task,omitempty"`
	Output string `json:"output,omitempty"`
}

// TerminalPayload is the body of the single execution.* event that closes
// an execution.
type TerminalPayload struct {
	Reason     string  `json:"reason"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
	Iterations int     `json:"iterations"`
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
}

func terminalPayloadOf(res Result) TerminalPayload {
	p := TerminalPayload{
		Reason:     res.Reason,
		Output:     res.Output,
		ErrorClass: res.ErrorClass,
		Iterations: res.Iterations,
		TokensUsed: res.TokensUsed,
		CostUSD:    res.CostUSD,
		DurationMS: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}
