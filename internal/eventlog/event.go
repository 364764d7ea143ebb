// Package eventlog is the durable, append-only record of everything an
// execution does. Each execution owns a directory of segment files; records
// are fsynced before they are announced on the bus, so live subscribers never
// see an event the log could lose.
package eventlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types. The execution.* types other than execution.started are terminal.
const (
	TypeExecutionStarted   = "execution.started"
	TypeModelResponse      = "model.response"
	TypeToolStarted        = "tool.started"
	TypeToolCompleted      = "tool.completed"
	TypeToolFailed         = "tool.failed"
	TypeApprovalRequested  = "approval.requested"
	TypeApprovalResolved   = "approval.resolved"
	TypeSubflowStarted     = "subflow.started"
	TypeSubflowFinished    = "subflow.finished"
	TypeExecutionCompleted = "execution.completed"
	TypeExecutionTimeout   = "execution.timeout"
	TypeExecutionIterLimit = "execution.iteration_limit"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionCancelled = "execution.cancelled"
)

// Event is one durable record. Seq starts at 1 and is contiguous within an
// execution.
type Event struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	SubflowPath string          `json:"subflow_path"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether this event closes its execution.
func (e Event) Terminal() bool {
	return IsTerminal(e.Type)
}

func IsTerminal(eventType string) bool {
	return strings.HasPrefix(eventType, "execution.") && eventType != TypeExecutionStarted
}

// TerminalType maps a termination reason to its terminal event type.
func TerminalType(reason string) string {
	switch reason {
	case "completed":
		return TypeExecutionCompleted
	case "timeout":
		return TypeExecutionTimeout
	case "iteration_limit":
		return TypeExecutionIterLimit
	case "cancelled":
		return TypeExecutionCancelled
	default:
		return TypeExecutionFailed
	}
}

// Draft is what callers hand to Append; the log assigns identity and time.
type Draft struct {
	Type        string
	SubflowPath string
	Payload     any
}

func eventID(executionID string, seq uint64) string {
	return fmt.Sprintf("%s:%d", executionID, seq)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
