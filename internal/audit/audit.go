// Package audit records security-relevant decisions: profile disables and
// re-enables, approval resolutions, and task deletions. Entries go to an
// append-only JSONL file and, when configured, the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/taskd/internal/shared"
)

// Actions recorded by the daemon.
const (
	ActionProfileDisabled  = "profile.disabled"
	ActionProfileEnabled   = "profile.enabled"
	ActionApprovalApproved = "approval.approved"
	ActionApprovalRejected = "approval.rejected"
	ActionApprovalExpired  = "approval.expired"
	ActionTaskDeleted      = "task.deleted"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// Trail is the audit sink. A nil *Trail discards records.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts map[string]int64
}

// Open creates <home>/logs/audit.jsonl for appending.
func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f, counts: make(map[string]int64)}, nil
}

// SetDB mirrors subsequent records into the audit_log table.
func (t *Trail) SetDB(d *sql.DB) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = d
}

func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Count returns how many records with the given action were written since Open.
func (t *Trail) Count(action string) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[action]
}

// Record appends one entry. Secrets in subject and reason are redacted
// before they are persisted. Write failures are swallowed; audit must never
// block the operation being audited.
func (t *Trail) Record(ctx context.Context, action, subject, decision, reason, actor string) {
	if t == nil {
		return
	}
	subject = shared.Redact(subject)
	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[action]++

	if t.file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Action:    action,
			Subject:   subject,
			Decision:  decision,
			Reason:    reason,
			Actor:     actor,
		})
		if err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}

	if t.db != nil {
		_, _ = t.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, actor)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, actor)
	}
}
