// Package notify tells task owners about finished executions and pending
// approvals over Telegram.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/shared"
)

// MaxOutputRunes bounds the output and error text carried in a message.
const MaxOutputRunes = 1000

// Message is one outgoing chat message. When ApprovalID is set the message
// carries approve and reject buttons for that request.
type Message struct {
	ChatID     int64
	Text       string
	ApprovalID string
}

type Messenger interface {
	Send(ctx context.Context, m Message) error
}

// Store is the read access the notifier needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*persistence.BackgroundTask, error)
	GetExecution(ctx context.Context, id string) (*persistence.Execution, error)
}

type Options struct {
	Bus       *bus.Bus
	Store     Store
	Messenger Messenger
	// DefaultChatID receives approval prompts and is the fallback for tasks
	// that enable Telegram without naming a chat.
	DefaultChatID int64
	Logger        *slog.Logger
}

type Notifier struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{opts: opts, logger: logger.With("component", "notify")}
}

// Run delivers notifications for bus events until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	finished := n.opts.Bus.Subscribe(bus.TopicExecutionFinished)
	defer n.opts.Bus.Unsubscribe(finished)
	requested := n.opts.Bus.Subscribe(bus.TopicApprovalRequested)
	defer n.opts.Bus.Unsubscribe(requested)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-finished.Ch():
			if fin, ok := ev.Payload.(bus.ExecutionFinished); ok {
				n.Finished(ctx, fin)
			}
		case ev := <-requested.Ch():
			if req, ok := ev.Payload.(approval.Request); ok {
				n.ApprovalRequested(ctx, req)
			}
		}
	}
}

// Finished sends the completion message for one execution if its task asks
// for one. Delivery failures are logged, never returned.
func (n *Notifier) Finished(ctx context.Context, fin bus.ExecutionFinished) {
	if fin.TaskID == "" {
		return
	}
	task, err := n.opts.Store.GetTask(ctx, fin.TaskID)
	if err != nil {
		n.logger.Warn("notification skipped: task lookup failed", "task_id", fin.TaskID, "error", err)
		return
	}
	cfg := task.Notification
	if !cfg.TelegramEnabled {
		return
	}
	success := fin.Status == string(persistence.ExecCompleted)
	if success && cfg.NotifyOnFailureOnly {
		return
	}
	chatID := cfg.ChatID
	if chatID == 0 {
		chatID = n.opts.DefaultChatID
	}
	if chatID == 0 {
		n.logger.Warn("notification skipped: no chat id", "task_id", task.ID)
		return
	}

	var output string
	if cfg.IncludeOutput && success {
		if ex, err := n.opts.Store.GetExecution(ctx, fin.ExecutionID); err == nil {
			output = ex.Output
		} else {
			n.logger.Warn("execution lookup failed", "execution_id", fin.ExecutionID, "error", err)
		}
	}
	text := FormatFinished(task.Name, fin, output)
	if err := n.opts.Messenger.Send(ctx, Message{ChatID: chatID, Text: text}); err != nil {
		n.logger.Error("send notification failed", "task_id", task.ID, "execution_id", fin.ExecutionID, "error", err)
		return
	}
	n.logger.Info("notification sent", "task_id", task.ID, "execution_id", fin.ExecutionID, "success", success)
}

// ApprovalRequested prompts the default chat to decide a gated tool call.
func (n *Notifier) ApprovalRequested(ctx context.Context, req approval.Request) {
	if n.opts.DefaultChatID == 0 {
		return
	}
	if err := n.opts.Messenger.Send(ctx, Message{
		ChatID:     n.opts.DefaultChatID,
		Text:       FormatApproval(req),
		ApprovalID: req.ID,
	}); err != nil {
		n.logger.Error("send approval prompt failed", "approval_id", req.ID, "error", err)
	}
}

func FormatFinished(taskName string, fin bus.ExecutionFinished, output string) string {
	var b strings.Builder
	dur := (time.Duration(fin.DurationMillis) * time.Millisecond).Round(time.Second)
	if fin.Status == string(persistence.ExecCompleted) {
		fmt.Fprintf(&b, "Task %q completed in %s (%d iterations).", taskName, dur, fin.Iterations)
	} else {
		fmt.Fprintf(&b, "Task %q %s: %s after %s.", taskName, fin.Status, fin.TerminationReason, dur)
		if fin.Error != "" {
			b.WriteString("\n\n")
			b.WriteString(Truncate(shared.Redact(fin.Error), MaxOutputRunes))
		}
	}
	if output = strings.TrimSpace(output); output != "" {
		b.WriteString("\n\n")
		b.WriteString(Truncate(shared.Redact(output), MaxOutputRunes))
	}
	fmt.Fprintf(&b, "\n\nexecution %s", fin.ExecutionID)
	return b.String()
}

func FormatApproval(req approval.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed for %s\n\n%s", req.Tool, Truncate(shared.Redact(req.Command), MaxOutputRunes))
	if req.Workdir != "" {
		fmt.Fprintf(&b, "\n\nin %s", req.Workdir)
	}
	fmt.Fprintf(&b, "\n\nexecution %s, expires %s", req.ExecutionID, req.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// Truncate cuts s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
