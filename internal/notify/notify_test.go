package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/persistence"
)

type recorder struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (r *recorder) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

type fakeStore struct {
	tasks map[string]*persistence.BackgroundTask
	execs map[string]*persistence.Execution
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*persistence.BackgroundTask, error) {
	if t, ok := s.tasks[id]; ok {
		return t, nil
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) GetExecution(_ context.Context, id string) (*persistence.Execution, error) {
	if e, ok := s.execs[id]; ok {
		return e, nil
	}
	return nil, persistence.ErrNotFound
}

func newNotifier(cfg persistence.Notification, output string) (*Notifier, *recorder) {
	store := &fakeStore{
		tasks: map[string]*persistence.BackgroundTask{
			"t1": {ID: "t1", Name: "nightly report", Notification: cfg},
		},
		execs: map[string]*persistence.Execution{
			"e1": {ID: "e1", TaskID: "t1", Output: output},
		},
	}
	rec := &recorder{}
	return New(Options{Store: store, Messenger: rec, DefaultChatID: 99}), rec
}

func finished(status string) bus.ExecutionFinished {
	fin := bus.ExecutionFinished{
		ExecutionID:       "e1",
		TaskID:            "t1",
		Status:            status,
		TerminationReason: status,
		Iterations:        3,
		DurationMillis:    4200,
	}
	if status != "completed" {
		fin.TerminationReason = "timeout"
		fin.Error = "wall clock limit of 5m0s exceeded"
	}
	return fin
}

func TestFinished_RespectsTaskSettings(t *testing.T) {
	cases := []struct {
		name     string
		cfg      persistence.Notification
		status   string
		wantSent bool
		wantChat int64
	}{
		{"disabled", persistence.Notification{}, "completed", false, 0},
		{"success", persistence.Notification{TelegramEnabled: true, ChatID: 7}, "completed", true, 7},
		{"failure only skips success", persistence.Notification{TelegramEnabled: true, NotifyOnFailureOnly: true}, "completed", false, 0},
		{"failure only sends failure", persistence.Notification{TelegramEnabled: true, NotifyOnFailureOnly: true}, "failed", true, 99},
		{"default chat", persistence.Notification{TelegramEnabled: true}, "completed", true, 99},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, rec := newNotifier(tc.cfg, "result")
			n.Finished(context.Background(), finished(tc.status))
			msgs := rec.messages()
			if got := len(msgs) == 1; got != tc.wantSent {
				t.Fatalf("sent %d messages, want sent=%v", len(msgs), tc.wantSent)
			}
			if tc.wantSent && msgs[0].ChatID != tc.wantChat {
				t.Fatalf("chat = %d, want %d", msgs[0].ChatID, tc.wantChat)
			}
		})
	}
}

func TestFinished_IncludesTruncatedOutput(t *testing.T) {
	long := strings.Repeat("é", 1500)
	n, rec := newNotifier(persistence.Notification{TelegramEnabled: true, IncludeOutput: true}, long)
	n.Finished(context.Background(), finished("completed"))

	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages", len(msgs))
	}
	text := msgs[0].Text
	if !strings.Contains(text, strings.Repeat("é", 999)+"…") {
		t.Fatal("output was not truncated to 1000 runes")
	}
	if strings.Contains(text, strings.Repeat("é", 1000)) {
		t.Fatal("output exceeds 1000 runes")
	}
}

func TestFinished_OmitsOutputUnlessRequested(t *testing.T) {
	n, rec := newNotifier(persistence.Notification{TelegramEnabled: true}, "secret result")
	n.Finished(context.Background(), finished("completed"))
	if text := rec.messages()[0].Text; strings.Contains(text, "secret result") {
		t.Fatalf("output leaked into message: %q", text)
	}
}

func TestFinished_FailureCarriesError(t *testing.T) {
	n, rec := newNotifier(persistence.Notification{TelegramEnabled: true}, "")
	n.Finished(context.Background(), finished("failed"))
	text := rec.messages()[0].Text
	if !strings.Contains(text, "timeout") || !strings.Contains(text, "wall clock limit") {
		t.Fatalf("text = %q", text)
	}
}

func TestFinished_SendErrorIsSwallowed(t *testing.T) {
	n, rec := newNotifier(persistence.Notification{TelegramEnabled: true}, "")
	rec.err = errors.New("telegram down")
	n.Finished(context.Background(), finished("completed"))
	n.Finished(context.Background(), bus.ExecutionFinished{ExecutionID: "x", TaskID: "missing"})
}

func TestRun_DeliversFromBus(t *testing.T) {
	b := bus.New()
	n, rec := newNotifier(persistence.Notification{TelegramEnabled: true}, "")
	n.opts.Bus = b

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for b.SubscriberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(bus.TopicExecutionFinished, finished("completed"))
	b.Publish(bus.TopicApprovalRequested, approval.Request{ID: "apr-1", Tool: "shell", Command: "rm -rf build", ExecutionID: "e1", ExpiresAt: time.Now()})
	for len(rec.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	var prompt *Message
	for i := range msgs {
		if msgs[i].ApprovalID != "" {
			prompt = &msgs[i]
		}
	}
	if prompt == nil || prompt.ApprovalID != "apr-1" || prompt.ChatID != 99 || !strings.Contains(prompt.Text, "rm -rf build") {
		t.Fatalf("approval prompt = %+v", prompt)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := Truncate(strings.Repeat("a", 20), 10)
	if utf8.RuneCountInString(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("got %q", got)
	}
}

func TestParseCallback(t *testing.T) {
	id, action, err := parseCallback(callbackData("0f1c-22", actionApprove))
	if err != nil || id != "0f1c-22" || action != actionApprove {
		t.Fatalf("parse = %q %q %v", id, action, err)
	}
	for _, bad := range []string{"", "hitl:x:approve", "approval:", "approval:x:", "approval::reject", "approval:x:maybe"} {
		if _, _, err := parseCallback(bad); err == nil {
			t.Fatalf("parseCallback(%q) succeeded", bad)
		}
	}
}
