package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/persistence"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// elapse makes every expiry timer fire at once, moving the clock to the
// deadline it was armed for.
func (c *clock) elapse(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// never is an expiry timer that does not fire.
func never(time.Duration) <-chan time.Time { return nil }

type fixture struct {
	gate  *Gate
	store *persistence.Store
	trail *audit.Trail
	bus   *bus.Bus
	clock *clock
}

func newFixture(t *testing.T, after func(time.Duration) <-chan time.Time) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "taskd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	trail, err := audit.Open(dir)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	f := &fixture{store: store, trail: trail, bus: bus.New(), clock: &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}}
	if after == nil {
		after = f.clock.elapse
	}
	g, err := New(Options{Store: store, Bus: f.bus, Audit: trail, Now: f.clock.Now, After: after})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	f.gate = g
	return f
}

func rmInvocation(exec string) Invocation {
	return Invocation{ExecutionID: exec, TaskID: "task-1", Tool: "shell", Command: "rm -rf ./build"}
}

func TestAwait_ExpiresIntoRejection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req, err := f.gate.Request(ctx, rmInvocation("exec-1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := req.ExpiresAt.Sub(req.RequestedAt); got != DefaultTTL {
		t.Fatalf("ttl = %s, want %s", got, DefaultTTL)
	}

	d, err := f.gate.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d.Status != persistence.ApprovalExpired || d.Approved() || !errors.Is(d.Err(), ErrExpired) {
		t.Fatalf("expected expiry treated as rejection, got %+v", d)
	}
	if _, err := f.gate.Approve(ctx, req.ID, "alice"); !errors.Is(err, ErrExpired) {
		t.Fatalf("late approval must fail with ErrExpired, got %v", err)
	}
	stored, _ := f.store.GetApproval(ctx, req.ID)
	if stored.Status != persistence.ApprovalExpired {
		t.Fatalf("expected expired in store, got %s", stored.Status)
	}
	if f.trail.Count("approval.expired") != 1 {
		t.Fatalf("expected expiry audited once")
	}
}

func TestApprove_PastDeadlineNeverApproves(t *testing.T) {
	f := newFixture(t, never)
	ctx := context.Background()
	req, _ := f.gate.Request(ctx, rmInvocation("exec-1"))
	f.clock.Advance(DefaultTTL)

	got, err := f.gate.Approve(ctx, req.ID, "alice")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if got.Status != persistence.ApprovalExpired {
		t.Fatalf("first evaluation past deadline must expire, got %s", got.Status)
	}
	if f.trail.Count("approval.approved") != 0 {
		t.Fatalf("nothing may be approved")
	}
}

func TestApprove_DeadlinePassingDuringDecisionExpires(t *testing.T) {
	f := newFixture(t, never)
	ctx := context.Background()
	req, _ := f.gate.Request(ctx, rmInvocation("exec-1"))

	// The pending check sees the request just inside its TTL; the write
	// happens just after it.
	var calls int
	f.gate.opts.Now = func() time.Time {
		calls++
		if calls == 1 {
			return req.ExpiresAt.Add(-time.Millisecond)
		}
		return req.ExpiresAt.Add(time.Second)
	}

	got, err := f.gate.Approve(ctx, req.ID, "alice")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if got.Status != persistence.ApprovalExpired || got.ResolvedAt == nil || got.ResolvedAt.Before(req.ExpiresAt) {
		t.Fatalf("expected expired resolution after the deadline, got %+v", got)
	}
	if f.trail.Count("approval.approved") != 0 || f.trail.Count("approval.expired") != 1 {
		t.Fatalf("audit approved=%d expired=%d", f.trail.Count("approval.approved"), f.trail.Count("approval.expired"))
	}
}

func TestGet_LazilyExpires(t *testing.T) {
	f := newFixture(t, never)
	ctx := context.Background()
	req, _ := f.gate.Request(ctx, rmInvocation("exec-1"))
	f.clock.Advance(DefaultTTL - time.Second)
	if got, _ := f.gate.Get(ctx, req.ID); got.Status != persistence.ApprovalPending {
		t.Fatalf("still pending before deadline, got %s", got.Status)
	}
	f.clock.Advance(time.Second)
	if got, _ := f.gate.Get(ctx, req.ID); got.Status != persistence.ApprovalExpired {
		t.Fatalf("expected expired at deadline, got %s", got.Status)
	}
}

func TestAwait_ApprovalWakesOnlyThatInvocation(t *testing.T) {
	f := newFixture(t, never)
	ctx := context.Background()
	a, _ := f.gate.Request(ctx, rmInvocation("exec-a"))
	b, _ := f.gate.Request(ctx, rmInvocation("exec-b"))
	if a.ID == b.ID {
		t.Fatalf("different executions must not share a request")
	}

	results := make(chan Decision, 2)
	go func() {
		d, _ := f.gate.Await(ctx, a.ID)
		results <- d
	}()
	bctx, cancelB := context.WithCancel(ctx)
	defer cancelB()
	go func() {
		d, _ := f.gate.Await(bctx, b.ID)
		results <- d
	}()

	if _, err := f.gate.Approve(ctx, a.ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	select {
	case d := <-results:
		if d.RequestID != a.ID || !d.Approved() || d.By != "alice" {
			t.Fatalf("unexpected decision %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("approved invocation did not resume")
	}
	select {
	case d := <-results:
		t.Fatalf("unrelated invocation resumed early: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
	if got, _ := f.gate.Get(ctx, b.ID); got.Status != persistence.ApprovalPending {
		t.Fatalf("b must still be pending, got %s", got.Status)
	}
}

func TestAwait_CancelResolvesRejected(t *testing.T) {
	f := newFixture(t, never)
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := f.gate.Request(ctx, rmInvocation("exec-1"))
	done := make(chan struct{})
	var d Decision
	var err error
	go func() {
		defer close(done)
		d, err = f.gate.Await(ctx, req.ID)
	}()
	cancel()
	<-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d.Status != persistence.ApprovalRejected || d.Reason != "cancelled" {
		t.Fatalf("expected rejected/cancelled, got %+v", d)
	}
}

func TestRequest_DedupesIdenticalPending(t *testing.T) {
	f := newFixture(t, never)
	ctx := context.Background()
	first, _ := f.gate.Request(ctx, rmInvocation("exec-1"))
	second, _ := f.gate.Request(ctx, rmInvocation("exec-1"))
	if first.ID != second.ID {
		t.Fatalf("identical pending request must be reused")
	}
	if _, err := f.gate.Reject(ctx, first.ID, "bob", "too risky"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	third, _ := f.gate.Request(ctx, rmInvocation("exec-1"))
	if third.ID == first.ID {
		t.Fatalf("a resolved request must not be reused")
	}
	if _, err := f.gate.Reject(ctx, first.ID, "bob", ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second resolution must fail, got %v", err)
	}
}

func TestSweep_ExpiresOrphans(t *testing.T) {
	f := newFixture(t, never)
	ctx := context.Background()
	sub := f.bus.Subscribe("approval.resolved")
	defer f.bus.Unsubscribe(sub)

	_, _ = f.gate.Request(ctx, rmInvocation("exec-1"))
	_, _ = f.gate.Request(ctx, Invocation{ExecutionID: "exec-2", Tool: "shell", Command: "shutdown now"})
	f.gate.SetTTL(time.Hour)
	fresh, _ := f.gate.Request(ctx, Invocation{ExecutionID: "exec-3", Tool: "shell", Command: "ls"})

	f.clock.Advance(DefaultTTL)
	n, err := f.gate.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	if got, _ := f.gate.Get(ctx, fresh.ID); got.Status != persistence.ApprovalPending {
		t.Fatalf("request created under the longer ttl must survive")
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			if r, ok := ev.Payload.(bus.ApprovalResolved); !ok || r.Status != "expired" {
				t.Fatalf("unexpected resolution event %#v", ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing resolution event %d", i)
		}
	}
}
