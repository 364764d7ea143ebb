// Package approval gates risky tool calls behind a human decision with a
// TTL. Waiting suspends only the calling tool invocation; an unanswered
// request expires and is treated exactly like a rejection.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
)

const (
	DefaultTTL           = 120 * time.Second
	defaultSweepInterval = 15 * time.Second
)

var (
	ErrRejected   = errors.New("approval rejected")
	ErrExpired    = errors.New("approval expired")
	ErrNotPending = errors.New("approval already resolved")
)

// Request is a persisted approval request.
type Request = persistence.ApprovalRecord

// Invocation describes the gated tool call awaiting a decision.
type Invocation struct {
	ExecutionID string
	TaskID      string
	Tool        string
	Command     string
	Workdir     string
}

// Decision is the outcome handed back to the suspended tool call.
type Decision struct {
	RequestID string
	Status    persistence.ApprovalStatus
	By        string
	Reason    string
}

func (d Decision) Approved() bool { return d.Status == persistence.ApprovalApproved }

// Err is nil for an approval, ErrExpired for an expiry, ErrRejected otherwise.
func (d Decision) Err() error {
	switch d.Status {
	case persistence.ApprovalApproved:
		return nil
	case persistence.ApprovalExpired:
		return ErrExpired
	}
	return ErrRejected
}

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Store         *persistence.Store
	Bus           *bus.Bus
	Audit         *audit.Trail
	Metrics       *otel.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
	// After is the timer used while awaiting expiry.
	After func(time.Duration) <-chan time.Time
}

type Gate struct {
	opts   Options
	logger *slog.Logger
	ttl    atomic.Int64

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func New(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("approval: store is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		opts:    opts,
		logger:  logger.With("component", "approval"),
		waiters: make(map[string]chan struct{}),
	}
	g.ttl.Store(int64(opts.TTL))
	return g, nil
}

// SetTTL changes the TTL applied to requests created from now on.
func (g *Gate) SetTTL(d time.Duration) {
	if d > 0 {
		g.ttl.Store(int64(d))
	}
}

func (g *Gate) TTL() time.Duration { return time.Duration(g.ttl.Load()) }

// Request creates a pending request, or returns the existing unexpired
// pending request for the same execution and command.
func (g *Gate) Request(ctx context.Context, inv Invocation) (*Request, error) {
	if inv.ExecutionID == "" || inv.Command == "" {
		return nil, fmt.Errorf("approval: execution id and command are required")
	}
	now := g.opts.Now().UTC()
	existing, err := g.opts.Store.FindPendingApproval(ctx, inv.ExecutionID, inv.Command, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	req := &Request{
		ID:          uuid.NewString(),
		ExecutionID: inv.ExecutionID,
		TaskID:      inv.TaskID,
		Tool:        inv.Tool,
		Command:     inv.Command,
		Workdir:     inv.Workdir,
		Status:      persistence.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(g.TTL()),
	}
	if err := g.opts.Store.InsertApproval(ctx, req); err != nil {
		return nil, err
	}
	g.logger.Info("approval requested", "approval_id", req.ID, "execution_id", req.ExecutionID,
		"tool", req.Tool, "expires_at", req.ExpiresAt)
	g.opts.Bus.Publish(bus.TopicApprovalRequested, *req)
	return req, nil
}

// Get returns the request, expiring it first if it is pending past its
// deadline.
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	req, err := g.opts.Store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == persistence.ApprovalPending && !g.opts.Now().Before(req.ExpiresAt) {
		if _, err := g.resolve(ctx, req, persistence.ApprovalExpired, "system", "ttl elapsed"); err != nil {
			return nil, err
		}
		return g.opts.Store.GetApproval(ctx, id)
	}
	return req, nil
}

func (g *Gate) List(ctx context.Context, status persistence.ApprovalStatus, limit int) ([]Request, error) {
	return g.opts.Store.ListApprovals(ctx, status, limit)
}

// Await blocks the calling tool invocation until the request is resolved,
// its TTL elapses (resolved expired) or ctx ends (resolved rejected with
// reason "cancelled"). Other requests are unaffected.
func (g *Gate) Await(ctx context.Context, id string) (Decision, error) {
	for {
		// Register before reading so a resolution between the read and the
		// select still wakes us.
		wake := g.waiter(id)
		req, err := g.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return g.cancel(ctx, id)
			}
			return Decision{}, err
		}
		if req.Status != persistence.ApprovalPending {
			g.wake(id)
			return decisionOf(req), nil
		}

		select {
		case <-wake:
		case <-g.opts.After(req.ExpiresAt.Sub(g.opts.Now())):
		case <-ctx.Done():
			return g.cancel(ctx, id)
		}
	}
}

func (g *Gate) cancel(ctx context.Context, id string) (Decision, error) {
	bg := context.WithoutCancel(ctx)
	req, err := g.opts.Store.GetApproval(bg, id)
	if err == nil && req.Status == persistence.ApprovalPending {
		_, err = g.resolve(bg, req, persistence.ApprovalRejected, "system", "cancelled")
		if err == nil {
			req, err = g.opts.Store.GetApproval(bg, id)
		}
	}
	if err != nil {
		return Decision{RequestID: id, Status: persistence.ApprovalRejected, Reason: "cancelled"}, errors.Join(ctx.Err(), err)
	}
	return decisionOf(req), ctx.Err()
}

func decisionOf(req *Request) Decision {
	return Decision{RequestID: req.ID, Status: req.Status, By: req.ResolvedBy, Reason: req.Reason}
}

// Approve approves a pending request. A request past its deadline is
// marked expired instead and ErrExpired is returned.
func (g *Gate) Approve(ctx context.Context, id, by string) (*Request, error) {
	req, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case persistence.ApprovalPending:
	case persistence.ApprovalExpired:
		return req, ErrExpired
	default:
		return req, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}
	changed, err := g.resolve(ctx, req, persistence.ApprovalApproved, by, "")
	if err != nil {
		return nil, err
	}
	out, err := g.opts.Store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		if out.Status == persistence.ApprovalPending {
			// The deadline passed between the read and the write.
			if _, err := g.resolve(ctx, out, persistence.ApprovalExpired, "system", "ttl elapsed"); err != nil {
				return nil, err
			}
			if out, err = g.opts.Store.GetApproval(ctx, id); err != nil {
				return nil, err
			}
		}
		if out.Status == persistence.ApprovalExpired {
			return out, ErrExpired
		}
		return out, fmt.Errorf("%w: %s", ErrNotPending, out.Status)
	}
	return out, nil
}

// Reject rejects a pending request.
func (g *Gate) Reject(ctx context.Context, id, by, reason string) (*Request, error) {
	req, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != persistence.ApprovalPending {
		return req, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}
	if reason == "" {
		reason = "rejected"
	}
	changed, err := g.resolve(ctx, req, persistence.ApprovalRejected, by, reason)
	if err != nil {
		return nil, err
	}
	out, err := g.opts.Store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return out, fmt.Errorf("%w: %s", ErrNotPending, out.Status)
	}
	return out, nil
}

// Sweep expires every pending request past its deadline, including those
// orphaned by a restart. It returns how many were expired.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	due, err := g.opts.Store.ListExpiredPending(ctx, g.opts.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range due {
		changed, err := g.resolve(ctx, &due[i], persistence.ApprovalExpired, "system", "ttl elapsed")
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// Run sweeps periodically until ctx ends.
func (g *Gate) Run(ctx context.Context) {
	t := time.NewTicker(g.opts.SweepInterval)
	defer t.Stop()
	for {
		if n, err := g.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("approval sweep failed", "error", err)
		} else if n > 0 {
			g.logger.Info("expired stale approvals", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// resolve moves req out of pending exactly once, then audits, publishes and
// wakes waiters.
func (g *Gate) resolve(ctx context.Context, req *Request, status persistence.ApprovalStatus, by, reason string) (bool, error) {
	changed, err := g.opts.Store.ResolveApproval(ctx, req.ID, status, by, reason, g.opts.Now().UTC())
	if err != nil || !changed {
		return changed, err
	}
	action := audit.ActionApprovalRejected
	switch status {
	case persistence.ApprovalApproved:
		action = audit.ActionApprovalApproved
	case persistence.ApprovalExpired:
		action = audit.ActionApprovalExpired
	}
	g.opts.Audit.Record(ctx, action, req.ID+" "+req.Command, string(status), reason, by)
	otel.Add(ctx, g.opts.Metrics.ApprovalsResolved, 1, otel.AttrStatus, string(status))
	g.logger.Info("approval resolved", "approval_id", req.ID, "execution_id", req.ExecutionID,
		"status", string(status), "by", by, "reason", reason)
	g.opts.Bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolved{
		RequestID:   req.ID,
		ExecutionID: req.ExecutionID,
		Command:     req.Command,
		Status:      string(status),
		Reason:      reason,
	})
	g.wake(req.ID)
	return true, nil
}

func (g *Gate) waiter(id string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[id]
	if !ok {
		ch = make(chan struct{})
		g.waiters[id] = ch
	}
	return ch
}

func (g *Gate) wake(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiters[id]; ok {
		close(ch)
		delete(g.waiters, id)
	}
}
