// Package router selects a credential profile for each model call, issues
// the call, classifies failures, and owns every profile's health state.
// Dispatch is the only retry loop for provider calls in the daemon.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/shared"
)

// HealthStore persists profile health across restarts.
type HealthStore interface {
	SaveProfileHealth(ctx context.Context, p persistence.ProfileHealth) error
	LoadProfileHealth(ctx context.Context) (map[string]persistence.ProfileHealth, error)
	DeleteProfileHealth(ctx context.Context, id string) error
}

type Options struct {
	AttemptBudget  int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	MaxWait        time.Duration
	RequestTimeout time.Duration

	Store   HealthStore
	Bus     *bus.Bus
	Audit   *audit.Trail
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	Now   func() time.Time
	Rand  func() float64
	Sleep func(ctx context.Context, d time.Duration) error
}

// OptionsFromConfig maps the router section of the config file.
func OptionsFromConfig(c config.RouterConfig) Options {
	return Options{
		AttemptBudget:  c.AttemptBudget,
		BaseBackoff:    time.Duration(c.BaseBackoffMillis) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffSeconds) * time.Second,
		Jitter:         c.JitterFraction,
		MaxWait:        time.Duration(c.MaxWaitSeconds) * time.Second,
		RequestTimeout: time.Duration(c.RequestTimeoutSeconds) * time.Second,
	}
}

type Router struct {
	opts   Options
	logger *slog.Logger

	// mu guards membership of profiles and clients only; health lives
	// behind each entry's own mutex.
	mu       sync.RWMutex
	profiles map[string]*entry
	clients  map[string]Client
}

func New(opts Options) *Router {
	if opts.AttemptBudget <= 0 {
		opts.AttemptBudget = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = time.Minute
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		opts.Jitter = 0.2
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
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
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		opts:     opts,
		logger:   logger.With("component", "router"),
		profiles: make(map[string]*entry),
		clients:  make(map[string]Client),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetClient registers the client used for every profile of provider.
func (r *Router) SetClient(provider string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider] = c
}

func (r *Router) client(provider string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[provider]
}

// Dispatch performs one logical model call for provider, failing over
// between profiles until one succeeds, a request error is returned, or the
// attempt budget is spent.
func (r *Router) Dispatch(ctx context.Context, provider string, req Request) (*Response, error) {
	ctx, span := otel.StartClientSpan(ctx, r.opts.Tracer, "router.dispatch",
		otel.AttrProvider.String(provider), otel.AttrModel.String(req.Model))
	defer span.End()

	client := r.client(provider)
	if client == nil {
		err := fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var attempts []Attempt
	waitLeft := r.opts.MaxWait
	pending := false
	for len(attempts) < r.opts.AttemptBudget {
		e, wait, err := r.selectProfile(ctx, provider)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if e == nil {
			if wait <= 0 || wait > waitLeft {
				pending = wait > 0
				break
			}
			r.logger.Info("all profiles cooling down; waiting", "provider", provider, "wait", wait.String())
			if err := r.opts.Sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("dispatch %s: %w", provider, err)
			}
			waitLeft -= wait
			continue
		}

		e.mu.Lock()
		id, credential := e.p.ID, e.p.Credential
		e.mu.Unlock()

		resp, callErr := r.call(ctx, client, id, credential, req)
		if callErr == nil {
			r.markSuccess(ctx, e)
			otel.Add(ctx, r.opts.Metrics.ProviderAttempts, 1, otel.AttrErrorClass, "ok")
			resp.ProfileID = id
			span.SetAttributes(otel.AttrProfileID.String(id))
			return resp, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; the profile did nothing wrong.
			return nil, fmt.Errorf("dispatch %s: %w", provider, ctx.Err())
		}

		class := Classify(callErr)
		msg := shared.Redact(callErr.Error())
		attempts = append(attempts, Attempt{ProfileID: id, Class: class, Message: msg})
		otel.Add(ctx, r.opts.Metrics.ProviderAttempts, 1, otel.AttrErrorClass, string(class))
		r.logger.Warn("provider call failed", "provider", provider, "profile_id", id,
			"error_class", string(class), "error", msg)

		switch {
		case class.Permanent():
			r.disable(ctx, e, string(class)+": "+msg)
		case class.Transient():
			r.cooldown(ctx, e, retryHint(callErr))
		default:
			span.SetStatus(codes.Error, msg)
			return nil, fmt.Errorf("dispatch %s via %s: %w", provider, id, callErr)
		}
	}

	err := &ExhaustedError{Provider: provider, Attempts: attempts, Pending: pending}
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (r *Router) call(ctx context.Context, c Client, profileID, credential string, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, r.opts.Tracer, "router.attempt", otel.AttrProfileID.String(profileID))
	defer span.End()
	resp, err := c.Complete(ctx, credential, req)
	if err != nil {
		span.SetStatus(codes.Error, shared.Redact(err.Error()))
		return nil, err
	}
	if resp == nil {
		return nil, &ProviderError{Message: "client returned no response"}
	}
	return resp, nil
}

// selectProfile returns the best eligible profile, stamping its selection
// time. When none is eligible it returns the time until the earliest
// cooldown ends, or zero if nothing will become eligible by waiting.
func (r *Router) selectProfile(ctx context.Context, provider string) (*entry, time.Duration, error) {
	r.mu.RLock()
	var members []*entry
	for _, e := range r.profiles {
		if e.p.Provider == provider {
			members = append(members, e)
		}
	}
	r.mu.RUnlock()
	if len(members) == 0 {
		return nil, 0, fmt.Errorf("%w %q", ErrNoProfile, provider)
	}

	type candidate struct {
		e *entry
		p Profile
	}
	now := r.opts.Now()
	var eligible []candidate
	var wait time.Duration
	for _, e := range members {
		e.mu.Lock()
		ok, reverted := e.eligible(now)
		p := e.p
		hash := e.credHash
		e.mu.Unlock()
		if reverted {
			r.transition(p, HealthCooldown, "cooldown expired")
			r.persist(ctx, p, hash)
		}
		if ok {
			eligible = append(eligible, candidate{e: e, p: p})
			continue
		}
		if p.Health == HealthCooldown {
			if d := p.CooldownUntil.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return less(eligible[i].p, eligible[j].p) })
	for _, c := range eligible {
		c.e.mu.Lock()
		// Health may have changed since the snapshot.
		ok, _ := c.e.eligible(now)
		if ok {
			c.e.p.LastUsedAt = now
		}
		c.e.mu.Unlock()
		if ok {
			return c.e, 0, nil
		}
	}
	return nil, wait, nil
}

func (r *Router) backoff(failures int) time.Duration {
	d := r.opts.BaseBackoff
	for i := 1; i < failures && d < r.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.opts.MaxBackoff {
		d = r.opts.MaxBackoff
	}
	if j := r.opts.Jitter; j > 0 {
		d = time.Duration(float64(d) * (1 + j*(2*r.opts.Rand()-1)))
	}
	return d
}

func (r *Router) markSuccess(ctx context.Context, e *entry) {
	e.mu.Lock()
	from := e.p.Health
	if from == HealthDisabled {
		// Disabled while the call was in flight; keep it disabled.
		e.mu.Unlock()
		return
	}
	e.p.Health = HealthHealthy
	e.p.FailureCount = 0
	e.p.CooldownUntil = time.Time{}
	p, hash := e.p, e.credHash
	e.mu.Unlock()
	if from != HealthHealthy {
		r.transition(p, from, "call succeeded")
	}
	r.persist(ctx, p, hash)
}

// cooldown places the profile in cooldown until now+hint, or now+backoff
// when the provider gave no hint. A longer cooldown already set is kept.
func (r *Router) cooldown(ctx context.Context, e *entry, hint time.Duration) {
	now := r.opts.Now()
	e.mu.Lock()
	from := e.p.Health
	e.p.FailureCount++
	e.p.LastFailedAt = now
	if from == HealthDisabled {
		p, hash := e.p, e.credHash
		e.mu.Unlock()
		r.persist(ctx, p, hash)
		return
	}
	d := hint
	if d <= 0 {
		d = r.backoff(e.p.FailureCount)
	}
	if until := now.Add(d); until.After(e.p.CooldownUntil) {
		e.p.CooldownUntil = until
	}
	e.p.Health = HealthCooldown
	p, hash := e.p, e.credHash
	e.mu.Unlock()

	otel.Add(ctx, r.opts.Metrics.ProviderCooldowns, 1, otel.AttrProvider, p.Provider)
	r.transition(p, from, fmt.Sprintf("cooldown for %s", p.CooldownUntil.Sub(now).Round(time.Millisecond)))
	r.persist(ctx, p, hash)
}

func (r *Router) disable(ctx context.Context, e *entry, reason string) {
	now := r.opts.Now()
	e.mu.Lock()
	from := e.p.Health
	e.p.FailureCount++
	e.p.LastFailedAt = now
	e.p.Health = HealthDisabled
	e.p.CooldownUntil = time.Time{}
	e.p.DisabledReason = reason
	p, hash := e.p, e.credHash
	e.mu.Unlock()

	if from != HealthDisabled {
		r.opts.Audit.Record(ctx, audit.ActionProfileDisabled, p.ID, string(HealthDisabled), reason, "router")
		r.transition(p, from, reason)
	}
	r.persist(ctx, p, hash)
}

func (r *Router) transition(p Profile, from Health, reason string) {
	r.logger.Info("profile health changed", "profile_id", p.ID, "provider", p.Provider,
		"from", string(from), "to", string(p.Health), "reason", reason)
	r.opts.Bus.Publish(bus.TopicProfileHealth, bus.ProfileHealthChanged{
		ProfileID: p.ID,
		Provider:  p.Provider,
		From:      string(from),
		To:        string(p.Health),
		Reason:    reason,
	})
}

func (r *Router) persist(ctx context.Context, p Profile, hash string) {
	if r.opts.Store == nil {
		return
	}
	err := r.opts.Store.SaveProfileHealth(context.WithoutCancel(ctx), persistence.ProfileHealth{
		ID:             p.ID,
		Provider:       p.Provider,
		Health:         string(p.Health),
		CooldownUntil:  timePtr(p.CooldownUntil),
		LastUsedAt:     timePtr(p.LastUsedAt),
		LastFailedAt:   timePtr(p.LastFailedAt),
		FailureCount:   p.FailureCount,
		DisabledReason: p.DisabledReason,
		CredentialHash: hash,
	})
	if err != nil {
		r.logger.Warn("persist profile health failed", "profile_id", p.ID, "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Snapshot returns a copy of every profile without credentials, ordered by
// provider and then selection preference.
func (r *Router) Snapshot() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, e := range r.profiles {
		e.mu.Lock()
		p := e.p
		e.mu.Unlock()
		p.Credential = ""
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return less(out[i], out[j])
	})
	return out
}

// HealthCounts tallies profiles by health state.
func (r *Router) HealthCounts() map[Health]int {
	counts := map[Health]int{}
	for _, p := range r.Snapshot() {
		counts[p.Health]++
	}
	return counts
}
