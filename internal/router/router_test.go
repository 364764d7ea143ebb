package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// scripted answers by credential; a nil func means success.
type scripted struct {
	mu      sync.Mutex
	answers map[string]func() error
	calls   map[string]int
}

func newScripted() *scripted {
	return &scripted{answers: map[string]func() error{}, calls: map[string]int{}}
}

func (s *scripted) set(credential string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[credential] = fn
}

func (s *scripted) count(credential string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[credential]
}

func (s *scripted) Complete(_ context.Context, credential string, _ Request) (*Response, error) {
	s.mu.Lock()
	s.calls[credential]++
	fn := s.answers[credential]
	s.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return &Response{Content: "ok from " + credential}, nil
}

func status(code int) func() error {
	return func() error { return &ProviderError{Provider: "openai", Status: code, Message: "upstream said no"} }
}

func newTestRouter(t *testing.T, clock *fakeClock, opts Options) *Router {
	t.Helper()
	opts.Now = clock.Now
	opts.Sleep = clock.Sleep
	opts.Rand = func() float64 { return 0.5 }
	if opts.MaxWait == 0 {
		opts.MaxWait = 30 * time.Second
	}
	return New(opts)
}

func manual(id, credential string, priority int) config.ResolvedProfile {
	return config.ResolvedProfile{ID: id, Name: id, Provider: "openai", Source: config.SourceManual, Credential: credential, Priority: priority}
}

func profileByID(t *testing.T, r *Router, id string) Profile {
	t.Helper()
	for _, p := range r.Snapshot() {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("profile %q not found", id)
	return Profile{}
}

func mustSync(t *testing.T, r *Router, profiles ...config.ResolvedProfile) {
	t.Helper()
	if err := r.Sync(context.Background(), profiles); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestDispatch_RetryHintBlocksReselection(t *testing.T) {
	clock := newFakeClock()
	client := newScripted()
	r := newTestRouter(t, clock, Options{})
	r.SetClient("openai", client)
	mustSync(t, r, manual("a", "key-a", 0), manual("b", "key-b", 0))

	client.set("key-a", func() error {
		return &ProviderError{Provider: "openai", Status: 429, RetryAfter: 5 * time.Second}
	})
	start := clock.Now()
	resp, err := r.Dispatch(context.Background(), "openai", Request{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.ProfileID != "b" {
		t.Fatalf("expected failover to b, got %s", resp.ProfileID)
	}
	a := profileByID(t, r, "a")
	if a.Health != HealthCooldown || !a.CooldownUntil.Equal(start.Add(5*time.Second)) {
		t.Fatalf("expected a cooling down until +5s, got %+v", a)
	}

	client.set("key-a", nil)
	clock.Advance(4900 * time.Millisecond)
	resp, err = r.Dispatch(context.Background(), "openai", Request{})
	if err != nil || resp.ProfileID != "b" {
		t.Fatalf("a must not be reselected before its hint: resp=%+v err=%v", resp, err)
	}
	if got := client.count("key-a"); got != 1 {
		t.Fatalf("a called %d times, want 1", got)
	}

	clock.Advance(100 * time.Millisecond)
	resp, err = r.Dispatch(context.Background(), "openai", Request{})
	if err != nil || resp.ProfileID != "a" {
		t.Fatalf("expected a again once cooldown ended (least recently used): resp=%+v err=%v", resp, err)
	}
	if h := profileByID(t, r, "a").Health; h != HealthHealthy {
		t.Fatalf("expected a healthy after success, got %s", h)
	}
}

func TestProperty_RetryHintRespected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock()
		client := newScripted()
		r := New(Options{Now: clock.Now, Sleep: clock.Sleep, MaxWait: time.Minute})
		r.SetClient("openai", client)
		if err := r.Sync(context.Background(), []config.ResolvedProfile{manual("a", "key-a", 0), manual("b", "key-b", 0)}); err != nil {
			rt.Fatalf("sync: %v", err)
		}
		hint := time.Duration(rapid.IntRange(1, 60).Draw(rt, "hintSeconds")) * time.Second
		client.set("key-a", func() error {
			return &ProviderError{Provider: "openai", Status: 503, RetryAfter: hint}
		})
		start := clock.Now()
		if _, err := r.Dispatch(context.Background(), "openai", Request{}); err != nil {
			rt.Fatalf("first dispatch: %v", err)
		}
		client.set("key-a", nil)

		steps := rapid.SliceOfN(rapid.IntRange(0, 20_000), 1, 20).Draw(rt, "stepsMillis")
		for _, ms := range steps {
			clock.Advance(time.Duration(ms) * time.Millisecond)
			resp, err := r.Dispatch(context.Background(), "openai", Request{})
			if err != nil {
				rt.Fatalf("dispatch: %v", err)
			}
			if clock.Now().Before(start.Add(hint)) && resp.ProfileID != "b" {
				rt.Fatalf("a reselected %s into a %s cooldown", clock.Now().Sub(start), hint)
			}
		}
	})
}

func TestDispatch_ExhaustsAcrossProfilesWithBackoff(t *testing.T) {
	clock := newFakeClock()
	client := newScripted()
	r := newTestRouter(t, clock, Options{
		AttemptBudget: 6,
		BaseBackoff:   time.Second,
		MaxBackoff:    time.Minute,
		Jitter:        0,
	})
	r.SetClient("openai", client)
	mustSync(t, r, manual("a", "key-a", 0), manual("b", "key-b", 0))
	client.set("key-a", status(500))
	client.set("key-b", status(500))

	_, err := r.Dispatch(context.Background(), "openai", Request{})
	if !errors.Is(err, ErrProfilesExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if errors.Is(err, ErrNoProfile) {
		t.Fatalf("exhausted must be distinct from no profile")
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) || len(ex.Attempts) != 6 {
		t.Fatalf("expected 6 recorded attempts, got %v", err)
	}
	for _, a := range ex.Attempts {
		if a.Class != ClassOverloaded {
			t.Fatalf("unexpected class %s", a.Class)
		}
	}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != time.Second || clock.sleeps[1] != 2*time.Second {
		t.Fatalf("expected waits of 1s then 2s, got %v", clock.sleeps)
	}
	a := profileByID(t, r, "a")
	if a.FailureCount != 3 || a.CooldownUntil.Sub(clock.Now()) != 4*time.Second {
		t.Fatalf("expected third backoff of 4s, got failures=%d remaining=%s", a.FailureCount, a.CooldownUntil.Sub(clock.Now()))
	}
}

func TestDispatch_NoProfileVersusExhausted(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, Options{})
	r.SetClient("openai", newScripted())
	r.SetClient("anthropic", newScripted())
	mustSync(t, r, config.ResolvedProfile{ID: "off", Provider: "openai", Source: config.SourceManual, Credential: "k", Disabled: true})

	_, err := r.Dispatch(context.Background(), "anthropic", Request{})
	if !errors.Is(err, ErrNoProfile) || errors.Is(err, ErrProfilesExhausted) {
		t.Fatalf("expected no-profile error, got %v", err)
	}
	_, err = r.Dispatch(context.Background(), "openai", Request{})
	if !errors.Is(err, ErrProfilesExhausted) || errors.Is(err, ErrNoProfile) {
		t.Fatalf("expected exhausted for a provider with only disabled profiles, got %v", err)
	}
}

func TestDispatch_PermanentFailureDisablesAndAudits(t *testing.T) {
	clock := newFakeClock()
	client := newScripted()
	trail, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	defer trail.Close()
	r := newTestRouter(t, clock, Options{Audit: trail})
	r.SetClient("openai", client)
	mustSync(t, r, manual("a", "key-a", 0), manual("b", "key-b", 1))
	client.set("key-a", status(401))

	resp, err := r.Dispatch(context.Background(), "openai", Request{})
	if err != nil || resp.ProfileID != "b" {
		t.Fatalf("expected b to serve after a is disabled: resp=%+v err=%v", resp, err)
	}
	a := profileByID(t, r, "a")
	if a.Health != HealthDisabled || a.DisabledReason == "" {
		t.Fatalf("expected a disabled with a reason, got %+v", a)
	}
	if trail.Count(audit.ActionProfileDisabled) != 1 {
		t.Fatalf("expected disablement in the audit trail")
	}

	clock.Advance(24 * time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := r.Dispatch(context.Background(), "openai", Request{}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if got := client.count("key-a"); got != 1 {
		t.Fatalf("disabled profile was called again (%d calls)", got)
	}

	mustSync(t, r, manual("a", "key-a", 0), manual("b", "key-b", 1))
	if profileByID(t, r, "a").Health != HealthDisabled {
		t.Fatalf("unchanged credential must keep the profile disabled")
	}
	client.set("key-a2", nil)
	mustSync(t, r, manual("a", "key-a2", 0), manual("b", "key-b", 1))
	if h := profileByID(t, r, "a").Health; h != HealthUnknown {
		t.Fatalf("changed credential must re-enable, got %s", h)
	}
	if trail.Count(audit.ActionProfileEnabled) != 1 {
		t.Fatalf("expected re-enable in the audit trail")
	}
}

func TestDispatch_RequestErrorLeavesHealthAlone(t *testing.T) {
	clock := newFakeClock()
	client := newScripted()
	r := newTestRouter(t, clock, Options{})
	r.SetClient("openai", client)
	mustSync(t, r, manual("a", "key-a", 0), manual("b", "key-b", 1))
	client.set("key-a", func() error {
		return &ProviderError{Provider: "openai", Status: 400, Message: "maximum context length exceeded"}
	})

	_, err := r.Dispatch(context.Background(), "openai", Request{})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Status != 400 {
		t.Fatalf("expected the request error returned, got %v", err)
	}
	if client.count("key-b") != 0 {
		t.Fatalf("request errors must not fail over")
	}
	a := profileByID(t, r, "a")
	if a.Health != HealthUnknown || a.FailureCount != 0 {
		t.Fatalf("health must be untouched, got %+v", a)
	}
}

func TestDispatch_SelectionOrder(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, Options{})
	r.SetClient("openai", newScripted())
	mustSync(t, r,
		config.ResolvedProfile{ID: "disc", Provider: "openai", Source: config.SourceDiscovered, Credential: "k1"},
		config.ResolvedProfile{ID: "env", Provider: "openai", Source: config.SourceEnvironment, Credential: "k2"},
		manual("m-low", "k3", 5),
		manual("m-high", "k4", 1),
	)

	resp, err := r.Dispatch(context.Background(), "openai", Request{})
	if err != nil || resp.ProfileID != "m-high" {
		t.Fatalf("expected manual profile with lowest priority value, got %+v %v", resp, err)
	}
	clock.Advance(time.Second)
	resp, _ = r.Dispatch(context.Background(), "openai", Request{})
	if resp.ProfileID != "m-high" {
		t.Fatalf("priority outranks recency, got %s", resp.ProfileID)
	}

	mustSync(t, r,
		config.ResolvedProfile{ID: "disc", Provider: "openai", Source: config.SourceDiscovered, Credential: "k1"},
		config.ResolvedProfile{ID: "env", Provider: "openai", Source: config.SourceEnvironment, Credential: "k2"},
	)
	resp, _ = r.Dispatch(context.Background(), "openai", Request{})
	if resp.ProfileID != "env" {
		t.Fatalf("environment outranks discovered, got %s", resp.ProfileID)
	}
}

func TestDispatch_LeastRecentlyUsedSpreadsLoad(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, Options{})
	r.SetClient("openai", newScripted())
	mustSync(t, r, manual("a", "k1", 0), manual("b", "k2", 0), manual("c", "k3", 0))

	var got []string
	for i := 0; i < 6; i++ {
		clock.Advance(time.Millisecond)
		resp, err := r.Dispatch(context.Background(), "openai", Request{})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		got = append(got, resp.ProfileID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestDispatch_WaitsForCooldownWithinMaxWait(t *testing.T) {
	clock := newFakeClock()
	client := newScripted()
	r := newTestRouter(t, clock, Options{MaxWait: 10 * time.Second})
	r.SetClient("openai", client)
	mustSync(t, r, manual("only", "k", 0))
	var failed atomic.Bool
	client.set("k", func() error {
		if failed.CompareAndSwap(false, true) {
			return &ProviderError{Provider: "openai", Status: 429, RetryAfter: 3 * time.Second}
		}
		return nil
	})

	resp, err := r.Dispatch(context.Background(), "openai", Request{})
	if err != nil || resp.ProfileID != "only" {
		t.Fatalf("expected success after waiting out the cooldown: %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 3*time.Second {
		t.Fatalf("expected one 3s wait, got %v", clock.sleeps)
	}

	client.set("k", func() error {
		return &ProviderError{Provider: "openai", Status: 429, RetryAfter: time.Minute}
	})
	_, err = r.Dispatch(context.Background(), "openai", Request{})
	var ex *ExhaustedError
	if !errors.As(err, &ex) || !ex.Pending {
		t.Fatalf("expected exhausted with a pending cooldown beyond max wait, got %v", err)
	}
}

func TestDispatch_CallerCancelDoesNotPenalize(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, clock, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	r.SetClient("openai", ClientFunc(func(ctx context.Context, _ string, _ Request) (*Response, error) {
		cancel()
		return nil, ctx.Err()
	}))
	mustSync(t, r, manual("a", "k", 0))

	_, err := r.Dispatch(ctx, "openai", Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a := profileByID(t, r, "a"); a.FailureCount != 0 || a.Health != HealthUnknown {
		t.Fatalf("cancellation must not touch health, got %+v", a)
	}
}

func TestDispatch_ConcurrentFailuresAreNotLost(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int64
	r := newTestRouter(t, clock, Options{AttemptBudget: 1, MaxWait: -1})
	r.SetClient("openai", ClientFunc(func(context.Context, string, Request) (*Response, error) {
		calls.Add(1)
		return nil, &ProviderError{Provider: "openai", Status: 502}
	}))
	mustSync(t, r, manual("a", "k", 0))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Dispatch(context.Background(), "openai", Request{})
		}()
	}
	wg.Wait()
	if got := profileByID(t, r, "a").FailureCount; int64(got) != calls.Load() {
		t.Fatalf("failure count %d does not match %d failed calls", got, calls.Load())
	}
}

func TestSync_RestoresPersistedHealth(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	clock := newFakeClock()
	client := newScripted()
	client.set("key-a", status(403))
	first := newTestRouter(t, clock, Options{Store: store})
	first.SetClient("openai", client)
	mustSync(t, first, manual("a", "key-a", 0), manual("b", "key-b", 0))
	if _, err := first.Dispatch(context.Background(), "openai", Request{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	second := newTestRouter(t, clock, Options{Store: store})
	mustSync(t, second, manual("a", "key-a", 0), manual("b", "key-b", 0))
	if h := profileByID(t, second, "a").Health; h != HealthDisabled {
		t.Fatalf("disabled health must survive a restart, got %s", h)
	}
	if h := profileByID(t, second, "b").Health; h != HealthHealthy {
		t.Fatalf("expected b healthy after restart, got %s", h)
	}

	third := newTestRouter(t, clock, Options{Store: store})
	mustSync(t, third, manual("a", "rotated", 0), manual("b", "key-b", 0))
	mustSync(t, third, manual("a", "rotated", 0))
	if h := profileByID(t, third, "a").Health; h != HealthUnknown {
		t.Fatalf("rotated credential must start fresh, got %s", h)
	}
	saved, err := store.LoadProfileHealth(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := saved["b"]; ok {
		t.Fatalf("removed profile must be deleted from the store")
	}
}

func TestSnapshot_OmitsCredentials(t *testing.T) {
	r := New(Options{})
	mustSync(t, r, manual("a", "sk-secret", 0))
	for _, p := range r.Snapshot() {
		if p.Credential != "" {
			t.Fatalf("snapshot leaked a credential")
		}
	}
}
