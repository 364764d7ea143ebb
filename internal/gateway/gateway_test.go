package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/eventlog"
	"github.com/basket/taskd/internal/gateway"
	"github.com/basket/taskd/internal/metrics"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/router"
	"github.com/basket/taskd/internal/scheduler"
)

const testToken = "test-token-123"

type fakeEngine struct {
	mu        sync.Mutex
	submitted []engine.Execution
	cancelled []string
}

func (e *fakeEngine) Submit(_ context.Context, ex engine.Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, ex)
	return nil
}

func (e *fakeEngine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ex := range e.submitted {
		if ex.ID == id {
			e.cancelled = append(e.cancelled, id)
			return true
		}
	}
	return false
}

func (e *fakeEngine) Status() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.Status{WorkerCount: 4, Active: int32(len(e.submitted))}
}

type fakeProfiles struct{}

func (fakeProfiles) Snapshot() []router.Profile {
	return []router.Profile{{ID: "p1", Provider: "anthropic", Source: "manual", Health: router.HealthHealthy, Credential: "sk-secret"}}
}

func (fakeProfiles) HealthCounts() map[router.Health]int {
	return map[router.Health]int{router.HealthHealthy: 1}
}

type fixture struct {
	ts     *httptest.Server
	store  *persistence.Store
	events *eventlog.Log
	sched  *scheduler.Scheduler
	gate   *approval.Gate
	engine *fakeEngine
}

func newFixture(t *testing.T, opts ...func(*gateway.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "taskd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	events, err := eventlog.Open(eventlog.Options{Dir: filepath.Join(dir, "events"), NoSync: true, Bus: b})
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	gate, err := approval.New(approval.Options{Store: store, Bus: b})
	if err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{}
	sched := scheduler.New(scheduler.Options{Store: store, Engine: eng, Events: events, Bus: b})

	cfg := gateway.Config{
		Store:     store,
		Scheduler: sched,
		Events:    events,
		Gate:      gate,
		Engine:    eng,
		Profiles:  fakeProfiles{},
		AuthToken: testToken,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: store, events: events, sched: sched, gate: gate, engine: eng}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

func (f *fixture) createTask(t *testing.T, body string) persistence.BackgroundTask {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/tasks", body)
	expectStatus(t, resp, http.StatusCreated)
	return decode[persistence.BackgroundTask](t, resp)
}

const manualTask = `{"name":"digest","input":"summarise","schedule":{"kind":"manual"}}`

func TestAuth(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/tasks", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestCreateTask_ValidationError(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/tasks", `{"name":"x","input":"y","schedule":{"kind":"cron","expression":"61 * * * *"}}`)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]string](t, resp)
	if body["field"] != "schedule.expression" || body["rule"] == "" {
		t.Fatalf("body = %v", body)
	}

	resp = f.do(t, http.MethodPost, "/v1/tasks", `{"name":"x","bogus":1}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, `{"name":"nightly","input":"report","schedule":{"kind":"cron","expression":"0 9 * * *"}}`)
	if task.Status != persistence.TaskActive || task.NextRunAt == nil {
		t.Fatalf("created task = %+v", task)
	}

	resp := f.do(t, http.MethodGet, "/v1/tasks/"+task.ID, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/pause", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[persistence.BackgroundTask](t, resp); got.Status != persistence.TaskPaused {
		t.Fatalf("paused status = %s", got.Status)
	}
	resp = f.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/run", "")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/resume", "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/run", "")
	expectStatus(t, resp, http.StatusAccepted)
	exec := decode[persistence.Execution](t, resp)
	if exec.Trigger != persistence.TriggerManual || exec.Status != persistence.ExecRunning {
		t.Fatalf("execution = %+v", exec)
	}

	resp = f.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/run", "")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
	resp = f.do(t, http.MethodDelete, "/v1/tasks/"+task.ID, "")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/tasks/"+task.ID+"/executions", "")
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Executions []persistence.Execution `json:"executions"`
	}](t, resp)
	if len(list.Executions) != 1 || list.Executions[0].ID != exec.ID {
		t.Fatalf("executions = %+v", list.Executions)
	}

	resp = f.do(t, http.MethodPost, "/v1/executions/"+exec.ID+"/cancel", "")
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	if err := f.sched.OnExecutionFinished(context.Background(), engine.Result{
		ExecutionID: exec.ID, TaskID: task.ID, Reason: engine.ReasonCancelled,
	}); err != nil {
		t.Fatal(err)
	}
	resp = f.do(t, http.MethodDelete, "/v1/tasks/"+task.ID, "")
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	resp = f.do(t, http.MethodGet, "/v1/tasks/"+task.ID, "")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, `{"name":"deploy hook","input":"check deploy","schedule":{"kind":"webhook"}}`)

	post := func(path, token string) int {
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+path, nil)
		if token != "" {
			req.Header.Set("X-Webhook-Token", token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := post("/v1/hooks/"+task.ID, "wrong"); got != http.StatusForbidden {
		t.Fatalf("bad token status = %d", got)
	}
	if got := post("/v1/hooks/does-not-exist", task.WebhookToken); got != http.StatusForbidden {
		t.Fatalf("unknown task status = %d", got)
	}
	if got := post("/v1/hooks/"+task.ID+"?token="+task.WebhookToken, ""); got != http.StatusAccepted {
		t.Fatalf("valid trigger status = %d", got)
	}
	if n := len(f.engine.submitted); n != 1 || f.engine.submitted[0].Trigger != persistence.TriggerWebhook {
		t.Fatalf("submitted = %+v", f.engine.submitted)
	}
}

// startExecution opens an execution through the scheduler and writes its
// first events.
func (f *fixture) startExecution(t *testing.T) string {
	t.Helper()
	task := f.createTask(t, manualTask)
	exec, err := f.sched.RunNow(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, typ := range []string{eventlog.TypeExecutionStarted, eventlog.TypeModelResponse} {
		if _, err := f.events.Append(context.Background(), exec.ID, eventlog.Draft{Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	return exec.ID
}

// finishExecution may run on a helper goroutine, so it reports with Errorf.
func (f *fixture) finishExecution(t *testing.T, id string) {
	t.Helper()
	if _, err := f.events.Append(context.Background(), id, eventlog.Draft{
		Type:    eventlog.TypeExecutionCompleted,
		Payload: engine.TerminalPayload{Reason: engine.ReasonCompleted},
	}); err != nil {
		t.Errorf("append terminal event: %v", err)
	}
}

func TestEvents_Replay(t *testing.T) {
	f := newFixture(t)
	id := f.startExecution(t)

	resp := f.do(t, http.MethodGet, "/v1/executions/"+id+"/events?after=1", "")
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Events []eventlog.Event `json:"events"`
	}](t, resp)
	if len(body.Events) != 1 || body.Events[0].Seq != 2 || body.Events[0].Type != eventlog.TypeModelResponse {
		t.Fatalf("events = %+v", body.Events)
	}

	resp = f.do(t, http.MethodGet, "/v1/executions/missing/events", "")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestEvents_FollowStreamsUntilTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.startExecution(t)

	resp := f.do(t, http.MethodGet, "/v1/executions/"+id+"/events?follow=1", "")
	expectStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.finishExecution(t, id)
	}()

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if typ, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			types = append(types, typ)
		}
	}
	want := []string{eventlog.TypeExecutionStarted, eventlog.TypeModelResponse, eventlog.TypeExecutionCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("streamed %v, want %v", types, want)
	}
}

func TestStream_WebSocket(t *testing.T) {
	f := newFixture(t)
	id := f.startExecution(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.ts.URL, "http")+"/v1/executions/"+id+"/stream?after=1", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first eventlog.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if first.Seq != 2 {
		t.Fatalf("first streamed seq = %d, want 2", first.Seq)
	}

	f.finishExecution(t, id)
	var last eventlog.Event
	if err := wsjson.Read(ctx, conn, &last); err != nil {
		t.Fatal(err)
	}
	if !last.Terminal() || last.Seq != 3 {
		t.Fatalf("last event = %+v", last)
	}
	var extra eventlog.Event
	err = wsjson.Read(ctx, conn, &extra)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure after terminal event, got %v", err)
	}
}

func TestApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.gate.Request(ctx, approval.Invocation{ExecutionID: "exec-1", Tool: "shell", Command: "make deploy"})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/v1/approvals?status=pending", "")
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Approvals []approval.Request `json:"approvals"`
	}](t, resp)
	if len(list.Approvals) != 1 || list.Approvals[0].ID != req.ID {
		t.Fatalf("approvals = %+v", list.Approvals)
	}

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/approve", `{"by":"alice"}`)
	expectStatus(t, resp, http.StatusOK)
	got := decode[approval.Request](t, resp)
	if got.Status != persistence.ApprovalApproved || got.ResolvedBy != "alice" {
		t.Fatalf("approved request = %+v", got)
	}

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+req.ID+"/reject", "")
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
	resp = f.do(t, http.MethodPost, "/v1/approvals/nope/approve", "")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestProfiles_OmitCredentials(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/profiles", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(body), "sk-secret") {
		t.Fatalf("credential leaked: %s", body)
	}
	if !strings.Contains(string(body), `"health":"healthy"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, manualTask)
	resp := f.do(t, http.MethodGet, "/v1/status", "")
	expectStatus(t, resp, http.StatusOK)
	rep := decode[gateway.StatusReport](t, resp)
	if rep.Engine.WorkerCount != 4 || rep.Tasks[persistence.TaskActive] != 1 || rep.Profiles[router.HealthHealthy] != 1 {
		t.Fatalf("status = %+v", rep)
	}
	if rep.SchemaVersion == 0 {
		t.Fatal("schema version not reported")
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/v1/tasks", "")
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
	resp := f.do(t, http.MethodGet, "/v1/tasks", "")
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	resp.Body.Close()

	// Health checks are never limited.
	hz, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	hz.Body.Close()
	if hz.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", hz.StatusCode)
	}
}

func TestRateLimit_EvictsIdleClients(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(1, 1)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if n := rl.VisitorCount(); n != 2 {
		t.Fatalf("visitors = %d", n)
	}
	rl.EvictStale(-time.Second)
	if n := rl.VisitorCount(); n != 0 {
		t.Fatalf("visitors after eviction = %d", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) { c.Metrics = metrics.New("taskd") })
	resp := f.do(t, http.MethodGet, "/v1/tasks", "")
	resp.Body.Close()

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `taskd_http_requests_total{method="GET",route="/v1/tasks",status="200"} 1`) {
		t.Fatalf("request not recorded:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) { c.AllowOrigins = []string{"app.example.com"} })
	req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/v1/tasks", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("preflight status = %d, headers = %v", resp.StatusCode, resp.Header)
	}
}

func TestAck(t *testing.T) {
	f := newFixture(t)
	id := f.startExecution(t)

	resp := f.do(t, http.MethodPost, "/v1/executions/"+id+"/ack", `{"seq":2}`)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["acked"] != float64(2) {
		t.Fatalf("body = %v", body)
	}

	// Acknowledged events stay readable until their segment is compacted.
	evs, err := f.events.Replay(id, 0)
	if err != nil || len(evs) != 2 {
		t.Fatalf("replay after ack = %d events, err %v", len(evs), err)
	}

	resp = f.do(t, http.MethodPost, "/v1/executions/"+id+"/ack", `{"seq":0}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/executions/missing/ack", `{"seq":1}`)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAudit(t *testing.T) {
	f := newFixture(t)
	trail, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = trail.Close() })
	trail.SetDB(f.store.DB())
	trail.Record(context.Background(), audit.ActionTaskDeleted, "task-1", "allow", "", "api")

	resp := f.do(t, http.MethodGet, "/v1/audit?limit=10", "")
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Audit []persistence.AuditRecord `json:"audit"`
	}](t, resp)
	if len(body.Audit) != 1 || body.Audit[0].Action != audit.ActionTaskDeleted || body.Audit[0].Subject != "task-1" {
		t.Fatalf("audit = %+v", body.Audit)
	}
}
