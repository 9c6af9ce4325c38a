// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/execution"
	"github.com/adiadia/visual-replay/internal/storeclient"
)

type mockWorkflows struct {
	list []domain.WorkflowSummary
	err  error
}

func (m *mockWorkflows) ListWorkflows(context.Context) ([]domain.WorkflowSummary, error) {
	return m.list, m.err
}

type mockRecorder struct {
	startErr   error
	stopErr    error
	appendErr  error
	startedFor string
	savedWith  *bool
	appended   []string
}

func (m *mockRecorder) StartSession(_ context.Context, name string) (domain.TeachSession, error) {
	if m.startErr != nil {
		return domain.TeachSession{}, m.startErr
	}
	m.startedFor = name
	return domain.TeachSession{SessionID: "sess-1", WorkflowName: name, Active: true}, nil
}

func (m *mockRecorder) StopSession(_ context.Context, save bool) (*domain.TeachSummary, error) {
	m.savedWith = &save
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	if !save {
		return nil, nil
	}
	return &domain.TeachSummary{WorkflowID: "wf-1", StepCount: 3}, nil
}

func (m *mockRecorder) AppendTranscript(_ context.Context, text string) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, text)
	return nil
}

func (m *mockRecorder) Snapshot() (domain.RecordingState, *domain.TeachSession) {
	return domain.RecordingIdle, nil
}

type mockExecutor struct {
	startErr error
	stopErr  error
	started  string
}

func (m *mockExecutor) Start(_ context.Context, workflowID string) (domain.ExecutionSession, error) {
	if m.startErr != nil {
		return domain.ExecutionSession{}, m.startErr
	}
	m.started = workflowID
	return domain.ExecutionSession{ExecutionID: "exec-1", WorkflowID: workflowID, TotalSteps: 5, Running: true}, nil
}

func (m *mockExecutor) Stop(context.Context) error { return m.stopErr }

func (m *mockExecutor) Snapshot() execution.Snapshot {
	return execution.Snapshot{State: domain.ExecutionRecovering}
}

type mockRecovery struct {
	err      error
	pending  *domain.RecoveryRequest
	gotStep  int
	gotReply string
}

func (m *mockRecovery) SubmitResolution(_ context.Context, step int, answer string) error {
	m.gotStep, m.gotReply = step, answer
	return m.err
}

func (m *mockRecovery) Pending() (domain.RecoveryRequest, bool) {
	if m.pending == nil {
		return domain.RecoveryRequest{}, false
	}
	return *m.pending, true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	workflows *mockWorkflows
	recorder  *mockRecorder
	executor  *mockExecutor
	recovery  *mockRecovery
	bus       *events.Bus
}

func newFixture() *fixture {
	return &fixture{
		workflows: &mockWorkflows{},
		recorder:  &mockRecorder{},
		executor:  &mockExecutor{},
		recovery:  &mockRecovery{},
		bus:       events.NewBus(16),
	}
}

func (f *fixture) router(token string) http.Handler {
	return NewRouter(Deps{
		Workflows:    f.workflows,
		Recorder:     f.recorder,
		Executor:     f.executor,
		Recovery:     f.recovery,
		Events:       f.bus,
		Logger:       discardLogger(),
		ControlToken: token,
	})
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	f := newFixture()
	rec := do(f.router(""), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok got %d %q", rec.Code, rec.Body.String())
	}

	h := NewRouter(Deps{
		Health: HealthCheckFunc(func(context.Context) error { return errors.New("database is locked") }),
		Logger: discardLogger(),
	})
	if rec := do(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestRouter_Version(t *testing.T) {
	h := NewRouter(Deps{Logger: discardLogger(), Version: "1.2.3"})
	rec := do(h, http.MethodGet, "/version", "")

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["version"] != "1.2.3" || resp["commit"] != "none" || resp["build_date"] != "unknown" {
		t.Fatalf("unexpected version body %v", resp)
	}
}

func TestRouter_ControlTokenGuardsAPI(t *testing.T) {
	f := newFixture()
	h := f.router("secret")

	if rec := do(h, http.MethodGet, "/workflows", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	if rec := do(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected open healthz got %d", rec.Code)
	}
}

func TestRouter_ListWorkflows(t *testing.T) {
	f := newFixture()
	f.workflows.list = []domain.WorkflowSummary{{ID: "wf-1", Name: "Pay electricity", StepCount: 5}}

	rec := do(f.router(""), http.MethodGet, "/workflows", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp struct {
		Workflows []domain.WorkflowSummary `json:"workflows"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Workflows) != 1 || resp.Workflows[0].ID != "wf-1" {
		t.Fatalf("unexpected workflows %+v", resp.Workflows)
	}

	f.workflows.err = &storeclient.Error{Op: "list workflows", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	if rec := do(f.router(""), http.MethodGet, "/workflows", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for upstream failure got %d", rec.Code)
	}
}

func TestRouter_TeachLifecycle(t *testing.T) {
	f := newFixture()
	h := f.router("")

	rec := do(h, http.MethodPost, "/teach/start", `{"workflow_name":"Pay electricity"}`)
	if rec.Code != http.StatusOK || f.recorder.startedFor != "Pay electricity" {
		t.Fatalf("expected start 200 got %d %q", rec.Code, f.recorder.startedFor)
	}

	if rec := do(h, http.MethodPost, "/teach/transcript", `{"text":"click pay"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if len(f.recorder.appended) != 1 || f.recorder.appended[0] != "click pay" {
		t.Fatalf("unexpected transcript %v", f.recorder.appended)
	}

	rec = do(h, http.MethodPost, "/teach/stop", "")
	if rec.Code != http.StatusOK || f.recorder.savedWith == nil || !*f.recorder.savedWith {
		t.Fatalf("expected save by default got %d %v", rec.Code, f.recorder.savedWith)
	}
	rec = do(h, http.MethodPost, "/teach/stop", `{"save":false}`)
	if rec.Code != http.StatusOK || *f.recorder.savedWith {
		t.Fatalf("expected discard got %d", rec.Code)
	}
}

func TestRouter_ErrorMapping(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		want  int
		stale bool
	}{
		{name: "validation", err: domain.Validationf("workflow_name must not be empty"), want: http.StatusBadRequest},
		{name: "not found", err: domain.ErrNotFound, want: http.StatusNotFound},
		{name: "active", err: domain.ErrSessionActive, want: http.StatusConflict},
		{name: "conflict", err: domain.ErrSessionConflict, want: http.StatusConflict},
		{name: "wrong state", err: domain.ErrWrongState, want: http.StatusConflict},
		{name: "stale", err: domain.ErrStaleRecovery, want: http.StatusConflict, stale: true},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.recovery.err = tc.err

			rec := do(f.router(""), http.MethodPost, "/executions/recovery", `{"step_index":2,"resolution":"blue"}`)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d got %d", tc.want, rec.Code)
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Stale != tc.stale {
				t.Fatalf("expected stale=%v got %v", tc.stale, body.Stale)
			}
		})
	}
}

func TestRouter_RecoveryRequiresStepIndex(t *testing.T) {
	f := newFixture()
	h := f.router("")

	if rec := do(h, http.MethodPost, "/executions/recovery", `{"resolution":"blue"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/executions/recovery", `{"step_index":0,"resolution":"blue","extra":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/executions/recovery", `{"step_index":0,"resolution":"blue"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if f.recovery.gotStep != 0 || f.recovery.gotReply != "blue" {
		t.Fatalf("unexpected forwarded resolution %d %q", f.recovery.gotStep, f.recovery.gotReply)
	}
}

func TestRouter_Executions(t *testing.T) {
	f := newFixture()
	f.recovery.pending = &domain.RecoveryRequest{ExecutionID: "exec-1", StepIndex: 2, Question: "Which Pay button?"}
	h := f.router("")

	rec := do(h, http.MethodPost, "/executions", `{"workflow_id":"wf-9"}`)
	if rec.Code != http.StatusAccepted || f.executor.started != "wf-9" {
		t.Fatalf("expected 202 for wf-9 got %d %q", rec.Code, f.executor.started)
	}

	rec = do(h, http.MethodGet, "/executions/current", "")
	var resp struct {
		Execution execution.Snapshot      `json:"execution"`
		Recovery  *domain.RecoveryRequest `json:"pending_recovery"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Execution.State != domain.ExecutionRecovering || resp.Recovery == nil || resp.Recovery.StepIndex != 2 {
		t.Fatalf("unexpected current execution %+v", resp)
	}

	f.executor.stopErr = domain.ErrWrongState
	if rec := do(h, http.MethodPost, "/executions/stop", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestRouter_EventsReplayAndStream(t *testing.T) {
	f := newFixture()
	f.bus.Publish(events.RecordingStarted{SessionID: "sess-1", WorkflowName: "old"})
	f.bus.Publish(events.ExecutionStarted{ExecutionID: "exec-1", WorkflowID: "wf-1", TotalSteps: 2})

	srv := httptest.NewServer(f.router(""))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?since_id=1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream got %q", ct)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func(prefix string) string {
		t.Helper()
		for line := range lines {
			if strings.HasPrefix(line, prefix) {
				return line
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}

	if got := next("id: "); got != "id: 2" {
		t.Fatalf("expected replay to start after since_id got %q", got)
	}
	if got := next("event: "); got != "event: execution.started" {
		t.Fatalf("unexpected event line %q", got)
	}

	f.bus.Publish(events.StepCompleted{ExecutionID: "exec-1", StepIndex: 0, Intent: "open billing"})
	if got := next("id: "); got != "id: 3" {
		t.Fatalf("expected live event 3 got %q", got)
	}
	data := strings.TrimPrefix(next("data: "), "data: ")
	var env struct {
		Seq  int64           `json:"seq"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Seq != 3 || env.Type != string(events.TypeStepCompleted) {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestRouter_EventsRejectsBadCursor(t *testing.T) {
	f := newFixture()
	if rec := do(f.router(""), http.MethodGet, "/events?since_id=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}
