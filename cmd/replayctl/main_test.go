// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

type fakeServer struct {
	mu    sync.Mutex
	calls []recorded
	srv   *httptest.Server
}

func newFakeServer(t *testing.T, routes map[string]http.HandlerFunc) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &call.body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func execute(t *testing.T, f *fakeServer, stdin string, interactive bool, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out, interactive)
	root.SetArgs(append([]string{"--addr", f.srv.URL, "--token", "secret"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWorkflowsPrintsTable(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /workflows": reply(200, `{"workflows":[{"workflow_id":"wf-1","workflow_name":"Send invoice","step_count":4,"run_count":2,"last_run":null}]}`),
	})

	out, err := execute(t, f, "", false, "workflows")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "wf-1") || !strings.Contains(out, "Send invoice") || !strings.Contains(out, "never") {
		t.Fatalf("unexpected output %q", out)
	}
	if got := f.last().auth; got != "Bearer secret" {
		t.Fatalf("expected bearer token got %q", got)
	}
}

func TestTeachStartJoinsName(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"POST /teach/start": reply(200, `{"session_id":"s-1","workflow_name":"Send invoice"}`),
	})

	out, err := execute(t, f, "", false, "teach", "start", "Send", "invoice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.last().body["workflow_name"]; got != "Send invoice" {
		t.Fatalf("expected joined name got %v", got)
	}
	if !strings.Contains(out, "s-1") {
		t.Fatalf("expected session id in %q", out)
	}
}

func TestTeachStopDiscard(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"POST /teach/stop": reply(200, `{"saved":false,"summary":null}`),
	})

	out, err := execute(t, f, "", false, "teach", "stop", "--discard")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.last().body["save"]; got != false {
		t.Fatalf("expected save=false got %v", got)
	}
	if !strings.Contains(out, "discarded") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRecoverConvertsStepNumber(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"POST /executions/recovery": reply(200, `{"accepted":true}`),
	})

	if _, err := execute(t, f, "", false, "recover", "3", "the", "blue", "button"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := f.last().body
	if got := body["step_index"]; got != float64(2) {
		t.Fatalf("expected step_index 2 got %v", got)
	}
	if got := body["resolution"]; got != "the blue button" {
		t.Fatalf("unexpected resolution %v", got)
	}

	if _, err := execute(t, f, "", false, "recover", "zero", "x"); err == nil {
		t.Fatalf("expected error for invalid step")
	}
}

func TestStaleAnswerSurfacesConflict(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"POST /executions/recovery": reply(409, `{"error":"recovery answer is stale","stale":true}`),
	})

	_, err := execute(t, f, "", false, "recover", "1", "yes")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError got %v", err)
	}
	if apiErr.Status != http.StatusConflict || !apiErr.Stale {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestStatusShowsPendingRecovery(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /executions/current": reply(200, `{
			"execution":{"state":"RECOVERING","session":{"execution_id":"e-1","workflow_id":"wf-1","step_index":1,"total_steps":3},"workflow_name":"Send invoice","current_intent":"Open billing"},
			"pending_recovery":{"execution_id":"e-1","step_index":1,"question":"Which account?"}
		}`),
	})

	out, err := execute(t, f, "", false, "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"state: RECOVERING", "step: 2/3 Open billing", "waiting on step 2: Which account?", "replayctl recover 2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func sse(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, f := range frames {
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", i+1, f)
		}
	}
}

func TestWatchAnswersRecoveryInteractively(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /events": sse(
			`{"seq":1,"type":"execution.step_completed","at":"2026-01-01T00:00:00Z","data":{"execution_id":"e-1","step_index":0,"intent":"Open billing"}}`,
			`{"seq":2,"type":"execution.recovery_requested","at":"2026-01-01T00:00:01Z","data":{"execution_id":"e-1","step_index":1,"question":"Which account?"}}`,
			`{"seq":3,"type":"execution.completed","at":"2026-01-01T00:00:02Z","data":{"execution_id":"e-1","workflow_id":"wf-1"}}`,
		),
		"POST /executions/recovery": reply(200, `{"accepted":true}`),
	})

	out, err := execute(t, f, "the second one\n", true, "watch", "--until-done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "step 1 done: Open billing") || !strings.Contains(out, "step 2 needs help") {
		t.Fatalf("unexpected output %q", out)
	}
	last := f.last()
	if last.path != "/executions/recovery" || last.body["resolution"] != "the second one" || last.body["step_index"] != float64(1) {
		t.Fatalf("unexpected recovery call %+v", last)
	}
}

func TestWatchReportsFailure(t *testing.T) {
	f := newFakeServer(t, map[string]http.HandlerFunc{
		"GET /events": sse(
			`{"seq":1,"type":"execution.recovery_requested","at":"2026-01-01T00:00:00Z","data":{"execution_id":"e-1","step_index":0,"question":"?"}}`,
			`{"seq":2,"type":"execution.failed","at":"2026-01-01T00:00:01Z","data":{"execution_id":"e-1","step_index":0,"error":"capture failed"}}`,
		),
	})

	_, err := execute(t, f, "", false, "watch", "--until-done")
	if err == nil || !strings.Contains(err.Error(), "capture failed") {
		t.Fatalf("expected failure error got %v", err)
	}
	for _, c := range f.calls {
		if c.path == "/executions/recovery" {
			t.Fatalf("non-interactive watch must not answer")
		}
	}
}
