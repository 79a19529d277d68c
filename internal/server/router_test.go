package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodekeeper/internal/launch"
	"github.com/loykin/nodekeeper/internal/supervisor"
)

type staticStatus supervisor.Status

func (s staticStatus) Status() supervisor.Status { return supervisor.Status(s) }

type fakeProcs struct{}

func (fakeProcs) Match(context.Context, []string) []int32 { return []int32{100} }
func (fakeProcs) Descendants(context.Context, []int32) []int32 {
	return []int32{101, 102}
}

func setupRouter(t *testing.T, st supervisor.Status, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(staticStatus(st), fakeProcs{}, []string{"nexus-network"}, base).Handler()
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func running() supervisor.Status {
	return supervisor.Status{
		State:   supervisor.Polling,
		NodeID:  "node-1",
		Context: &launch.ExecutionContext{Platform: "linux", Name: "nexus", NodeID: "node-1"},
	}
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, running(), "/api")
	rec := doReq(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got supervisor.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != supervisor.Polling || got.NodeID != "node-1" || got.Context == nil || got.Context.Name != "nexus" {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*supervisor.Status)
		code   int
		health string
	}{
		{"healthy", func(*supervisor.Status) {}, http.StatusOK, "healthy"},
		{"no context", func(s *supervisor.Status) { s.Context = nil }, http.StatusServiceUnavailable, "not_running"},
		{"degraded", func(s *supervisor.Status) { s.Degraded = true }, http.StatusServiceUnavailable, "degraded"},
		{"starting", func(s *supervisor.Status) { s.State = supervisor.Installing }, http.StatusServiceUnavailable, "starting"},
		{"terminated", func(s *supervisor.Status) { s.State = supervisor.Terminated }, http.StatusServiceUnavailable, "terminated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := running()
			tc.mutate(&st)
			rec := doReq(t, setupRouter(t, st, ""), "/healthz")
			if rec.Code != tc.code {
				t.Fatalf("code: got %d want %d", rec.Code, tc.code)
			}
			var got healthResp
			_ = json.Unmarshal(rec.Body.Bytes(), &got)
			if got.Health != tc.health {
				t.Fatalf("health: got %q want %q", got.Health, tc.health)
			}
		})
	}
}

func TestDebugProcesses(t *testing.T) {
	rec := doReq(t, setupRouter(t, running(), "/"), "/debug/processes")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got processesResp
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Matched) != 1 || len(got.Descendants) != 2 {
		t.Fatalf("unexpected processes: %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := doReq(t, setupRouter(t, running(), "/api"), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRouter(staticStatus(running()), nil, nil, "")
	srv, err := Start(ctx, "127.0.0.1:0", r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get("http://" + srv.Addr + "/healthz"); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server still serving after cancel")
}

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x ": "/x"} {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
