package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/canto-dev/canto/internal/aggregator"
	"github.com/canto-dev/canto/internal/logcap"
	"github.com/canto-dev/canto/internal/logger"
	"github.com/canto-dev/canto/internal/module"
	"github.com/canto-dev/canto/internal/orchestrator"
	"github.com/canto-dev/canto/internal/process"
	"github.com/canto-dev/canto/internal/restart"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func newTestRouter(t *testing.T, defs ...module.Definition) (http.Handler, *process.Registry) {
	t.Helper()
	capture := logcap.New(logger.Config{})
	reg := process.NewRegistry(capture, nil)
	orch := orchestrator.New(reg, nil, nil, nil)
	if err := orch.Load(defs); err != nil {
		t.Fatalf("load: %v", err)
	}
	agg := aggregator.New(orch, reg, nil, nil, nil)
	t.Cleanup(func() { reg.Cleanup() })
	r := NewRouter(Deps{Orch: orch, Agg: agg, Logs: capture}, "")
	return r.Handler(), reg
}

func sleeper(name string) module.Definition {
	return module.Definition{
		Name:   name,
		Kind:   module.KindCustom,
		Custom: module.Custom{Command: "sleep 30"},
	}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStartStopStatusRoundTrip(t *testing.T) {
	requireUnix(t)
	h, reg := newTestRouter(t, sleeper("svc"))

	w := do(t, h, http.MethodPost, "/start?name=svc")
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if !reg.IsRunning("svc") {
		t.Fatalf("svc not running after /start")
	}

	w = do(t, h, http.MethodGet, "/status?name=svc")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	var st struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Name != "svc" || st.State != "running" {
		t.Fatalf("unexpected status: %+v", st)
	}

	w = do(t, h, http.MethodPost, "/stop?name=svc")
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", w.Code, w.Body.String())
	}
	if reg.IsRunning("svc") {
		t.Fatalf("svc still running after /stop")
	}
}

func TestStatusUnknownModule(t *testing.T) {
	h, _ := newTestRouter(t, sleeper("svc"))
	if w := do(t, h, http.MethodGet, "/status?name=ghost"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStartUnknownModuleReturnsBadRequest(t *testing.T) {
	h, _ := newTestRouter(t, sleeper("svc"))
	if w := do(t, h, http.MethodPost, "/start?name=ghost"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUnsafeNameRejected(t *testing.T) {
	h, _ := newTestRouter(t, sleeper("svc"))
	if w := do(t, h, http.MethodPost, "/start?name=..%2Fetc"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe name, got %d", w.Code)
	}
}

func TestRestartRequiresName(t *testing.T) {
	h, _ := newTestRouter(t, sleeper("svc"))
	if w := do(t, h, http.MethodPost, "/restart"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	requireUnix(t)
	echo := module.Definition{
		Name:   "echoer",
		Kind:   module.KindCustom,
		Custom: module.Custom{Command: "sh -c 'echo hello-logs; sleep 30'"},
	}
	h, reg := newTestRouter(t, echo)
	do(t, h, http.MethodPost, "/start?name=echoer")
	time.Sleep(200 * time.Millisecond)

	w := do(t, h, http.MethodGet, "/logs?name=echoer&tail=10")
	if w.Code != http.StatusOK {
		t.Fatalf("logs: %d %s", w.Code, w.Body.String())
	}
	var chunks []logcap.Chunk
	if err := json.Unmarshal(w.Body.Bytes(), &chunks); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(chunks) == 0 || chunks[0].Text != "hello-logs\n" {
		t.Fatalf("expected captured output, got %+v", chunks)
	}
	_ = reg
}

func TestHistoryWithoutStore(t *testing.T) {
	h, _ := newTestRouter(t, sleeper("svc"))
	if w := do(t, h, http.MethodGet, "/history"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without store, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t, sleeper("svc"))
	if w := do(t, h, http.MethodGet, "/metrics"); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"/":     "",
		"api":   "/api",
		"/api":  "/api",
		"/api/": "/api",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	for _, ok := range []string{"api", "my-svc", "a.b_c1"} {
		if !isSafeName(ok) {
			t.Fatalf("%q should be safe", ok)
		}
	}
	for _, bad := range []string{"", "..", "a/b", `a\b`, "a b", "x..y"} {
		if isSafeName(bad) {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestStartResetsRetryBudget(t *testing.T) {
	requireUnix(t)
	capture := logcap.New(logger.Config{})
	reg := process.NewRegistry(capture, nil)
	orch := orchestrator.New(reg, nil, nil, nil)
	if err := orch.Load([]module.Definition{sleeper("svc")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	engine := restart.NewEngine(restart.Policy{
		BaseDelay:  time.Minute,
		MaxDelay:   time.Minute,
		MaxRetries: 5,
	}, func(string) {}, nil)
	agg := aggregator.New(orch, reg, nil, engine, nil)
	t.Cleanup(func() {
		engine.Cleanup()
		reg.Cleanup()
	})
	h := NewRouter(Deps{Orch: orch, Agg: agg, Logs: capture, Engine: engine}, "").Handler()

	engine.Observe("svc", process.StatusFailed)
	if !engine.IsRestarting("svc") {
		t.Fatalf("expected an armed restart before the manual start")
	}

	if w := do(t, h, http.MethodPost, "/start?name=svc"); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if engine.IsRestarting("svc") || engine.Failures("svc") != 0 {
		t.Fatalf("manual start must clear the retry budget")
	}
}

func TestNewServerReportsBindFailure(t *testing.T) {
	capture := logcap.New(logger.Config{})
	reg := process.NewRegistry(capture, nil)
	orch := orchestrator.New(reg, nil, nil, nil)
	agg := aggregator.New(orch, reg, nil, nil, nil)
	t.Cleanup(func() { reg.Cleanup() })
	deps := Deps{Orch: orch, Agg: agg, Logs: capture}

	srv, err := NewServer("127.0.0.1:0", "", deps)
	if err != nil {
		t.Fatalf("free-port bind failed: %v", err)
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := NewServer(ln.Addr().String(), "", deps); err == nil {
		t.Fatalf("occupied port must surface a bind error")
	}
}
