package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/canto-dev/canto/internal/aggregator"
	"github.com/canto-dev/canto/internal/logcap"
	"github.com/canto-dev/canto/internal/metrics"
	"github.com/canto-dev/canto/internal/orchestrator"
	"github.com/canto-dev/canto/internal/process"
	"github.com/canto-dev/canto/internal/restart"
	"github.com/canto-dev/canto/internal/store"
)

// Router provides embeddable HTTP handlers for managing modules.
// Endpoints:
//
//	GET  {basePath}/status        query: name=... (optional; omit for all)
//	POST {basePath}/start         query: name=... (optional; omit for all)
//	POST {basePath}/stop          query: name=... (optional; omit for all)
//	POST {basePath}/restart       query: name=... (required)
//	GET  {basePath}/logs          query: name=...&tail=N
//	GET  {basePath}/history       query: name=...&limit=N
//	GET  {basePath}/metrics       Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.

type Deps struct {
	Orch   *orchestrator.Orchestrator
	Agg    *aggregator.Aggregator
	Logs   *logcap.Capture
	Engine *restart.Engine // optional; manual actions reset its retry budget
	Hist   store.Store     // optional; nil disables /history
}

type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/logs", r.handleLogs)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The listener is bound before returning, so an occupied port fails here
// instead of silently inside the serve goroutine. Shut it down by calling
// Close or Shutdown on the returned http.Server.
func NewServer(addr, basePath string, deps Deps) (*http.Server, error) {
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	snap := r.deps.Agg.Snapshot()
	if name == "" {
		writeJSON(c, http.StatusOK, snap)
		return
	}
	for i := range snap {
		if snap[i].Name == name {
			writeJSON(c, http.StatusOK, snap[i])
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown module: " + name})
}

// resetEngine clears the retry budget before a manual action so the restart
// engine never fights a user-requested start or stop.
func (r *Router) resetEngine(name string) {
	if r.deps.Engine == nil {
		return
	}
	if name != "" {
		r.deps.Engine.Reset(name)
		return
	}
	for _, n := range r.deps.Orch.ModuleNames() {
		r.deps.Engine.Reset(n)
	}
}

func (r *Router) handleStart(c *gin.Context) {
	name := c.Query("name")
	var results []orchestrator.StartResult
	if name == "" {
		r.resetEngine("")
		results = r.deps.Orch.StartAll(c.Request.Context())
	} else {
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
			return
		}
		r.resetEngine(name)
		results = r.deps.Orch.Start(c.Request.Context(), name)
	}
	r.deps.Agg.ForceUpdate()
	writeJSON(c, statusForStart(results), results)
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Query("name")
	var results []process.Result
	if name == "" {
		r.resetEngine("")
		results = r.deps.Orch.StopAll(c.Request.Context())
	} else {
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
			return
		}
		r.resetEngine(name)
		results = r.deps.Orch.Stop(c.Request.Context(), name)
	}
	r.deps.Agg.ForceUpdate()
	writeJSON(c, http.StatusOK, results)
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	r.resetEngine(name)
	results := r.deps.Orch.Restart(c.Request.Context(), name)
	r.deps.Agg.ForceUpdate()
	writeJSON(c, statusForStart(results), results)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	tail := 100
	if v := c.Query("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}
	writeJSON(c, http.StatusOK, r.deps.Logs.Recent(name, tail))
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.deps.Hist == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history store not configured"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := r.deps.Hist.RecentEvents(c.Request.Context(), c.Query("name"), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, events)
}

func statusForStart(results []orchestrator.StartResult) int {
	for _, r := range results {
		if !r.OK {
			return http.StatusBadRequest
		}
	}
	return http.StatusOK
}
