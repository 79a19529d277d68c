package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/supervisor"
)

// Router provides read-only HTTP handlers over a running supervisor.
// Endpoints:
//
//	GET {basePath}/status           supervisor status JSON
//	GET {basePath}/healthz          200 when a worker context is up, 503 otherwise
//	GET {basePath}/debug/processes  pids currently matching the worker patterns
//	GET /metrics                    Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	status   StatusSource
	procs    ProcessLister
	patterns []string
	basePath string
}

// StatusSource is satisfied by *supervisor.Supervisor.
type StatusSource interface {
	Status() supervisor.Status
}

// ProcessLister is satisfied by *process.Registry.
type ProcessLister interface {
	Match(ctx context.Context, patterns []string) []int32
	Descendants(ctx context.Context, roots []int32) []int32
}

func NewRouter(status StatusSource, procs ProcessLister, patterns []string, basePath string) *Router {
	return &Router{status: status, procs: procs, patterns: patterns, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/debug/processes", r.handleDebugProcesses)
	return g
}

// Start serves the router on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, r *Router, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	log.Info("status server listening", "addr", server.Addr)
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	State  supervisor.State `json:"state"`
	Health string           `json:"health"`
}

type processesResp struct {
	Matched     []int32 `json:"matched"`
	Descendants []int32 `json:"descendants"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.status.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.status.Status()
	h := getHealthStatus(st)
	code := http.StatusOK
	if h != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{State: st.State, Health: h})
}

func (r *Router) handleDebugProcesses(c *gin.Context) {
	if r.procs == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "process listing not available"})
		return
	}
	ctx := c.Request.Context()
	matched := r.procs.Match(ctx, r.patterns)
	writeJSON(c, http.StatusOK, processesResp{
		Matched:     nonNil(matched),
		Descendants: nonNil(r.procs.Descendants(ctx, matched)),
	})
}

func getHealthStatus(st supervisor.Status) string {
	switch st.State {
	case supervisor.Terminated:
		return "terminated"
	case supervisor.Polling, supervisor.Restarting:
	default:
		return "starting"
	}
	if st.Context == nil {
		return "not_running"
	}
	if st.Degraded {
		return "degraded"
	}
	return "healthy"
}

func nonNil(p []int32) []int32 {
	if p == nil {
		return []int32{}
	}
	return p
}
