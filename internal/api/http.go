// Package api exposes the running loop to operators: a JSON HTTP API and
// a gRPC health service that stops serving while the kill switch is
// engaged.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/loop"
	"github.com/ppiankov/fleetwatch/internal/metrics"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// TriggerRequest asks for a cycle.
type TriggerRequest struct {
	Reason string `json:"reason"`
	// Wait runs the cycle inside the request and returns its report.
	Wait bool `json:"wait"`
}

// TriggerResponse reports whether the request was queued.
type TriggerResponse struct {
	Queued bool              `json:"queued"`
	Report *loop.CycleReport `json:"report,omitempty"`
}

// KillSwitchRequest engages the kill switch.
type KillSwitchRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// TransitionRequest moves a deployment by hand.
type TransitionRequest struct {
	State  string `json:"state" binding:"required"`
	Reason string `json:"reason"`
}

// Handlers serves the HTTP API for one loop.
type Handlers struct {
	loop   *loop.Loop
	logger *slog.Logger
}

// NewHandlers binds handlers to l.
func NewHandlers(l *loop.Loop, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{loop: l, logger: logger.With("component", "api")}
}

// Router returns a gin engine with every route registered.
func (h *Handlers) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	RegisterRoutes(r.Group("/v1"), h)
	return r
}

// RegisterRoutes mounts the API under g.
func RegisterRoutes(g *gin.RouterGroup, h *Handlers) {
	g.GET("/status", h.HandleStatus)
	g.GET("/snapshot", h.HandleSnapshot)
	g.POST("/cycles", h.HandleTrigger)

	g.GET("/killswitch", h.HandleKillSwitchStatus)
	g.POST("/killswitch", h.HandleEngage)
	g.DELETE("/killswitch", h.HandleClear)

	g.GET("/deployments", h.HandleDeployments)
	g.GET("/deployments/:id", h.HandleDeployment)
	g.GET("/deployments/:id/history", h.HandleHistory)
	g.POST("/deployments/:id/transition", h.HandleTransition)

	g.GET("/audit/:id", h.HandleAuditEntry)
}

func (h *Handlers) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start).Round(time.Microsecond),
	)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.loop.Status())
}

// HandleSnapshot handles GET /v1/snapshot.
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	snap := h.loop.Snapshot()
	if snap == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no cycle has completed yet", Code: "NO_SNAPSHOT"})
		return
	}
	c.JSON(http.StatusOK, snap.Summarize())
}

// HandleTrigger handles POST /v1/cycles.
func (h *Handlers) HandleTrigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
			return
		}
	}
	if req.Wait {
		rep := h.loop.RunCycle(c.Request.Context())
		c.JSON(http.StatusOK, TriggerResponse{Queued: true, Report: &rep})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "api"
	}
	c.JSON(http.StatusAccepted, TriggerResponse{Queued: h.loop.Trigger(reason)})
}

// HandleKillSwitchStatus handles GET /v1/killswitch.
func (h *Handlers) HandleKillSwitchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.loop.Guard().KillSwitch().Status())
}

// HandleEngage handles POST /v1/killswitch.
func (h *Handlers) HandleEngage(c *gin.Context) {
	var req KillSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "reason is required", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.loop.EngageKillSwitch(c.Request.Context(), audit.ActorOperator, req.Reason); err != nil {
		h.logger.Error("engage kill switch", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "KILL_SWITCH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, h.loop.Guard().KillSwitch().Status())
}

// HandleClear handles DELETE /v1/killswitch.
func (h *Handlers) HandleClear(c *gin.Context) {
	if err := h.loop.ClearKillSwitch(audit.ActorOperator); err != nil {
		h.logger.Error("clear kill switch", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "KILL_SWITCH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, h.loop.Guard().KillSwitch().Status())
}

// HandleDeployments handles GET /v1/deployments[?state=ACTIVE].
func (h *Handlers) HandleDeployments(c *gin.Context) {
	raw := c.Query("state")
	if raw == "" {
		c.JSON(http.StatusOK, h.loop.Deployments().List())
		return
	}
	s, err := deploy.ParseState(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_STATE"})
		return
	}
	c.JSON(http.StatusOK, h.loop.Deployments().ListByState(s))
}

// HandleDeployment handles GET /v1/deployments/:id.
func (h *Handlers) HandleDeployment(c *gin.Context) {
	rec, ok := h.loop.Deployments().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown deployment", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleHistory handles GET /v1/deployments/:id/history.
func (h *Handlers) HandleHistory(c *gin.Context) {
	hist, err := h.loop.Deployments().History(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, hist)
}

// HandleTransition handles POST /v1/deployments/:id/transition.
func (h *Handlers) HandleTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "state is required", Code: "INVALID_REQUEST"})
		return
	}
	to, err := deploy.ParseState(req.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_STATE"})
		return
	}
	rec, err := h.loop.Transition(c.Param("id"), to, audit.ActorOperator, req.Reason)
	switch {
	case errors.Is(err, deploy.ErrUnknownDeployment):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, deploy.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_TRANSITION"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "TRANSITION_FAILED"})
	default:
		c.JSON(http.StatusOK, rec)
	}
}

// HandleAuditEntry handles GET /v1/audit/:id.
func (h *Handlers) HandleAuditEntry(c *gin.Context) {
	res, err := audit.Replay(h.loop.Trail().Path(), audit.ReplayFilter{EntryID: c.Param("id")})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "AUDIT_READ_FAILED"})
		return
	}
	if len(res.Entries) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown audit entry", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, res.Entries[0].Redacted())
}

// ServeHTTP listens on addr until ctx is cancelled, then shuts down
// gracefully.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	logger.Info("http api listening", "addr", lis.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}
