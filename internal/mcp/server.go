// Package mcp serves operator tools over the Model Context Protocol so an
// assistant can inspect the loop, request cycles and pull the kill switch.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/fleetwatch/internal/loop"
)

// Server wraps the MCP SDK server around one loop.
type Server struct {
	mcpServer *mcpsdk.Server
	loop      *loop.Loop
	logger    *slog.Logger
}

// New registers every tool against l.
func New(l *loop.Loop, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{loop: l, logger: logger.With("component", "mcp")}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "fleetwatch",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves on t; used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleetwatch_status",
		Description: "Report whether the control loop is running, the kill switch state, per-run counters and the last cycle.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleetwatch_trigger",
		Description: "Request an observe-orient-decide-act cycle. With wait=true the cycle runs now and its report is returned.",
	}, s.handleTrigger)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleetwatch_killswitch",
		Description: "Engage, clear or inspect the kill switch. While engaged every automated action is rejected.",
	}, s.handleKillSwitch)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleetwatch_deployments",
		Description: "List tracked deployments, optionally filtered by lifecycle state.",
	}, s.handleDeployments)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleetwatch_history",
		Description: "Show every state transition of one deployment, oldest first.",
	}, s.handleHistory)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "fleetwatch_audit_entry",
		Description: "Show one audit entry: the proposed action, the guardrail decision, the execution and the verification outcome.",
	}, s.handleAuditEntry)
}
