package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	fwmcp "github.com/ppiankov/fleetwatch/internal/mcp"
)

var mcpLoop bool

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpLoop, "loop", true, "Also run the control loop so queued triggers are served")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for operator assistants",
	Long: `Runs fleetwatch as an MCP (Model Context Protocol) server over stdio.
Exposes operator tools: status, trigger, killswitch, deployments, history,
audit_entry.

With --loop=false only trigger with wait=true runs cycles.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	rt, logger, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	loopErr := make(chan error, 1)
	if mcpLoop {
		go func() { loopErr <- rt.Loop.Run(ctx) }()
	} else if err := rt.Loop.Restore(ctx); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "fleetwatch MCP server running on stdio")
	srv := fwmcp.New(rt.Loop, version, logger)
	err = srv.Run(ctx)
	stop()
	if mcpLoop {
		if lerr := <-loopErr; lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}
