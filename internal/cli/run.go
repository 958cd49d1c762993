package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/fleetwatch/internal/api"
	"github.com/ppiankov/fleetwatch/internal/loop"
)

var (
	runDryRun  bool
	onceDryRun bool
	onceWait   bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Audit every decision but never call an adapter's Act")
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "Audit every decision but never call an adapter's Act")
	onceCmd.Flags().BoolVar(&onceWait, "wait", false, "Wait for verification of the actions taken (otherwise they are recorded unverified)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop until interrupted",
	Long: `Takes the instance lock, restores deployment history and cooldowns, and
runs a cycle at startup and then every loop.interval. The HTTP API and the
gRPC health service start when api.listen and api.grpc_listen are set.

SIGINT or SIGTERM stop the loop after the current cycle.`,
	RunE: runRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle and print its report",
	RunE:  runOnce,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if runDryRun {
		cfg.Loop.DryRun = true
	}
	rt, err := buildFrom(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Loop.Run(ctx) })
	if cfg.API.Listen != "" {
		router := api.NewHandlers(rt.Loop, logger).Router()
		g.Go(func() error { return api.ServeHTTP(ctx, cfg.API.Listen, router, logger) })
	}
	if cfg.API.GRPCListen != "" {
		health := api.NewHealth(rt.Loop.Guard().KillSwitch())
		g.Go(func() error { return health.Serve(ctx, cfg.API.GRPCListen, logger) })
	}
	return g.Wait()
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if onceDryRun {
		cfg.Loop.DryRun = true
	}
	rt, err := buildFrom(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	rep, err := rt.Loop.Once(ctx, onceWait)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if rep.Result == loop.ResultFailed {
		return fmt.Errorf("cycle %s failed", rep.CycleID)
	}
	return nil
}
