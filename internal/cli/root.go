package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetwatch/internal/config"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fleetwatch",
	Short: "Autonomous operations control loop for deployment fleets",
	Long: `Observes deployments, CI and workflows, decides on remediations from
fixed rules, admits them through guardrails and verifies every action it
takes. Every decision lands in a hash-chained audit log.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.fleetwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("FLEETWATCH_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and builds the logger it asks for,
// with command-line overrides applied.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// buildRuntime loads the config and wires the loop.
func buildRuntime() (*config.Runtime, *slog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rt, err := buildFrom(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, logger, nil
}

func buildFrom(cfg *config.Config, logger *slog.Logger) (*config.Runtime, error) {
	rt, err := config.Build(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("wire loop: %w", err)
	}
	return rt, nil
}
