package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetwatch/internal/config"
)

var (
	initProfile string
	initForce   bool
	diffFormat  string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configDiffCmd)
	configCmd.AddCommand(configProfilesCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configInitCmd.Flags().StringVar(&initProfile, "profile", "standard", "Built-in profile the new config starts from")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	configDiffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, inspect and compare config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Writes a commented config to --config (default ~/.fleetwatch/config.yaml)
that starts from the given profile. An existing file is left alone unless
--force is set.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two config files and show changes",
	Long:  "Loads two config files and shows what changed in operational terms:\nwhich limits got stricter or looser, rules disabled or re-enabled,\nadapters and routes added or removed.",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigDiff,
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List built-in and user profiles",
	Args:  cobra.NoArgs,
	RunE:  runConfigProfiles,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config with the profile applied",
	Long:  "Prints the config after defaults, profile and file are merged.\nTokens and the store DSN are never printed.",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the config file loads and validates",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := config.LoadProfile(initProfile); err != nil {
		return err
	}
	path := resolveConfigPath()
	wrote, err := writeIfMissing(path, config.Template(initProfile))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !wrote {
		fmt.Fprintf(out, "%s already exists (use --force to overwrite).\n", path)
		return nil
	}
	fmt.Fprintf(out, "Created %s (profile %s).\n", path, initProfile)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  fleetwatch config validate")
	fmt.Fprintln(out, "  fleetwatch once --dry-run")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func runConfigDiff(cmd *cobra.Command, args []string) error {
	oldCfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("load old config: %w", err)
	}
	newCfg, err := config.Load(args[1])
	if err != nil {
		return fmt.Errorf("load new config: %w", err)
	}

	result := config.Diff(oldCfg, newCfg)
	result.OldPath = args[0]
	result.NewPath = args[1]

	out := cmd.OutOrStdout()
	switch diffFormat {
	case "json":
		s, err := config.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	case "text":
		fmt.Fprint(out, config.FormatText(result))
	default:
		return fmt.Errorf("unknown format %q (want text or json)", diffFormat)
	}
	return nil
}

func runConfigProfiles(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Available profiles:")
	for _, name := range config.ListProfiles() {
		p, err := config.LoadProfile(name)
		if err != nil {
			fmt.Fprintf(out, "  %-15s (error loading: %v)\n", name, err)
			continue
		}
		fmt.Fprintf(out, "  %-15s %s\n", name, p.Description)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	names, _ := cfg.AdapterNames()
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: profile %s, %d adapters, %d routes.\n",
		path, orDefault(cfg.Profile, "none"), len(names), len(cfg.Routes))
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
