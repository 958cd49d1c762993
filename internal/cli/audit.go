package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/store"
)

var (
	tailLines       int
	replayCycle     string
	replayTarget    string
	replayFrom      string
	replayTo        string
	replayFormat    string
	replayFromStore bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().StringVar(&replayCycle, "cycle", "", "Only entries from this cycle id")
	auditReplayCmd.Flags().StringVar(&replayTarget, "target", "", "Only entries acting on this target")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
	auditReplayCmd.Flags().BoolVar(&replayFromStore, "from-store", false, "Read the mirrored records from store.dsn instead of the log file")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.\nThe log path defaults to audit.path from the config file.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Long:  "Walks the JSONL audit log and validates that every record's prev_hash\nmatches the SHA-256 of the previous line. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show the most recent audit entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditShowCmd = &cobra.Command{
	Use:   "show <entry-id> [path]",
	Short: "Show one entry with its admission, execution and verification",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runAuditShow,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Render a decision timeline from the audit log",
	Long:  "Folds the audit records into entries, filters them by cycle, target and\ntime range, and renders a timeline with an outcome summary.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

// auditPath returns the explicit path argument or audit.path from the config.
func auditPath(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("no audit log given and config unavailable: %w", err)
	}
	return cfg.Audit.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d records verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	entries, err := audit.Tail(path, tailLines)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries found.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprint(out, audit.FormatEntryLine(e))
	}
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args[1:])
	if err != nil {
		return err
	}
	result, err := audit.Replay(path, audit.ReplayFilter{EntryID: args[0]})
	if err != nil {
		return err
	}
	if len(result.Entries) == 0 {
		return fmt.Errorf("audit entry %q not found in %s", args[0], path)
	}
	data, err := json.MarshalIndent(result.Entries[0].Redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{CycleID: replayCycle, Target: replayTarget}
	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	var result *audit.ReplayResult
	if replayFromStore {
		recs, err := mirroredRecords(cmd.Context(), filter)
		if err != nil {
			return err
		}
		result = audit.Build(recs, filter)
	} else {
		path, err := auditPath(args)
		if err != nil {
			return err
		}
		if result, err = audit.Replay(path, filter); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		s, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	case "text":
		fmt.Fprint(out, audit.FormatTimeline(result))
	default:
		return fmt.Errorf("unknown format %q (want text or json)", replayFormat)
	}
	return nil
}

func mirroredRecords(ctx context.Context, filter audit.ReplayFilter) ([]audit.Record, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	return audit.ReadStore(ctx, s, store.Filter{Since: filter.From, Until: filter.To})
}
