package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/config"
	"github.com/ppiankov/fleetwatch/internal/guardrail"
	"github.com/ppiankov/fleetwatch/internal/loop"
)

func init() {
	rootCmd.AddCommand(killSwitchCmd)
	killSwitchCmd.AddCommand(killSwitchEngageCmd)
	killSwitchCmd.AddCommand(killSwitchClearCmd)
	killSwitchCmd.AddCommand(killSwitchStatusCmd)
}

var killSwitchCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "Engage, clear or inspect the kill switch",
	Long: `The kill switch is the file at guardrail.kill_switch_file. While it exists
no automated action is admitted. A running loop watches the file and picks
up changes within a second; observation and auditing continue.`,
}

var killSwitchEngageCmd = &cobra.Command{
	Use:   "engage <reason>",
	Short: "Stop all automated actions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKillSwitchEngage,
}

var killSwitchClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Resume automated actions",
	Args:  cobra.NoArgs,
	RunE:  runKillSwitchClear,
}

var killSwitchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the kill switch is engaged",
	Args:  cobra.NoArgs,
	RunE:  runKillSwitchStatus,
}

func openKillSwitch() (*config.Config, *guardrail.KillSwitch, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Guardrail.KillSwitchFile == "" {
		return nil, nil, fmt.Errorf("guardrail.kill_switch_file is not set; the switch can only be flipped over the API")
	}
	ks, err := guardrail.NewKillSwitch(cfg.Guardrail.KillSwitchFile, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ks, nil
}

// recordOperatorEvent appends a kill switch event to the audit log so the
// toggle is visible in replays even when no loop is running.
func recordOperatorEvent(cfg *config.Config, kind, detail string) error {
	log, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer log.Close()
	return audit.NewTrail(log).Event("", audit.ActorOperator, kind, detail)
}

func runKillSwitchEngage(cmd *cobra.Command, args []string) error {
	cfg, ks, err := openKillSwitch()
	if err != nil {
		return err
	}
	reason := strings.Join(args, " ")
	if err := ks.Engage(reason); err != nil {
		return err
	}
	if err := recordOperatorEvent(cfg, loop.EventKillSwitchEngaged, reason); err != nil {
		return fmt.Errorf("kill switch engaged but audit write failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Kill switch engaged: %s\n", reason)
	return nil
}

func runKillSwitchClear(cmd *cobra.Command, args []string) error {
	cfg, ks, err := openKillSwitch()
	if err != nil {
		return err
	}
	if !ks.Engaged() {
		fmt.Fprintln(cmd.OutOrStdout(), "Kill switch was not engaged.")
		return nil
	}
	if err := ks.Clear(); err != nil {
		return err
	}
	if err := recordOperatorEvent(cfg, loop.EventKillSwitchCleared, "cleared by "+audit.ActorOperator); err != nil {
		return fmt.Errorf("kill switch cleared but audit write failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Kill switch cleared.")
	return nil
}

func runKillSwitchStatus(cmd *cobra.Command, args []string) error {
	_, ks, err := openKillSwitch()
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(ks.Status(), "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
