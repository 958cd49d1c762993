package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/store"
)

var deploymentsState string

func init() {
	rootCmd.AddCommand(deploymentsCmd)
	deploymentsCmd.AddCommand(deploymentsListCmd)
	deploymentsCmd.AddCommand(deploymentsHistoryCmd)
	deploymentsListCmd.Flags().StringVar(&deploymentsState, "state", "", "Only deployments in this state (e.g. CRASHED)")
}

var deploymentsCmd = &cobra.Command{
	Use:     "deployments",
	Aliases: []string{"deploy"},
	Short:   "Inspect tracked deployments from the journal",
	Long:    "Reads the deployment journal in store.dsn. A memory store has no journal\nto read; point store.dsn at SQLite or PostgreSQL to use these commands.",
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments and their current state",
	Args:  cobra.NoArgs,
	RunE:  runDeploymentsList,
}

var deploymentsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show every transition of one deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploymentsHistory,
}

// restoreDeployments replays the journal into a fresh manager.
func restoreDeployments(ctx context.Context) (*deploy.Manager, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	m := deploy.NewManager(deploy.WithJournal(s), deploy.WithLogger(logger))
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := m.Restore(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	return m, func() { s.Close() }, nil
}

func runDeploymentsList(cmd *cobra.Command, args []string) error {
	var filter deploy.State
	if deploymentsState != "" {
		st, err := deploy.ParseState(deploymentsState)
		if err != nil {
			return err
		}
		filter = st
	}
	m, done, err := restoreDeployments(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	recs := m.List()
	if filter != "" {
		recs = m.ListByState(filter)
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No deployments tracked.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSINCE\tTRANSITIONS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.State, r.Since().UTC().Format(time.RFC3339), len(r.History))
	}
	return w.Flush()
}

func runDeploymentsHistory(cmd *cobra.Command, args []string) error {
	m, done, err := restoreDeployments(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	hist, err := m.History(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tFROM\tTO\tBY\tREASON")
	for _, t := range hist {
		from := string(t.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.At.UTC().Format(time.RFC3339), from, t.To, t.TriggeredBy, t.Reason)
	}
	return w.Flush()
}
