package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/position"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the trade ledger and event timeline",
	Long: `Read positions, trades and events from the configured store.

Examples:
  volbal journal positions
  volbal journal trades pos_01HX...
  volbal journal events pos_01HX... --type EXECUTION --limit 20`,
}

var journalPositionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List positions",
	Args:  cobra.NoArgs,
	RunE:  runJournalPositions,
}

var journalTradesCmd = &cobra.Command{
	Use:   "trades <position-id>",
	Short: "Write a position's trades as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrades,
}

var journalEventsCmd = &cobra.Command{
	Use:   "events <position-id>",
	Short: "List a position's timeline events",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalEvents,
}

var (
	journalStatus string
	journalTypes  []string
	journalLimit  int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalPositionsCmd)
	journalCmd.AddCommand(journalTradesCmd)
	journalCmd.AddCommand(journalEventsCmd)

	journalPositionsCmd.Flags().StringVar(&journalStatus, "status", "", "only positions with this status")
	journalEventsCmd.Flags().StringSliceVar(&journalTypes, "type", nil, "only these event types")
	journalEventsCmd.Flags().IntVar(&journalLimit, "limit", 0, "most recent N events (0 = all)")
}

func runJournalPositions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListPositions(ctx, position.Filter{Status: position.Status(journalStatus)})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tSTATUS\tQTY\tCASH\tANCHOR")
	for _, p := range list {
		anchor := "-"
		if p.AnchorPrice != nil {
			anchor = p.AnchorPrice.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.AssetSymbol, p.Status, p.Qty, p.Cash, anchor)
	}
	return tw.Flush()
}

func runJournalTrades(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetPosition(ctx, args[0]); err != nil {
		return err
	}
	trades, err := st.ListTrades(ctx, args[0])
	if err != nil {
		return err
	}
	return journal.WriteTradesCSV(cmd.OutOrStdout(), trades)
}

func runJournalEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetPosition(ctx, args[0]); err != nil {
		return err
	}
	f := journal.EventFilter{Limit: journalLimit}
	for _, t := range journalTypes {
		f.Types = append(f.Types, journal.EventType(t))
	}
	events, err := st.ListEvents(ctx, args[0], f)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tACTION\tREASON\tBLOCKED")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.EvaluationType, e.Action, e.ActionReason, e.GuardrailBlockReason)
	}
	return tw.Flush()
}
