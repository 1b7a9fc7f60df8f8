package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/reconcile"
	"github.com/peterwi/project-f/internal/report"
)

func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture broker account snapshots",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Store an immutable account snapshot",
		Long: `Stores cash and positions as reported by the broker. Provide a JSON file
({snapshot_date, cash, positions: [{symbol, units}]}) or the date, cash and position flags.`,
		RunE: runSnapshotAdd,
	}
	addCmd.Flags().String("file", "", "Snapshot JSON file, - for stdin")
	addCmd.Flags().String("date", "", "Snapshot date (YYYY-MM-DD)")
	addCmd.Flags().String("cash", "", "Cash balance in the base currency")
	addCmd.Flags().StringArray("position", nil, "Holding as SYMBOL=UNITS, repeatable")
	addCmd.Flags().String("notes", "", "Free-form notes")
	snapshotCmd.AddCommand(addCmd)

	return snapshotCmd
}

func runSnapshotAdd(cmd *cobra.Command, args []string) error {
	payload, err := snapshotPayload(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := payload.Build(a.cfg.Account.BaseCurrency, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := a.repo.Recon.AddSnapshot(cmd.Context(), snap); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	log.Info().
		Str("snapshot_id", snap.SnapshotID).
		Str("date", domain.FormatDate(snap.SnapshotDate)).
		Str("cash", snap.Cash.String()).
		Int("positions", len(snap.Positions)).
		Msg("Snapshot stored")
	return printJSON(snap)
}

func snapshotPayload(cmd *cobra.Command) (reconcile.SnapshotPayload, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := readInput(file)
		if err != nil {
			return reconcile.SnapshotPayload{}, err
		}
		return reconcile.ParseSnapshot(data)
	}

	date, _ := cmd.Flags().GetString("date")
	cashRaw, _ := cmd.Flags().GetString("cash")
	notes, _ := cmd.Flags().GetString("notes")
	positions, _ := cmd.Flags().GetStringArray("position")

	if date == "" || cashRaw == "" {
		return reconcile.SnapshotPayload{}, fmt.Errorf("either --file or both --date and --cash are required")
	}
	cash, err := decimal.NewFromString(cashRaw)
	if err != nil {
		return reconcile.SnapshotPayload{}, fmt.Errorf("--cash: %w", err)
	}

	p := reconcile.SnapshotPayload{SnapshotDate: date, Cash: cash, Notes: notes}
	for _, raw := range positions {
		sym, units, ok := strings.Cut(raw, "=")
		if !ok {
			return reconcile.SnapshotPayload{}, fmt.Errorf("--position %q: want SYMBOL=UNITS", raw)
		}
		u, err := decimal.NewFromString(strings.TrimSpace(units))
		if err != nil {
			return reconcile.SnapshotPayload{}, fmt.Errorf("--position %q: %w", raw, err)
		}
		p.Positions = append(p.Positions, domain.SnapshotPosition{Symbol: strings.TrimSpace(sym), Units: u})
	}
	return p, nil
}

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and seed the fill ledger",
	}

	baselineCmd := &cobra.Command{
		Use:   "baseline",
		Short: "Record the opening cash balance once",
		RunE:  runLedgerBaseline,
	}
	baselineCmd.Flags().String("cash", "", "Opening cash in the base currency")
	_ = baselineCmd.MarkFlagRequired("cash")

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Write a markdown report of cash, positions and recent fills",
		RunE:  runLedgerReport,
	}
	reportCmd.Flags().String("asof", "", "Valuation date (YYYY-MM-DD), defaults to today")
	reportCmd.Flags().Int("fills", report.DefaultRecentFills, "Number of recent fills to list")

	ledgerCmd.AddCommand(baselineCmd)
	ledgerCmd.AddCommand(reportCmd)
	return ledgerCmd
}

func runLedgerBaseline(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("cash")
	cash, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("--cash: %w", err)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	applied, err := a.ledger.SetBaseline(cmd.Context(), cash, a.cfg.Account.BaseCurrency, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		fmt.Println("baseline already recorded; nothing written")
		return nil
	}
	fmt.Printf("baseline recorded: %s %s\n", cash.StringFixed(2), a.cfg.Account.BaseCurrency)
	return nil
}

func runLedgerReport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	asof, err := dateFlag(cmd, "asof")
	if err != nil {
		return err
	}
	if asof.IsZero() {
		asof = domain.DateOf(time.Now().UTC())
	}
	fills, _ := cmd.Flags().GetInt("fills")

	rep, paths, err := report.NewBuilder(a.ledger, a.repo.Ledger, a.repo.Market).
		WithRecentFills(fills).
		Write(cmd.Context(), a.store, asof)
	if err != nil {
		return err
	}

	fmt.Print(rep.Markdown())
	log.Info().Str("report", paths.Markdown).Msg("Ledger report written")
	return nil
}
