package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peterwi/project-f/internal/application/pipeline"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/gates/dataquality"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the decision pipeline for one as-of date",
		Long: `Runs data quality, confirmation, reconciliation and risk guard in order and
renders exactly one ticket. Any gate failure yields a NO_TRADE ticket and exit code 2.

Use 'run open' to create a run, stage its targets, then 'run --run-id <id>'.`,
		RunE: runPipeline,
	}
	runCmd.Flags().String("asof", "", "As-of date override (YYYY-MM-DD)")
	runCmd.Flags().String("today", "", "Calendar date the run is for (YYYY-MM-DD), defaults to now")
	runCmd.Flags().String("run-id", "", "Execute a run opened with 'run open'")

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Open a run so targets can be staged against its id",
		RunE:  runOpen,
	}
	openCmd.Flags().String("asof", "", "As-of date (YYYY-MM-DD); resolved from benchmark bars when empty")
	runCmd.AddCommand(openCmd)

	return runCmd
}

func runPipeline(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	asof, err := dateFlag(cmd, "asof")
	if err != nil {
		return err
	}
	today, err := dateFlag(cmd, "today")
	if err != nil {
		return err
	}
	runID, _ := cmd.Flags().GetString("run-id")

	emitter, err := a.emitter()
	if err != nil {
		return err
	}

	executor := pipeline.NewExecutor(pipeline.Deps{
		Repo:        a.repo,
		Ledger:      a.ledger,
		Store:       a.store,
		Config:      a.cfg,
		Alerts:      emitter,
		Metrics:     a.metrics,
		CodeVersion: version,
	})

	res, err := executor.Execute(cmd.Context(), pipeline.Options{Today: today, AsOf: asof, RunID: runID})
	if res != nil {
		if perr := printJSON(res); perr != nil {
			log.Warn().Err(perr).Msg("Failed to print run result")
		}
	}
	if err != nil {
		return err
	}
	if res.Blocked() {
		return blocked("run %s blocked: %s", res.RunID, domain.JoinKeys(res.Reasons))
	}
	return nil
}

func runOpen(cmd *cobra.Command, args []string) error {
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
		report, err := dataquality.NewGate(a.repo.Market, a.cfg.DataQuality).Check(cmd.Context(), domain.DateOf(time.Now().UTC()), asof)
		if err != nil {
			return fmt.Errorf("could not resolve an as-of date: %w", err)
		}
		asof = report.Resolution.AsOf
	}

	runID, err := pipeline.NewController(a.repo.Runs).Open(cmd.Context(), asof, a.cfg.Fingerprint(), version)
	if err != nil {
		return err
	}
	fmt.Println(runID)
	return nil
}
