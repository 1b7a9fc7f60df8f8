package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peterwi/project-f/internal/alerts"
	"github.com/peterwi/project-f/internal/application/selftest"
	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/infrastructure/db"
	opshttp "github.com/peterwi/project-f/internal/interfaces/http"
)

func newAlertCmd() *cobra.Command {
	alertCmd := &cobra.Command{
		Use:   "alert",
		Short: "Raise operator alerts",
	}

	emitCmd := &cobra.Command{
		Use:   "emit",
		Short: "Write an alert and attempt secondary delivery",
		RunE:  runAlertEmit,
	}
	emitCmd.Flags().String("type", "", "Alert type (DATA_QUALITY_FAIL, RECONCILIATION_FAIL, CONFIRMATION_MISSING, RISKGUARD_BLOCKED, INTERNAL_ERROR, SCHEDULER_MISFIRE)")
	emitCmd.Flags().String("summary", "", "One-line summary")
	emitCmd.Flags().String("severity", "", "Severity override (INFO|WARN|ERROR)")
	emitCmd.Flags().String("run-id", "", "Related run")
	emitCmd.Flags().String("ticket-id", "", "Related ticket")
	emitCmd.Flags().String("details-file", "", "JSON file with alert details")
	emitCmd.Flags().StringArray("artifact", nil, "Artifact path to reference, repeatable")
	emitCmd.Flags().Bool("dry-run", false, "Record WOULD_SEND instead of delivering")
	_ = emitCmd.MarkFlagRequired("type")
	_ = emitCmd.MarkFlagRequired("summary")

	alertCmd.AddCommand(emitCmd)
	return alertCmd
}

func runAlertEmit(cmd *cobra.Command, args []string) error {
	rawType, _ := cmd.Flags().GetString("type")
	alertType := domain.AlertType(strings.ToUpper(rawType))
	if !alerts.Valid(alertType) {
		return fmt.Errorf("unknown alert type %q", rawType)
	}
	summary, _ := cmd.Flags().GetString("summary")
	severity, _ := cmd.Flags().GetString("severity")
	switch sev := domain.Severity(strings.ToUpper(severity)); sev {
	case "", domain.SeverityInfo, domain.SeverityWarn, domain.SeverityError:
	default:
		return fmt.Errorf("unknown severity %q", severity)
	}
	runID, _ := cmd.Flags().GetString("run-id")
	ticketID, _ := cmd.Flags().GetString("ticket-id")
	detailsFile, _ := cmd.Flags().GetString("details-file")
	paths, _ := cmd.Flags().GetStringArray("artifact")

	var details interface{} = map[string]interface{}{}
	if detailsFile != "" {
		data, err := readInput(detailsFile)
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("details file is not JSON: %w", err)
		}
		details = raw
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	alertsCfg := a.cfg.Alerts
	if cmd.Flags().Changed("dry-run") {
		alertsCfg.SecondaryDryRun, _ = cmd.Flags().GetBool("dry-run")
	}
	emitter, err := alerts.NewEmitterFromConfig(a.store, a.repo.Alerts, alertsCfg)
	if err != nil {
		return err
	}

	out, err := emitter.Emit(cmd.Context(), alerts.Input{
		Type:          alertType,
		Severity:      domain.Severity(strings.ToUpper(severity)),
		RunID:         runID,
		TicketID:      ticketID,
		Summary:       summary,
		Details:       details,
		ArtifactPaths: paths,
	})
	if err != nil {
		return err
	}

	a.metrics.RecordAlert(string(alertType))
	for _, d := range out.Deliveries {
		a.metrics.RecordDelivery(d.Sink, string(d.Status))
	}
	return printJSON(out.Document)
}

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the operating policy",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the policy file against its limits",
		RunE:  runPolicyValidate,
	}

	policyCmd.AddCommand(validateCmd)
	return policyCmd
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	problems := cfg.Problems()
	fmt.Printf("policy: %s\nfingerprint: %s\n", path, cfg.Fingerprint())
	if len(problems) == 0 {
		fmt.Println("status: PASS")
		return nil
	}

	fmt.Println("status: FAIL")
	for _, p := range problems {
		fmt.Println("  -", p)
	}
	return blocked("policy %s has %d problem(s)", path, len(problems))
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	mgr, err := db.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer mgr.Close()

	applied, err := mgr.Migrate(cmd.Context())
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Println("applied", name)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	defaults := opshttp.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only ops server",
		Long:  "Serves /health, /metrics, /runs/latest and /tickets/{id}",
		RunE:  runServe,
	}
	cmd.Flags().String("host", defaults.Host, "HTTP server host")
	cmd.Flags().Int("port", defaults.Port, "HTTP server port")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := opshttp.DefaultServerConfig()
	cfg.Host, _ = cmd.Flags().GetString("host")
	cfg.Port, _ = cmd.Flags().GetInt("port")

	server := opshttp.NewServer(cfg, opshttp.NewHandlers(a.repo, a.db.Health(), a.metrics, version))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newSelftestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the full pipeline offline against an in-memory store",
		Long:  "Validates artifact atomicity, fail-closed gating, determinism, the confirmation loop and reconcile tolerances (no database, no network)",
		RunE:  runSelfTest,
	}
	cmd.Flags().String("out", "", "Report directory, defaults to <artifacts>/selftest")
	return cmd
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	outDir, _ := cmd.Flags().GetString("out")
	if outDir == "" {
		outDir = artifacts.New(cfg.Artifacts.Dir).Path("selftest")
	}

	workDir, err := os.MkdirTemp("", "tradeops-selftest-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	runner := selftest.NewRunner(workDir)
	results, err := runner.RunAllTests(cmd.Context())
	if err != nil {
		return err
	}

	reportPath := filepath.Join(outDir, fmt.Sprintf("selftest_%s.md", domain.Stamp(results.EndTime)))
	if err := runner.GenerateReport(results, reportPath); err != nil {
		return err
	}

	for _, t := range results.Tests {
		fmt.Printf("[%s] %s: %s\n", t.Status, t.Name, t.Message)
	}
	log.Info().Str("report", reportPath).Str("status", results.OverallStatus).Msg("Self-test finished")

	if !results.Passed() {
		return blocked("self-test failed: %d of %d tests", results.FailedCount, results.TotalCount)
	}
	return nil
}
