package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const appName = "tradeops"

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

// Exit codes shared by every command
const (
	exitOK      = 0
	exitError   = 1
	exitBlocked = 2
)

// blockedError marks a command that ran correctly but whose outcome is a
// failed gate or a blocked decision
type blockedError struct {
	msg string
}

func (e *blockedError) Error() string { return e.msg }

func blocked(format string, args ...interface{}) error {
	return &blockedError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.Execute()
	var be *blockedError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &be):
		log.Warn().Msg(be.msg)
		return exitBlocked
	default:
		log.Error().Err(err).Msg("command failed")
		return exitError
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Human-in-the-loop trade gating and ticketing",
		Version: version,
		Long: `tradeops runs the daily decision pipeline: data quality, confirmation,
reconciliation and risk guard gates, then exactly one TRADE or NO_TRADE ticket
for a human to execute and confirm.

Exit codes: 0 pass, 2 blocked or failed gate, 1 error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return setupLogging(level)
		},
	}

	rootCmd.PersistentFlags().String("config", envOr("TRADEOPS_CONFIG", "config/policy.yaml"), "Policy file")
	rootCmd.PersistentFlags().String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(newRunCmd())       // Pipeline
	rootCmd.AddCommand(newDQGateCmd())    // Gates
	rootCmd.AddCommand(newReconcileCmd()) // Gates
	rootCmd.AddCommand(newSnapshotCmd())  // Ledger inputs
	rootCmd.AddCommand(newLedgerCmd())    // Ledger inputs
	rootCmd.AddCommand(newConfirmCmd())   // Human feedback
	rootCmd.AddCommand(newTicketCmd())    // Tickets
	rootCmd.AddCommand(newAlertCmd())     // Notifications
	rootCmd.AddCommand(newPolicyCmd())    // Configuration
	rootCmd.AddCommand(newMigrateCmd())   // Database
	rootCmd.AddCommand(newServeCmd())     // Monitoring
	rootCmd.AddCommand(newSelftestCmd())  // Testing

	return rootCmd
}

// setupLogging uses a console writer on a TTY and JSON lines otherwise
func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
