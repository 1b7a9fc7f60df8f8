package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peterwi/project-f/internal/confirm"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/ticket"
)

func newConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Report execution outcomes for a ticket",
		Long: `Ingests the operator's report for a ticket: per-line fills for a TRADE ticket
or {"ack_no_trade": true} for a NO_TRADE ticket. Re-reporting a line replaces its fill.`,
		RunE: runConfirm,
	}
	cmd.Flags().String("ticket-id", "", "Ticket being confirmed")
	cmd.Flags().String("file", "-", "Confirmation JSON file, - for stdin")
	cmd.Flags().String("by", envOr("USER", "operator"), "Who is submitting")
	_ = cmd.MarkFlagRequired("ticket-id")
	return cmd
}

func runConfirm(cmd *cobra.Command, args []string) error {
	ticketID, _ := cmd.Flags().GetString("ticket-id")
	file, _ := cmd.Flags().GetString("file")
	by, _ := cmd.Flags().GetString("by")

	raw, err := readInput(file)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	receipt, err := confirm.NewService(a.repo, a.ledger, a.store).Ingest(cmd.Context(), ticketID, by, raw)
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		for _, p := range verr.Problems {
			fmt.Fprintln(os.Stderr, "  -", p)
		}
		return blocked("confirmation rejected: %d problem(s)", len(verr.Problems))
	}
	if err != nil {
		return err
	}

	if err := printJSON(receipt); err != nil {
		return err
	}
	if len(receipt.Outstanding) > 0 {
		log.Warn().Ints("outstanding", receipt.Outstanding).Msg("Ticket still has unreported lines")
	}
	return nil
}

func newTicketCmd() *cobra.Command {
	ticketCmd := &cobra.Command{
		Use:   "ticket",
		Short: "Work with rendered tickets",
	}

	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Re-render a stored ticket and verify its material hash",
		Long: `Rebuilds a ticket from its run's stored trade lines, gate results and reasons,
embeds any confirmed fills, and rewrites the ticket files. Exits 2 without
writing when the rebuilt material hash differs from the stored one.`,
		RunE: runTicketRender,
	}
	renderCmd.Flags().String("ticket-id", "", "Ticket id")
	renderCmd.Flags().String("run-id", "", "Run id whose ticket to render")
	renderCmd.Flags().Bool("mark-sent", false, "Record that the ticket was handed to the operator")

	ticketCmd.AddCommand(renderCmd)
	return ticketCmd
}

func runTicketRender(cmd *cobra.Command, args []string) error {
	ticketID, _ := cmd.Flags().GetString("ticket-id")
	runID, _ := cmd.Flags().GetString("run-id")
	markSent, _ := cmd.Flags().GetBool("mark-sent")
	if (ticketID == "") == (runID == "") {
		return fmt.Errorf("exactly one of --ticket-id or --run-id is required")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var tk *domain.Ticket
	if ticketID != "" {
		tk, err = a.repo.Tickets.Get(ctx, ticketID)
	} else {
		tk, err = a.repo.Tickets.GetByRun(ctx, runID)
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("no ticket found: %w", err)
	}
	if err != nil {
		return err
	}

	rendered, err := ticket.RerenderStored(ctx, a.repo, *tk, time.Now())
	if errors.Is(err, ticket.ErrHashMismatch) {
		return blocked("ticket %s no longer matches its stored trade lines: %v", tk.TicketID, err)
	}
	if err != nil {
		return err
	}

	paths, err := ticket.Write(a.store, rendered)
	if err != nil {
		return err
	}
	if markSent {
		sent, err := a.repo.Tickets.MarkSent(ctx, tk.TicketID, time.Now())
		if err != nil {
			return err
		}
		log.Info().Str("ticket_id", tk.TicketID).Time("sent_at", *sent.SentAt).Msg("Ticket marked sent")
	}

	fmt.Print(rendered.Markdown)
	log.Info().
		Str("ticket_id", tk.TicketID).
		Str("material_hash", rendered.Ticket.MaterialHash).
		Str("dir", paths.Dir).
		Msg("Ticket re-rendered")
	return nil
}
