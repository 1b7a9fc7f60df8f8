package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
)

// Receipt is the outcome of one accepted submission
type Receipt struct {
	ConfirmationID string   `json:"confirmation_id"`
	TicketID       string   `json:"ticket_id"`
	TicketType     string   `json:"ticket_type"`
	Fills          int      `json:"fills"`
	Corrections    []int    `json:"corrections"`
	Outstanding    []int    `json:"outstanding"`
	JSONPath       string   `json:"json_path"`
	MarkdownPath   string   `json:"markdown_path"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Service ingests confirmations
type Service struct {
	repo   *persistence.Repository
	ledger *ledger.Service
	store  *artifacts.Store
	now    func() time.Time
}

// NewService creates a confirmation ingest service
func NewService(repo *persistence.Repository, ledgerSvc *ledger.Service, store *artifacts.Store) *Service {
	return &Service{repo: repo, ledger: ledgerSvc, store: store, now: time.Now}
}

// Ingest validates and stores a submission for ticketID. Re-reporting a
// line replaces its fill and is recorded as a correction.
func (s *Service) Ingest(ctx context.Context, ticketID, submittedBy string, raw []byte) (Receipt, error) {
	payload, err := ParsePayload(raw)
	if err != nil {
		return Receipt{}, err
	}

	ticket, err := s.repo.Tickets.Get(ctx, ticketID)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to load ticket: %w", err)
	}
	intended, err := s.repo.Trades.ListIntended(ctx, ticket.RunID)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to load intended trades: %w", err)
	}

	at := s.now().UTC()
	fills, err := Validate(*ticket, intended, payload, at)
	if err != nil {
		return Receipt{}, err
	}

	existing, err := s.repo.Ledger.FillsByTicket(ctx, ticket.TicketID)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to load existing fills: %w", err)
	}
	reported := make(map[int]bool, len(existing)+len(fills))
	for _, f := range existing {
		reported[f.Sequence] = true
	}
	receipt := Receipt{
		ConfirmationID: uuid.NewString(),
		TicketID:       ticket.TicketID,
		TicketType:     string(ticket.TicketType),
		Fills:          len(fills),
		Corrections:    []int{},
		Outstanding:    []int{},
	}
	for _, f := range fills {
		if reported[f.Sequence] {
			receipt.Corrections = append(receipt.Corrections, f.Sequence)
		}
		reported[f.Sequence] = true
	}
	if ticket.TicketType == domain.TicketTrade {
		for _, line := range intended {
			if !reported[line.Sequence] {
				receipt.Outstanding = append(receipt.Outstanding, line.Sequence)
			}
		}
	}

	if submittedBy == "" {
		submittedBy = "operator"
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	details, err := json.Marshal(map[string]interface{}{
		"confirmation_id": receipt.ConfirmationID,
		"fills":           receipt.Fills,
		"corrections":     receipt.Corrections,
		"ack_no_trade":    payload.AckNoTrade,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode audit details: %w", err)
	}

	confirmation := domain.Confirmation{
		ConfirmationID: receipt.ConfirmationID,
		TicketID:       ticket.TicketID,
		SubmittedBy:    submittedBy,
		SubmittedAt:    at,
		Payload:        canonical,
	}
	tid := ticket.TicketID
	audit := domain.AuditEntry{
		Actor:      submittedBy,
		Action:     "confirmation_submitted",
		ObjectType: "ticket",
		ObjectID:   ticket.TicketID,
		TicketID:   &tid,
		Details:    details,
		CreatedAt:  at,
	}

	if err := s.repo.Confirmations.Submit(ctx, confirmation, fills, audit); err != nil {
		return Receipt{}, fmt.Errorf("failed to store confirmation: %w", err)
	}
	s.ledger.Invalidate(ctx)

	dir := s.store.Path("tickets", ticket.TicketID, "confirmations", receipt.ConfirmationID)
	receipt.JSONPath = filepath.Join(dir, "confirmation.json")
	receipt.MarkdownPath = filepath.Join(dir, "confirmation.md")

	doc, err := json.MarshalIndent(map[string]interface{}{
		"confirmation": confirmation,
		"fills":        fills,
		"receipt":      receipt,
	}, "", "  ")
	if err != nil {
		return receipt, fmt.Errorf("failed to encode confirmation artifact: %w", err)
	}
	err = artifacts.FanoutWrite(dir, map[string][]byte{
		"confirmation.json": doc,
		"confirmation.md":   []byte(markdown(*ticket, confirmation, fills, receipt)),
	})
	if err != nil {
		return receipt, fmt.Errorf("failed to write confirmation artifact: %w", err)
	}

	log.Info().
		Str("ticket_id", ticket.TicketID).
		Str("confirmation_id", receipt.ConfirmationID).
		Int("fills", receipt.Fills).
		Int("corrections", len(receipt.Corrections)).
		Int("outstanding", len(receipt.Outstanding)).
		Msg("Confirmation ingested")

	return receipt, nil
}

func markdown(ticket domain.Ticket, c domain.Confirmation, fills []domain.Fill, r Receipt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Confirmation %s\n\n", c.ConfirmationID)
	fmt.Fprintf(&b, "- Ticket: %s (%s)\n", ticket.TicketID, ticket.TicketType)
	fmt.Fprintf(&b, "- Submitted by: %s\n", c.SubmittedBy)
	fmt.Fprintf(&b, "- Submitted at: %s\n", c.SubmittedAt.Format(time.RFC3339))

	if ticket.TicketType == domain.TicketNoTrade {
		b.WriteString("\nNO_TRADE acknowledged.\n")
		return b.String()
	}

	b.WriteString("\n| # | Symbol | Side | Status | Units | Price | Value |\n|---|---|---|---|---|---|---|\n")
	for _, f := range fills {
		price, value := "-", "-"
		if f.FillPrice.Valid {
			price = f.FillPrice.Decimal.String()
		}
		if f.ExecutedValue.Valid {
			value = f.ExecutedValue.Decimal.StringFixed(2)
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %s |\n",
			f.Sequence, f.Symbol, f.Side, f.ExecutedStatus, f.Units, price, value)
	}
	if len(r.Corrections) > 0 {
		fmt.Fprintf(&b, "\nCorrected lines: %v\n", r.Corrections)
	}
	if len(r.Outstanding) > 0 {
		fmt.Fprintf(&b, "\nStill outstanding: %v\n", r.Outstanding)
	}
	return b.String()
}
