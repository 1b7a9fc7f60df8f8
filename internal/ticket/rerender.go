package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// ErrHashMismatch is returned when a re-rendered ticket no longer fingerprints
// to the hash stored with it
var ErrHashMismatch = errors.New("material hash mismatch")

// RerenderInput is a stored ticket and the persisted run state behind it
type RerenderInput struct {
	Run        domain.Run
	Ticket     domain.Ticket
	Intended   []domain.IntendedTrade // The run's lines ordered by sequence
	Gates      []domain.GateResult
	Fills      []domain.Fill
	RenderedAt time.Time
}

// StoredDocument decodes the structured document saved with a ticket
func StoredDocument(tk domain.Ticket) (Document, error) {
	var doc Document
	if len(tk.RenderedJSON) == 0 {
		return doc, fmt.Errorf("ticket %s has no stored document", tk.TicketID)
	}
	if err := json.Unmarshal(tk.RenderedJSON, &doc); err != nil {
		return doc, fmt.Errorf("failed to decode ticket %s: %w", tk.TicketID, err)
	}
	return doc, nil
}

// Rerender rebuilds a ticket from the run's stored trade lines, recorded gate
// outcomes and ticket reasons, embedding any confirmed fills. The result is
// returned with ErrHashMismatch when its material hash differs from the stored one.
func Rerender(in RerenderInput) (Rendered, error) {
	doc, err := StoredDocument(in.Ticket)
	if err != nil {
		return Rendered{}, err
	}

	decision := Decision{
		Type:       in.Ticket.TicketType,
		Reasons:    doc.Reasons,
		Suppressed: doc.Suppressed,
	}
	if decision.Type == domain.TicketTrade {
		decision.Trades = in.Intended
	}

	recorded := make(map[string]bool, len(in.Gates))
	for _, g := range in.Gates {
		recorded[g.CheckName] = g.Passed
	}
	gates := make([]GateStatus, 0, len(doc.Gates))
	for _, g := range doc.Gates {
		if passed, ok := recorded[g.Check]; ok {
			g.Passed = passed
		}
		gates = append(gates, g)
	}

	out, err := Render(Input{
		Run:        in.Run,
		TicketID:   in.Ticket.TicketID,
		Decision:   decision,
		Gates:      gates,
		Options:    Options{ExecutionWindow: doc.ExecutionWindow, Currency: doc.Currency},
		Fills:      in.Fills,
		RenderedAt: in.RenderedAt,
	})
	if err != nil {
		return Rendered{}, err
	}
	out.Ticket.Status = in.Ticket.Status
	out.Ticket.CreatedAt = in.Ticket.CreatedAt
	out.Ticket.SentAt = in.Ticket.SentAt

	if out.Ticket.MaterialHash != in.Ticket.MaterialHash {
		return out, fmt.Errorf("ticket %s: stored %s, rebuilt %s: %w",
			in.Ticket.TicketID, in.Ticket.MaterialHash, out.Ticket.MaterialHash, ErrHashMismatch)
	}
	return out, nil
}

// RerenderStored loads the run, trade lines, gate results and fills behind a
// stored ticket and re-renders it
func RerenderStored(ctx context.Context, repo *persistence.Repository, tk domain.Ticket, at time.Time) (Rendered, error) {
	run, err := repo.Runs.Get(ctx, tk.RunID)
	if err != nil {
		return Rendered{}, fmt.Errorf("failed to load run %s: %w", tk.RunID, err)
	}
	intended, err := repo.Trades.ListIntended(ctx, tk.RunID)
	if err != nil {
		return Rendered{}, fmt.Errorf("failed to load trade lines: %w", err)
	}
	gates, err := repo.Gates.ListByRun(ctx, tk.RunID)
	if err != nil {
		return Rendered{}, fmt.Errorf("failed to load gate results: %w", err)
	}
	fills, err := repo.Ledger.FillsByTicket(ctx, tk.TicketID)
	if err != nil {
		return Rendered{}, fmt.Errorf("failed to load fills: %w", err)
	}

	return Rerender(RerenderInput{
		Run:        *run,
		Ticket:     tk,
		Intended:   intended,
		Gates:      gates,
		Fills:      fills,
		RenderedAt: at,
	})
}
