// Package confirmation blocks new trade decisions while the previous TRADE
// ticket still has order lines without a reported outcome.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// Result is the gate outcome
type Result struct {
	Passed           bool   `json:"passed"`
	TicketID         string `json:"ticket_id,omitempty"`
	TicketRunID      string `json:"ticket_run_id,omitempty"`
	IntendedCount    int    `json:"intended_count"`
	FillCount        int    `json:"fill_count"`
	MissingSequences []int  `json:"missing_sequences"`
}

// Evaluate compares the intended lines of ticket with its fills.
// A nil ticket means there is nothing outstanding.
func Evaluate(ticket *domain.Ticket, intended []domain.IntendedTrade, fills []domain.Fill) Result {
	if ticket == nil {
		return Result{Passed: true, MissingSequences: []int{}}
	}

	reported := make(map[int]bool, len(fills))
	for _, f := range fills {
		if f.ExecutedStatus.Valid() {
			reported[f.Sequence] = true
		}
	}

	res := Result{
		TicketID:         ticket.TicketID,
		TicketRunID:      ticket.RunID,
		IntendedCount:    len(intended),
		MissingSequences: []int{},
	}
	for _, line := range intended {
		if reported[line.Sequence] {
			res.FillCount++
		} else {
			res.MissingSequences = append(res.MissingSequences, line.Sequence)
		}
	}
	sort.Ints(res.MissingSequences)
	res.Passed = len(res.MissingSequences) == 0

	return res
}

// Reasons converts a failing result into a block reason
func (r Result) Reasons() []domain.Reason {
	if r.Passed {
		return nil
	}
	return []domain.Reason{{
		Code: domain.ReasonConfirmationMissing,
		Message: fmt.Sprintf("Ticket %s has %d of %d lines confirmed; report the remaining fills first",
			r.TicketID, r.FillCount, r.IntendedCount),
		Detail: map[string]interface{}{
			"ticket_id":         r.TicketID,
			"intended_count":    r.IntendedCount,
			"fill_count":        r.FillCount,
			"missing_sequences": r.MissingSequences,
		},
	}}
}

// Markdown renders the result for operators
func (r Result) Markdown() string {
	var b strings.Builder
	if r.Passed {
		b.WriteString("# Confirmation gate: PASS\n\n")
	} else {
		b.WriteString("# Confirmation gate: FAIL\n\n")
	}
	if r.TicketID == "" {
		b.WriteString("No prior TRADE ticket.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "- Ticket: %s (run %s)\n", r.TicketID, r.TicketRunID)
	fmt.Fprintf(&b, "- Intended lines: %d\n", r.IntendedCount)
	fmt.Fprintf(&b, "- Confirmed lines: %d\n", r.FillCount)
	if len(r.MissingSequences) > 0 {
		seqs := make([]string, len(r.MissingSequences))
		for i, s := range r.MissingSequences {
			seqs[i] = fmt.Sprint(s)
		}
		fmt.Fprintf(&b, "- Missing sequences: %s\n", strings.Join(seqs, ", "))
	}
	return b.String()
}

// Gate loads the latest prior TRADE ticket and evaluates it
type Gate struct {
	tickets persistence.TicketRepo
	trades  persistence.TradeRepo
	ledger  persistence.LedgerRepo
}

// NewGate creates a confirmation gate
func NewGate(tickets persistence.TicketRepo, trades persistence.TradeRepo, ledger persistence.LedgerRepo) *Gate {
	return &Gate{tickets: tickets, trades: trades, ledger: ledger}
}

// Check evaluates the newest TRADE ticket that does not belong to runID
func (g *Gate) Check(ctx context.Context, runID string) (Result, error) {
	ticket, err := g.tickets.LatestTrade(ctx, runID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return Result{}, fmt.Errorf("failed to load latest trade ticket: %w", err)
	}
	if ticket == nil {
		return Evaluate(nil, nil, nil), nil
	}

	intended, err := g.trades.ListIntended(ctx, ticket.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load intended trades for run %s: %w", ticket.RunID, err)
	}
	fills, err := g.ledger.FillsByTicket(ctx, ticket.TicketID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load fills for ticket %s: %w", ticket.TicketID, err)
	}

	return Evaluate(ticket, intended, fills), nil
}
