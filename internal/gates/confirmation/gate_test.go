package confirmation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence/memstore"
)

func lines(runID string, symbols ...string) []domain.IntendedTrade {
	out := make([]domain.IntendedTrade, len(symbols))
	for i, sym := range symbols {
		out[i] = domain.IntendedTrade{
			RunID: runID, Sequence: i + 1, Symbol: sym, Side: domain.SideBuy, Units: 1,
			Notional: decimal.NewFromInt(100), OrderType: "MKT", ReferencePrice: decimal.NewFromInt(100),
		}
	}
	return out
}

func TestEvaluateNoPriorTicketPasses(t *testing.T) {
	res := Evaluate(nil, nil, nil)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Reasons())
	assert.Contains(t, res.Markdown(), "No prior TRADE ticket")
}

func TestEvaluateCountsOnlyIntendedSequences(t *testing.T) {
	ticket := &domain.Ticket{TicketID: "t-1", RunID: "r-1", TicketType: domain.TicketTrade}
	fills := []domain.Fill{
		{TicketID: "t-1", Sequence: 1, ExecutedStatus: domain.FillDone},
		{TicketID: "t-1", Sequence: 3, ExecutedStatus: domain.FillSkipped},
		{TicketID: "t-1", Sequence: 9, ExecutedStatus: domain.FillDone},
	}

	res := Evaluate(ticket, lines("r-1", "GOOG", "MSFT", "AAPL"), fills)
	assert.False(t, res.Passed)
	assert.Equal(t, 3, res.IntendedCount)
	assert.Equal(t, 2, res.FillCount)
	assert.Equal(t, []int{2}, res.MissingSequences)
}

func TestGateBlocksNextRunUntilAllLinesConfirmed(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	repo := store.Repository()

	ticket, err := repo.Tickets.Upsert(ctx, domain.Ticket{
		TicketID: "t-prev", RunID: "r-prev", TicketType: domain.TicketTrade,
		Status: domain.TicketRendered, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	intended := lines("r-prev", "GOOG", "MSFT", "AAPL")
	require.NoError(t, repo.Trades.ReplaceIntended(ctx, "r-prev", intended))

	var fills []domain.Fill
	for _, line := range intended[:2] {
		fills = append(fills, domain.Fill{
			TicketID: ticket.TicketID, Sequence: line.Sequence, Symbol: line.Symbol, Side: line.Side,
			ExecutedStatus: domain.FillDone, Units: decimal.NewFromInt(1),
			FillPrice: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		})
	}
	require.NoError(t, repo.Confirmations.Submit(ctx, domain.Confirmation{
		ConfirmationID: "c-1", TicketID: ticket.TicketID, SubmittedBy: "op", SubmittedAt: time.Now(),
	}, fills, domain.AuditEntry{Actor: "op", Action: "confirm", ObjectType: "ticket", ObjectID: ticket.TicketID}))

	gate := NewGate(repo.Tickets, repo.Trades, repo.Ledger)
	res, err := gate.Check(ctx, "r-next")
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, "t-prev", res.TicketID)
	assert.Equal(t, 3, res.IntendedCount)
	assert.Equal(t, 2, res.FillCount)
	reasons := res.Reasons()
	require.Len(t, reasons, 1)
	assert.Equal(t, domain.ReasonConfirmationMissing, reasons[0].Code)

	// The run that produced the ticket does not gate itself.
	res, err = gate.Check(ctx, "r-prev")
	require.NoError(t, err)
	assert.True(t, res.Passed)
}
