package report

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/persistence/memstore"
)

var asof = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seeded(t *testing.T) (*memstore.Store, *persistence.Repository) {
	t.Helper()
	store := memstore.New()
	repo := store.Repository()

	store.SeedBars(domain.PriceBar{Symbol: "AAA", TradingDate: asof, Source: "stooq", Open: d("12.5"), High: d("12.5"), Low: d("12.5"), Close: d("12.5")})

	at := asof.Add(16 * time.Hour)
	require.NoError(t, repo.Recon.ApplyGenesis(context.Background(), persistence.GenesisPlan{
		Run:    domain.Run{RunID: "genesis-run", Status: domain.RunSucceeded, AsOfDate: asof, Cadence: "genesis"},
		Ticket: domain.Ticket{TicketID: "genesis-ticket", RunID: "genesis-run", TicketType: domain.TicketGenesis},
		Fills: []domain.Fill{
			{TicketID: "genesis-ticket", Sequence: 1, Symbol: "AAA", Side: domain.SideBuy, ExecutedStatus: domain.FillDone, Units: d("10"), FilledAt: &at},
			{TicketID: "genesis-ticket", Sequence: 2, Symbol: "BBB", Side: domain.SideBuy, ExecutedStatus: domain.FillDone, Units: d("4"), FilledAt: &at},
		},
		CashMovement: &domain.CashMovement{OccurredAt: at, Amount: d("1000"), Currency: "GBP", MovementType: domain.CashBaseline},
	}))
	return store, repo
}

func TestBuildValuesPositionsAtClose(t *testing.T) {
	_, repo := seeded(t)
	b := NewBuilder(ledger.NewService(repo.Ledger, nil), repo.Ledger, repo.Market)

	rep, err := b.Build(context.Background(), asof)
	require.NoError(t, err)

	assert.True(t, d("1000").Equal(rep.Cash))
	require.Len(t, rep.Positions, 2)
	assert.Equal(t, "AAA", rep.Positions[0].Symbol)
	require.True(t, rep.Positions[0].Value.Valid)
	assert.True(t, d("125").Equal(rep.Positions[0].Value.Decimal))
	assert.False(t, rep.Positions[1].Value.Valid)
	assert.Equal(t, []string{"BBB"}, rep.Unpriced)
	assert.True(t, d("1125").Equal(rep.Total()))
	assert.Len(t, rep.RecentFills, 2)

	md := rep.Markdown()
	assert.Contains(t, md, "| AAA | 10 | 12.5 | 125.00 |")
	assert.Contains(t, md, "No close on 2026-01-12 for: BBB")
	assert.Contains(t, md, "- Total: 1125.00")
}

func TestRecentFillsAreBounded(t *testing.T) {
	_, repo := seeded(t)
	b := NewBuilder(ledger.NewService(repo.Ledger, nil), repo.Ledger, repo.Market).WithRecentFills(1)

	rep, err := b.Build(context.Background(), asof)
	require.NoError(t, err)
	require.Len(t, rep.RecentFills, 1)
	assert.Equal(t, 2, rep.FillCount)
}

func TestWriteCreatesLedgerReport(t *testing.T) {
	_, repo := seeded(t)
	store := artifacts.New(t.TempDir())
	clock := func() time.Time { return time.Date(2026, 1, 13, 9, 30, 0, 0, time.UTC) }
	b := NewBuilder(ledger.NewService(repo.Ledger, nil), repo.Ledger, repo.Market).WithClock(clock)

	_, first, err := b.Write(context.Background(), store, asof)
	require.NoError(t, err)
	assert.Contains(t, first.Markdown, "ledger_2026-01-12_")
	assert.FileExists(t, first.JSON)

	_, second, err := b.Write(context.Background(), store, asof)
	require.NoError(t, err)
	assert.NotEqual(t, first.Markdown, second.Markdown)

	data, err := os.ReadFile(first.Markdown)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Ledger report 2026-01-12")
}

func TestEmptyLedger(t *testing.T) {
	repo := memstore.New().Repository()
	rep, err := NewBuilder(ledger.NewService(repo.Ledger, nil), repo.Ledger, repo.Market).Build(context.Background(), asof)
	require.NoError(t, err)
	assert.True(t, rep.Cash.IsZero())
	assert.Contains(t, rep.Markdown(), "No open positions.")
	assert.Contains(t, rep.Markdown(), "None.")
}
