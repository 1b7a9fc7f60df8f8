package riskguard

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence/memstore"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var asof = time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)

func loose() Policy {
	return Policy{
		MaxPositions:      10,
		MaxPositionWeight: d("1"),
		MinCashBuffer:     d("0"),
		MaxTurnover:       d("1"),
		KillSwitch:        true,
		MaxDrawdown:       d("0.2"),
		MinNotional:       d("25"),
		OrderType:         "MKT",
		MaxSlippageBps:    50,
	}
}

func weight(sym, w string) domain.PortfolioTarget {
	return domain.PortfolioTarget{RunID: "r", AsOfDate: asof, Symbol: sym, TargetWeight: d(w), Currency: "GBP"}
}

func value(sym, v string) domain.PortfolioTarget {
	return domain.PortfolioTarget{RunID: "r", AsOfDate: asof, Symbol: sym, TargetValue: decimal.NewNullDecimal(d(v)), Currency: "GBP"}
}

func enabled(symbols ...string) []domain.UniverseEntry {
	out := make([]domain.UniverseEntry, len(symbols))
	for i, s := range symbols {
		out[i] = domain.UniverseEntry{Symbol: s, Enabled: true}
	}
	return out
}

func state(cash string, positions map[string]string) ledger.State {
	s := ledger.State{Cash: d(cash), Positions: map[string]decimal.Decimal{}}
	for sym, u := range positions {
		s.Positions[sym] = d(u)
	}
	return s
}

func orderingInput() Input {
	return Input{
		RunID:    "r",
		AsOf:     asof,
		Targets:  []domain.PortfolioTarget{weight("AAPL", "0.5"), weight("MSFT", "0.2"), weight("GOOG", "0.1")},
		Prices:   map[string]decimal.Decimal{"AAPL": d("50"), "MSFT": d("100"), "GOOG": d("100")},
		Ledger:   state("1000", map[string]string{"GOOG": "10", "MSFT": "10"}),
		Universe: enabled("AAPL", "MSFT", "GOOG"),
	}
}

func TestBuildOrdersSellsBeforeBuys(t *testing.T) {
	res := Build(orderingInput(), loose())
	require.True(t, res.OK, res.Reasons)
	require.Len(t, res.Trades, 3)

	want := []struct {
		seq  int
		sym  string
		side domain.Side
		u    int64
	}{
		{1, "GOOG", domain.SideSell, 7},
		{2, "MSFT", domain.SideSell, 4},
		{3, "AAPL", domain.SideBuy, 30},
	}
	for i, w := range want {
		got := res.Trades[i]
		assert.Equal(t, w.seq, got.Sequence)
		assert.Equal(t, w.sym, got.Symbol)
		assert.Equal(t, w.side, got.Side)
		assert.Equal(t, w.u, got.Units)
	}
	assert.Equal(t, domain.TicketTrade, res.DecisionType())
	assert.True(t, d("3000").Equal(res.PortfolioValue))
	assert.True(t, d("600").Equal(res.PostTradeCash))
}

func TestBuildIsDeterministic(t *testing.T) {
	first := Build(orderingInput(), loose())
	for i := 0; i < 20; i++ {
		again := Build(orderingInput(), loose())
		assert.Equal(t, first.Trades, again.Trades)
	}
}

func TestBuildFloorsUnits(t *testing.T) {
	res := Build(Input{
		RunID: "r", AsOf: asof,
		Targets:  []domain.PortfolioTarget{value("X", "100")},
		Prices:   map[string]decimal.Decimal{"X": d("33.34")},
		Ledger:   state("1000", nil),
		Universe: enabled("X"),
	}, loose())
	require.True(t, res.OK, res.Reasons)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(2), res.Trades[0].Units)
	assert.Equal(t, "66.68", res.Trades[0].Notional.String())
}

func TestBuildMinimumNotional(t *testing.T) {
	for _, px := range []string{"0.01", "5"} {
		t.Run("price "+px, func(t *testing.T) {
			in := Input{
				RunID: "r", AsOf: asof,
				Targets:  []domain.PortfolioTarget{value("X", "24.99")},
				Prices:   map[string]decimal.Decimal{"X": d(px)},
				Ledger:   state("1000", nil),
				Universe: enabled("X"),
			}
			res := Build(in, loose())
			require.True(t, res.OK)
			assert.Empty(t, res.Trades)
			require.Len(t, res.Suppressed, 1)
			assert.Equal(t, domain.SuppressedBelowMinNotional, res.Suppressed[0].Reason)
			assert.Equal(t, domain.TicketNoTrade, res.DecisionType())
			assert.Equal(t, domain.ReasonNoRebalance, res.DecisionReasons()[0].Code)

			in.Targets = []domain.PortfolioTarget{value("X", "25.00")}
			res = Build(in, loose())
			require.True(t, res.OK)
			require.Len(t, res.Trades, 1)
			assert.True(t, d("25").Equal(res.Trades[0].Notional))
		})
	}
}

func TestBuildMinNotionalPctLowersFloor(t *testing.T) {
	p := loose()
	p.MinNotionalPct = d("0.01")
	res := Build(Input{
		RunID: "r", AsOf: asof,
		Targets:  []domain.PortfolioTarget{value("X", "20")},
		Prices:   map[string]decimal.Decimal{"X": d("1")},
		Ledger:   state("1000", nil),
		Universe: enabled("X"),
	}, p)
	require.True(t, res.OK)
	assert.True(t, d("10").Equal(res.MinNotional))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(20), res.Trades[0].Units)
}

func TestBuildSuppressesRoundingAndCash(t *testing.T) {
	res := Build(Input{
		RunID: "r", AsOf: asof,
		Targets:  []domain.PortfolioTarget{value("AAA", "500"), value("BIG", "400"), value("ZZZ", "300")},
		Prices:   map[string]decimal.Decimal{"AAA": d("10"), "BIG": d("600"), "ZZZ": d("10")},
		Ledger:   state("600", nil),
		Universe: enabled("AAA", "BIG", "ZZZ"),
	}, loose())
	require.True(t, res.OK, res.Reasons)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "AAA", res.Trades[0].Symbol)
	assert.Equal(t, int64(50), res.Trades[0].Units)
	assert.Equal(t, "ZZZ", res.Trades[1].Symbol)
	assert.Equal(t, int64(10), res.Trades[1].Units, "only 100 cash left after AAA")

	require.Len(t, res.Suppressed, 1)
	assert.Equal(t, "BIG", res.Suppressed[0].Symbol)
	assert.Equal(t, domain.SuppressedRoundedToZero, res.Suppressed[0].Reason)
}

func TestBuildSellsAllOfUntargetedHolding(t *testing.T) {
	res := Build(Input{
		RunID: "r", AsOf: asof,
		Targets:  []domain.PortfolioTarget{value("AAPL", "0")},
		Prices:   map[string]decimal.Decimal{"AAPL": d("10"), "MU": d("100")},
		Ledger:   state("100", map[string]string{"MU": "2.64903"}),
		Universe: enabled("AAPL", "MU"),
	}, loose())
	require.True(t, res.OK, res.Reasons)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.SideSell, res.Trades[0].Side)
	assert.Equal(t, int64(2), res.Trades[0].Units, "fractional residue is not sold")
}

func TestBuildMissingInputs(t *testing.T) {
	in := orderingInput()
	in.Targets = nil
	res := Build(in, loose())
	assert.False(t, res.OK)
	assert.Equal(t, []string{"TARGETS_MISSING"}, domain.ReasonKeys(res.Reasons))

	in = orderingInput()
	in.Targets[1].AsOfDate = asof.AddDate(0, 0, -1)
	res = Build(in, loose())
	assert.Equal(t, []string{"TARGETS_ASOF_MISMATCH"}, domain.ReasonKeys(res.Reasons))

	in = orderingInput()
	delete(in.Prices, "GOOG")
	res = Build(in, loose())
	assert.Equal(t, []string{"PRICES_MISSING"}, domain.ReasonKeys(res.Reasons))
	assert.Equal(t, []string{"GOOG"}, res.Reasons[0].Detail["symbols"])
	assert.Equal(t, domain.TicketNoTrade, res.DecisionType())
}

func TestBuildLimitsBlockWholeBatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input, *Policy)
		want   string
	}{
		{
			name:   "turnover",
			mutate: func(_ *Input, p *Policy) { p.MaxTurnover = d("0.4") },
			want:   "RISK_LIMIT_VIOLATION:TURNOVER_CAP",
		},
		{
			name:   "max weight",
			mutate: func(_ *Input, p *Policy) { p.MaxPositionWeight = d("0.3") },
			want:   "RISK_LIMIT_VIOLATION:MAX_POSITION_WEIGHT",
		},
		{
			name:   "max positions",
			mutate: func(_ *Input, p *Policy) { p.MaxPositions = 2 },
			want:   "RISK_LIMIT_VIOLATION:MAX_POSITIONS",
		},
		{
			name:   "cash buffer",
			mutate: func(_ *Input, p *Policy) { p.MinCashBuffer = d("0.25") },
			want:   "RISK_LIMIT_VIOLATION:CASH_BUFFER",
		},
		{
			name:   "kill switch",
			mutate: func(in *Input, _ *Policy) { in.HighWaterMark = d("3750") },
			want:   "RISK_LIMIT_VIOLATION:KILL_SWITCH_DRAWDOWN",
		},
		{
			name:   "not tradable",
			mutate: func(in *Input, _ *Policy) { in.Universe = enabled("MSFT", "GOOG") },
			want:   "RISK_LIMIT_VIOLATION:SYMBOL_NOT_TRADABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, p := orderingInput(), loose()
			tt.mutate(&in, &p)
			res := Build(in, p)
			assert.False(t, res.OK)
			assert.Empty(t, res.Trades)
			assert.Len(t, res.Proposed, 3)
			assert.Equal(t, []string{tt.want}, domain.ReasonKeys(res.Reasons))
			assert.Equal(t, domain.TicketNoTrade, res.DecisionType())
		})
	}
}

func TestBuildPortfolioValueZero(t *testing.T) {
	res := Build(Input{
		RunID: "r", AsOf: asof,
		Targets: []domain.PortfolioTarget{weight("X", "0.5")},
		Prices:  map[string]decimal.Decimal{"X": d("1")},
		Ledger:  state("0", nil),
	}, loose())
	assert.Equal(t, []string{"RISK_LIMIT_VIOLATION:PORTFOLIO_VALUE_ZERO"}, domain.ReasonKeys(res.Reasons))
}

func TestFromSignals(t *testing.T) {
	p := loose()
	p.MaxPositions = 2
	p.MaxPositionWeight = d("0.075")
	p.MinCashBuffer = d("0.03")

	signals := []domain.Signal{
		{Symbol: "C", Rank: 3}, {Symbol: "A", Rank: 1}, {Symbol: "OFF", Rank: 0}, {Symbol: "B", Rank: 2},
	}
	universe := append(enabled("A", "B", "C"), domain.UniverseEntry{Symbol: "OFF"})

	targets := FromSignals("r", asof, signals, universe, p, "GBP")
	require.Len(t, targets, 2)
	assert.Equal(t, "A", targets[0].Symbol)
	assert.Equal(t, "B", targets[1].Symbol)
	assert.Equal(t, "0.075", targets[0].TargetWeight.String())

	p.MaxPositionWeight = d("1")
	p.MaxPositions = 3
	targets = FromSignals("r", asof, signals, universe, p, "GBP")
	require.Len(t, targets, 3)
	assert.Equal(t, "0.323333", targets[0].TargetWeight.String())
}

func TestGuardDerivesTargetsAndReplacesTrades(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	repo := store.Repository()

	store.SeedUniverse(enabled("AAA", "BBB")...)
	store.SeedSignals("r", domain.Signal{RunID: "r", Symbol: "AAA", Rank: 1}, domain.Signal{RunID: "r", Symbol: "BBB", Rank: 2})
	px := d("10")
	for _, sym := range []string{"AAA", "BBB"} {
		store.SeedBars(domain.PriceBar{Symbol: sym, TradingDate: asof, Source: "stooq", Open: px, High: px, Low: px, Close: px})
	}
	require.NoError(t, repo.Ledger.AddCashMovement(ctx, domain.CashMovement{Amount: d("10000"), MovementType: domain.CashBaseline}))

	cfg := config.Default()
	guard := NewGuard(repo, ledger.NewService(repo.Ledger, nil), PolicyFrom(cfg), TargetsFromSignals, "GBP")

	first, err := guard.Evaluate(ctx, "r", asof)
	require.NoError(t, err)
	require.True(t, first.OK, first.Reasons)
	require.Len(t, first.Trades, 2)
	assert.Equal(t, int64(75), first.Trades[0].Units)

	second, err := guard.Evaluate(ctx, "r", asof)
	require.NoError(t, err)
	assert.Equal(t, first.Trades, second.Trades)

	stored, err := repo.Trades.ListIntended(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	targets, err := repo.Targets.ListByRun(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	hwm, err := repo.Equity.HighWaterMark(ctx)
	require.NoError(t, err)
	assert.True(t, d("10000").Equal(hwm))
}
