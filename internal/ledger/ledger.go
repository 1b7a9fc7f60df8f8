// Package ledger derives current cash and positions from the append-only
// history of fills and cash movements. Nothing here stores a running balance.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
)

// State is the folded view of ledger history
type State struct {
	Cash          decimal.Decimal            `json:"cash"`
	Positions     map[string]decimal.Decimal `json:"positions"`
	FillCount     int                        `json:"fill_count"`
	MovementCount int                        `json:"movement_count"`
	Version       string                     `json:"version"`
}

// Empty reports whether no fill has ever been recorded
func (s State) Empty() bool {
	return s.FillCount == 0
}

// Units returns the held units of symbol, zero when flat
func (s State) Units(symbol string) decimal.Decimal {
	return s.Positions[symbol]
}

// Symbols returns the held symbols in ascending order
func (s State) Symbols() []string {
	out := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Fold computes State from history. DONE and PARTIAL fills move units
// signed by side; BUY spends its executed value and SELL returns it.
// Fills without a value or price (genesis) carry no cash effect.
func Fold(fills []domain.Fill, movements []domain.CashMovement) State {
	state := State{
		Cash:          decimal.Zero,
		Positions:     make(map[string]decimal.Decimal),
		FillCount:     len(fills),
		MovementCount: len(movements),
	}

	for _, m := range movements {
		state.Cash = state.Cash.Add(m.Amount)
	}

	for _, f := range fills {
		if !f.ExecutedStatus.Executed() {
			continue
		}
		value := executedValue(f)
		units := state.Positions[f.Symbol]
		switch f.Side {
		case domain.SideBuy:
			units = units.Add(f.Units)
			state.Cash = state.Cash.Sub(value)
		case domain.SideSell:
			units = units.Sub(f.Units)
			state.Cash = state.Cash.Add(value)
		}
		state.Positions[f.Symbol] = units
	}

	for sym, units := range state.Positions {
		if units.IsZero() {
			delete(state.Positions, sym)
		}
	}

	return state
}

func executedValue(f domain.Fill) decimal.Decimal {
	if f.ExecutedValue.Valid {
		return f.ExecutedValue.Decimal
	}
	if f.FillPrice.Valid {
		return f.Units.Mul(f.FillPrice.Decimal)
	}
	return decimal.Zero
}
