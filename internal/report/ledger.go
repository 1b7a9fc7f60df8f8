// Package report renders operator-facing summaries of ledger state.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
)

// DefaultRecentFills bounds the fills section of the ledger report
const DefaultRecentFills = 20

// PositionLine is one held symbol valued at its last close
type PositionLine struct {
	Symbol    string              `json:"symbol"`
	Units     decimal.Decimal     `json:"units"`
	LastClose decimal.NullDecimal `json:"last_close"`
	Value     decimal.NullDecimal `json:"value"`
}

// LedgerReport is the derived cash and position view as of a date
type LedgerReport struct {
	AsOf        time.Time       `json:"asof"`
	GeneratedAt time.Time       `json:"generated_at"`
	Cash        decimal.Decimal `json:"cash"`
	Positions   []PositionLine  `json:"positions"`
	Invested    decimal.Decimal `json:"invested"`
	Unpriced    []string        `json:"unpriced,omitempty"`
	RecentFills []domain.Fill   `json:"recent_fills"`
	FillCount   int             `json:"fill_count"`
	Version     string          `json:"ledger_version"`
}

// Builder assembles ledger reports
type Builder struct {
	ledger *ledger.Service
	fills  persistence.LedgerRepo
	market persistence.MarketRepo
	recent int
	now    func() time.Time
}

// NewBuilder creates a ledger report builder
func NewBuilder(svc *ledger.Service, fills persistence.LedgerRepo, market persistence.MarketRepo) *Builder {
	return &Builder{ledger: svc, fills: fills, market: market, recent: DefaultRecentFills, now: time.Now}
}

// WithClock overrides the time source
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithRecentFills sets how many trailing fills are listed
func (b *Builder) WithRecentFills(n int) *Builder {
	if n > 0 {
		b.recent = n
	}
	return b
}

// Build folds the ledger and values positions at the close on asof
func (b *Builder) Build(ctx context.Context, asof time.Time) (*LedgerReport, error) {
	state, err := b.ledger.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ledger state: %w", err)
	}

	symbols := state.Symbols()
	closes, err := b.market.ClosePrices(ctx, domain.DateOf(asof), symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to load closes: %w", err)
	}

	rep := &LedgerReport{
		AsOf:        domain.DateOf(asof),
		GeneratedAt: b.now().UTC(),
		Cash:        state.Cash,
		Invested:    decimal.Zero,
		FillCount:   state.FillCount,
		Version:     state.Version,
	}

	for _, sym := range symbols {
		units := state.Units(sym)
		if units.IsZero() {
			continue
		}
		line := PositionLine{Symbol: sym, Units: units}
		if px, ok := closes[sym]; ok {
			value := units.Mul(px)
			line.LastClose = decimal.NewNullDecimal(px)
			line.Value = decimal.NewNullDecimal(value)
			rep.Invested = rep.Invested.Add(value)
		} else {
			rep.Unpriced = append(rep.Unpriced, sym)
		}
		rep.Positions = append(rep.Positions, line)
	}

	fills, err := b.fills.Fills(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	if len(fills) > b.recent {
		fills = fills[len(fills)-b.recent:]
	}
	rep.RecentFills = fills

	return rep, nil
}

// Write builds the report and stores it as reports/ledger_<asof>_<stamp>
func (b *Builder) Write(ctx context.Context, store *artifacts.Store, asof time.Time) (*LedgerReport, artifacts.ReportPaths, error) {
	rep, err := b.Build(ctx, asof)
	if err != nil {
		return nil, artifacts.ReportPaths{}, err
	}
	paths, err := store.WriteReport("ledger", rep.AsOf, rep.GeneratedAt, rep, rep.Markdown())
	if err != nil {
		return nil, artifacts.ReportPaths{}, fmt.Errorf("failed to write ledger report: %w", err)
	}
	return rep, paths, nil
}

// Total is cash plus priced holdings
func (r *LedgerReport) Total() decimal.Decimal {
	return r.Cash.Add(r.Invested)
}

// Markdown renders the report for the operator
func (r *LedgerReport) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ledger report %s\n\n", domain.FormatDate(r.AsOf))
	fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Cash: %s\n", r.Cash.StringFixed(2))
	fmt.Fprintf(&b, "- Invested: %s\n", r.Invested.StringFixed(2))
	fmt.Fprintf(&b, "- Total: %s\n", r.Total().StringFixed(2))
	fmt.Fprintf(&b, "- Fills recorded: %d\n", r.FillCount)

	b.WriteString("\n## Positions\n\n")
	if len(r.Positions) == 0 {
		b.WriteString("No open positions.\n")
	} else {
		b.WriteString("| Symbol | Units | Last close | Value |\n|---|---|---|---|\n")
		for _, p := range r.Positions {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", p.Symbol, p.Units.String(), nullString(p.LastClose, -1), nullString(p.Value, 2))
		}
	}
	if len(r.Unpriced) > 0 {
		fmt.Fprintf(&b, "\nNo close on %s for: %s\n", domain.FormatDate(r.AsOf), strings.Join(r.Unpriced, ", "))
	}

	b.WriteString("\n## Recent fills\n\n")
	if len(r.RecentFills) == 0 {
		b.WriteString("None.\n")
		return b.String()
	}
	b.WriteString("| Filled at | Ticket | # | Symbol | Side | Status | Units | Price | Value |\n|---|---|---|---|---|---|---|---|---|\n")
	for _, f := range r.RecentFills {
		at := "-"
		if f.FilledAt != nil {
			at = f.FilledAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %s | %s | %s | %s |\n",
			at, f.TicketID, f.Sequence, f.Symbol, f.Side, f.ExecutedStatus, f.Units.String(),
			nullString(f.FillPrice, -1), nullString(f.ExecutedValue, 2))
	}
	return b.String()
}

func nullString(v decimal.NullDecimal, places int32) string {
	if !v.Valid {
		return "-"
	}
	if places < 0 {
		return v.Decimal.String()
	}
	return v.Decimal.StringFixed(places)
}
