// Package reconcile compares ledger-derived cash and positions against an
// externally captured account snapshot, bootstrapping an empty ledger from
// the snapshot exactly once.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
)

// Compare evaluates state against snap. Unknown symbols are snapshot
// symbols with no universe entry at all.
func Compare(state ledger.State, snap domain.Snapshot, universe []domain.UniverseEntry, policy config.ReconcileConfig, at time.Time) domain.ReconciliationResult {
	known := make(map[string]bool, len(universe))
	for _, u := range universe {
		known[u.Symbol] = true
	}

	snapUnits := make(map[string]decimal.Decimal, len(snap.Positions))
	for _, p := range snap.Positions {
		snapUnits[p.Symbol] = snapUnits[p.Symbol].Add(p.Units)
	}

	symbols := make(map[string]bool, len(snapUnits)+len(state.Positions))
	for sym := range snapUnits {
		symbols[sym] = true
	}
	for sym := range state.Positions {
		symbols[sym] = true
	}
	ordered := make([]string, 0, len(symbols))
	for sym := range symbols {
		ordered = append(ordered, sym)
	}
	sort.Strings(ordered)

	cashDiff := state.Cash.Sub(snap.Cash)
	res := domain.ReconciliationResult{
		SnapshotID:        snap.SnapshotID,
		EvaluatedAt:       at.UTC(),
		LedgerCash:        state.Cash,
		SnapshotCash:      snap.Cash,
		CashDiff:          cashDiff,
		CashDiffAbs:       cashDiff.Abs(),
		CashTolerance:     config.Dec(policy.CashTolerance),
		MaxUnitsDiff:      decimal.Zero,
		UnitsTolerance:    config.Dec(policy.UnitsTolerance),
		UnknownSymbols:    []string{},
		MissingInSnapshot: []string{},
		Diffs:             make([]domain.SymbolDiff, 0, len(ordered)),
	}

	for _, sym := range ordered {
		ledgerUnits := state.Units(sym)
		snapshotUnits, inSnapshot := snapUnits[sym]
		diff := ledgerUnits.Sub(snapshotUnits).Abs()
		res.Diffs = append(res.Diffs, domain.SymbolDiff{
			Symbol:        sym,
			LedgerUnits:   ledgerUnits,
			SnapshotUnits: snapshotUnits,
			AbsDiff:       diff,
		})
		if diff.GreaterThan(res.MaxUnitsDiff) {
			res.MaxUnitsDiff = diff
		}
		if inSnapshot && !known[sym] {
			res.UnknownSymbols = append(res.UnknownSymbols, sym)
		}
		if !inSnapshot {
			res.MissingInSnapshot = append(res.MissingInSnapshot, sym)
		}
	}

	res.Passed = res.CashDiffAbs.LessThanOrEqual(res.CashTolerance) &&
		res.MaxUnitsDiff.LessThanOrEqual(res.UnitsTolerance) &&
		len(res.UnknownSymbols) == 0

	return res
}

// Failures lists the human-readable causes of a failed comparison
func Failures(res domain.ReconciliationResult) []string {
	var out []string
	if res.CashDiffAbs.GreaterThan(res.CashTolerance) {
		out = append(out, fmt.Sprintf("cash_diff %s exceeds tolerance %s", res.CashDiffAbs, res.CashTolerance))
	}
	if res.MaxUnitsDiff.GreaterThan(res.UnitsTolerance) {
		out = append(out, fmt.Sprintf("max_units_diff %s exceeds tolerance %s", res.MaxUnitsDiff, res.UnitsTolerance))
	}
	if len(res.UnknownSymbols) > 0 {
		out = append(out, "unknown symbols "+strings.Join(res.UnknownSymbols, ", "))
	}
	return out
}

// Markdown renders a result for operators
func Markdown(res domain.ReconciliationResult, snap *domain.Snapshot, asof time.Time, note string) string {
	var b strings.Builder
	status := "PASS"
	if !res.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "# Reconciliation %s: %s\n\n", domain.FormatDate(asof), status)
	if note != "" {
		fmt.Fprintf(&b, "%s\n\n", note)
	}
	if snap == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "- Snapshot: %s (%s)\n", snap.SnapshotID, domain.FormatDate(snap.SnapshotDate))
	if res.Genesis {
		b.WriteString("- Genesis bootstrap applied from this snapshot\n")
	}
	fmt.Fprintf(&b, "- Ledger cash: %s\n", res.LedgerCash)
	fmt.Fprintf(&b, "- Snapshot cash: %s\n", res.SnapshotCash)
	fmt.Fprintf(&b, "- Cash diff: %s (tolerance %s)\n", res.CashDiffAbs, res.CashTolerance)
	fmt.Fprintf(&b, "- Max units diff: %s (tolerance %s)\n", res.MaxUnitsDiff, res.UnitsTolerance)
	if len(res.UnknownSymbols) > 0 {
		fmt.Fprintf(&b, "- Unknown symbols: %s\n", strings.Join(res.UnknownSymbols, ", "))
	}
	if len(res.MissingInSnapshot) > 0 {
		fmt.Fprintf(&b, "- Held but missing from snapshot: %s\n", strings.Join(res.MissingInSnapshot, ", "))
	}

	if len(res.Diffs) > 0 {
		b.WriteString("\n| Symbol | Ledger | Snapshot | Diff |\n|---|---|---|---|\n")
		for _, d := range res.Diffs {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", d.Symbol, d.LedgerUnits, d.SnapshotUnits, d.AbsDiff)
		}
	}

	if failures := Failures(res); len(failures) > 0 {
		b.WriteString("\n## Failures\n\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	return b.String()
}
