package riskguard

import (
	"fmt"
	"strings"
)

// Markdown renders the risk guard report
func (r Result) Markdown() string {
	var b strings.Builder

	status := "APPROVED"
	if !r.OK {
		status = "BLOCKED"
	}
	fmt.Fprintf(&b, "# Risk Guard: %s\n\n", status)
	fmt.Fprintf(&b, "- Decision: %s\n", r.DecisionType())
	fmt.Fprintf(&b, "- Portfolio value: %s\n", r.PortfolioValue.StringFixed(2))
	fmt.Fprintf(&b, "- Post-trade cash: %s\n", r.PostTradeCash.StringFixed(2))
	fmt.Fprintf(&b, "- Turnover: %s\n", r.Turnover.StringFixed(4))
	fmt.Fprintf(&b, "- Drawdown: %s\n", r.Drawdown.StringFixed(4))
	fmt.Fprintf(&b, "- Effective min notional: %s\n", r.MinNotional.StringFixed(2))

	if len(r.Reasons) > 0 {
		b.WriteString("\n## Reasons\n\n")
		for _, reason := range r.Reasons {
			fmt.Fprintf(&b, "- `%s` %s\n", reason.Key(), reason.Message)
		}
	}

	lines := r.Trades
	heading := "Trades"
	if !r.OK && len(r.Proposed) > 0 {
		lines = r.Proposed
		heading = "Proposed (blocked)"
	}
	if len(lines) > 0 {
		fmt.Fprintf(&b, "\n## %s\n\n| # | Symbol | Side | Units | Price | Notional |\n|---|---|---|---|---|---|\n", heading)
		for _, t := range lines {
			fmt.Fprintf(&b, "| %d | %s | %s | %d | %s | %s |\n",
				t.Sequence, t.Symbol, t.Side, t.Units, t.ReferencePrice.String(), t.Notional.StringFixed(2))
		}
	}

	if len(r.Plans) > 0 {
		b.WriteString("\n## Plan\n\n| Symbol | Price | Units | Value | Target | Delta | Post weight |\n|---|---|---|---|---|---|---|\n")
		for _, p := range r.Plans {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s |\n",
				p.Symbol, p.Price.String(), p.CurrentUnits.String(), p.CurrentValue.StringFixed(2),
				p.TargetValue.StringFixed(2), p.Delta.StringFixed(2), p.PostWeight.StringFixed(4))
		}
	}

	if len(r.Suppressed) > 0 {
		b.WriteString("\n## Suppressed\n\n")
		for _, s := range r.Suppressed {
			fmt.Fprintf(&b, "- %s %s delta %s: %s\n", s.Side, s.Symbol, s.DeltaNotional.StringFixed(2), s.Reason)
		}
	}

	return b.String()
}
