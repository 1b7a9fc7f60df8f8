package ticket

import (
	"fmt"
	"strings"

	"github.com/peterwi/project-f/internal/domain"
)

func renderMarkdown(doc Document) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ticket %s: %s\n\n", doc.AsOfDate, doc.DecisionType)
	fmt.Fprintf(&b, "- Schema: %s\n", doc.SchemaVersion)
	fmt.Fprintf(&b, "- Ticket ID: %s\n", doc.TicketID)
	fmt.Fprintf(&b, "- Run ID: %s\n", doc.RunID)
	fmt.Fprintf(&b, "- Material hash: %s\n", doc.MaterialHash)
	fmt.Fprintf(&b, "- Rendered at: %s\n", doc.RenderedAt.Format("2006-01-02T15:04:05Z"))
	if doc.ExecutionWindow != "" {
		fmt.Fprintf(&b, "- Execution window: %s\n", doc.ExecutionWindow)
	}

	if len(doc.Gates) > 0 {
		b.WriteString("\n## Gates\n\n| Gate | Result | Note |\n|---|---|---|\n")
		for _, g := range doc.Gates {
			result := "PASS"
			if !g.Passed {
				result = "FAIL"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", g.Check, result, g.Note)
		}
	}

	if doc.DecisionType == domain.TicketTrade {
		fmt.Fprintf(&b, "\n## Orders (%s)\n\n", doc.Currency)
		b.WriteString("| # | Side | Symbol | Units | Ref price | Notional | Order | Max slippage | Limit |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|---|\n")
		for _, l := range doc.Trades {
			fmt.Fprintf(&b, "| %d | %s | %s | %d | %s | %s | %s | %d bps | %s |\n",
				l.Sequence, l.Side, l.Symbol, l.Units, l.ReferencePrice.StringFixed(4),
				l.Notional.StringFixed(2), l.OrderType, l.MaxSlippageBps, l.LimitPrice.StringFixed(4))
		}
	} else {
		b.WriteString("\n## NO TRADE\n\nNo orders are proposed for this run.\n\n## Reasons\n\n")
		for _, r := range doc.Reasons {
			fmt.Fprintf(&b, "- `%s`: %s\n", r.Key(), r.Message)
		}
	}

	if len(doc.Suppressed) > 0 {
		b.WriteString("\n## Not traded (informational)\n\n| Symbol | Side | Delta | Reason |\n|---|---|---|---|\n")
		for _, s := range doc.Suppressed {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", s.Symbol, s.Side, s.DeltaNotional.StringFixed(2), s.Reason)
		}
	}

	if len(doc.Fills) > 0 {
		b.WriteString("\n## Confirmed fills\n\n| # | Side | Symbol | Status | Units | Fill price |\n|---|---|---|---|---|---|\n")
		for _, f := range doc.Fills {
			price := "-"
			if f.FillPrice.Valid {
				price = f.FillPrice.Decimal.StringFixed(4)
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s |\n",
				f.Sequence, f.Side, f.Symbol, f.ExecutedStatus, f.Units.String(), price)
		}
	}

	b.WriteString("\n## Instructions\n\n")
	for i, line := range doc.Instructions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, line)
	}

	return b.String()
}
