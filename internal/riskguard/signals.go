package riskguard

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
)

// FromSignals derives equal-weight targets from the top ranked enabled
// signals. Each of the n picks gets min(max weight, (1 - cash buffer) / n),
// truncated to 6 places so the weights never sum above the investable share.
func FromSignals(runID string, asof time.Time, signals []domain.Signal, universe []domain.UniverseEntry, p Policy, currency string) []domain.PortfolioTarget {
	enabled := make(map[string]bool, len(universe))
	for _, u := range universe {
		if u.Enabled {
			enabled[u.Symbol] = true
		}
	}

	ranked := make([]domain.Signal, 0, len(signals))
	seen := make(map[string]bool, len(signals))
	for _, s := range signals {
		if enabled[s.Symbol] && !seen[s.Symbol] {
			seen[s.Symbol] = true
			ranked = append(ranked, s)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Rank != ranked[j].Rank {
			return ranked[i].Rank < ranked[j].Rank
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	if p.MaxPositions > 0 && len(ranked) > p.MaxPositions {
		ranked = ranked[:p.MaxPositions]
	}
	if len(ranked) == 0 {
		return nil
	}

	investable := decimal.NewFromInt(1).Sub(p.MinCashBuffer)
	weight := investable.Div(decimal.NewFromInt(int64(len(ranked)))).Truncate(6)
	if p.MaxPositionWeight.IsPositive() && weight.GreaterThan(p.MaxPositionWeight) {
		weight = p.MaxPositionWeight
	}

	day := domain.DateOf(asof)
	out := make([]domain.PortfolioTarget, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, domain.PortfolioTarget{
			RunID:        runID,
			AsOfDate:     day,
			Symbol:       s.Symbol,
			TargetWeight: weight,
			Currency:     currency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
