package riskguard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
)

// TargetsFromSignals selects ranked signals as the target source
const TargetsFromSignals = "signals"

// Guard loads builder inputs from the stores and persists its output
type Guard struct {
	repo          *persistence.Repository
	ledger        *ledger.Service
	policy        Policy
	targetsSource string
	currency      string
}

// NewGuard creates a risk guard
func NewGuard(repo *persistence.Repository, ledgerSvc *ledger.Service, policy Policy, targetsSource, currency string) *Guard {
	return &Guard{
		repo:          repo,
		ledger:        ledgerSvc,
		policy:        policy,
		targetsSource: targetsSource,
		currency:      currency,
	}
}

// Evaluate builds the run's batch and replaces its intended trades. A
// blocked or empty batch leaves the run with no intended trades.
func (g *Guard) Evaluate(ctx context.Context, runID string, asof time.Time) (Result, error) {
	targets, err := g.targets(ctx, runID, asof)
	if err != nil {
		return Result{}, err
	}

	state, err := g.ledger.Current(ctx)
	if err != nil {
		return Result{}, err
	}

	symbols := make([]string, 0, len(targets)+len(state.Positions))
	for _, t := range targets {
		symbols = append(symbols, t.Symbol)
	}
	symbols = append(symbols, state.Symbols()...)
	prices, err := g.repo.Market.ClosePrices(ctx, asof, symbols)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load close prices: %w", err)
	}

	universe, err := g.repo.Market.Universe(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load universe: %w", err)
	}
	hwm, err := g.repo.Equity.HighWaterMark(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load high-water mark: %w", err)
	}

	res := Build(Input{
		RunID:         runID,
		AsOf:          asof,
		Targets:       targets,
		Prices:        prices,
		Ledger:        state,
		Universe:      universe,
		HighWaterMark: hwm,
	}, g.policy)

	if err := g.repo.Trades.ReplaceIntended(ctx, runID, res.Trades); err != nil {
		return Result{}, fmt.Errorf("failed to store intended trades: %w", err)
	}

	if res.PortfolioValue.IsPositive() {
		err := g.repo.Equity.RecordMark(ctx, domain.EquityMark{
			RunID:          runID,
			AsOfDate:       domain.DateOf(asof),
			PortfolioValue: res.PortfolioValue,
		})
		if err != nil {
			return Result{}, fmt.Errorf("failed to record equity mark: %w", err)
		}
	}

	log.Info().
		Str("run_id", runID).
		Bool("ok", res.OK).
		Int("trades", len(res.Trades)).
		Int("suppressed", len(res.Suppressed)).
		Str("portfolio_value", res.PortfolioValue.StringFixed(2)).
		Str("reasons", domain.JoinKeys(res.Reasons)).
		Msg("Risk guard evaluated")

	return res, nil
}

func (g *Guard) targets(ctx context.Context, runID string, asof time.Time) ([]domain.PortfolioTarget, error) {
	targets, err := g.repo.Targets.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	if len(targets) > 0 || g.targetsSource != TargetsFromSignals {
		return targets, nil
	}

	signals, err := g.repo.Targets.SignalsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals: %w", err)
	}
	universe, err := g.repo.Market.Universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load universe: %w", err)
	}
	targets = FromSignals(runID, asof, signals, universe, g.policy, g.currency)
	if len(targets) == 0 {
		return nil, nil
	}
	if err := g.repo.Targets.Replace(ctx, runID, targets); err != nil {
		return nil, fmt.Errorf("failed to store derived targets: %w", err)
	}
	log.Info().Str("run_id", runID).Int("targets", len(targets)).Msg("Targets derived from ranked signals")

	return targets, nil
}
