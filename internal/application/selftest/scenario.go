package selftest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/alerts"
	"github.com/peterwi/project-f/internal/application/pipeline"
	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/persistence/memstore"
)

// Fixed scenario calendar: a Monday close and the following afternoon
var (
	scenarioAsOf  = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	scenarioClock = func() time.Time { return time.Date(2026, 1, 13, 15, 0, 0, 0, time.UTC) }
)

// scenario is an isolated in-memory deployment of the pipeline
type scenario struct {
	store    *memstore.Store
	repo     *persistence.Repository
	ledger   *ledger.Service
	files    *artifacts.Store
	executor *pipeline.Executor
}

type scenarioOptions struct {
	bars     bool
	snapshot bool
}

func newScenario(ctx context.Context, dir string, o scenarioOptions) (*scenario, error) {
	store := memstore.New()
	repo := store.Repository()

	store.SeedUniverse(
		domain.UniverseEntry{Symbol: "SPY", Enabled: true, InstrumentType: "ETF"},
		domain.UniverseEntry{Symbol: "AAA", Enabled: true, InstrumentType: "STOCK"},
		domain.UniverseEntry{Symbol: "BBB", Enabled: true, InstrumentType: "STOCK"},
	)
	if o.bars {
		px := decimal.NewFromInt(10)
		for _, sym := range []string{"SPY", "AAA", "BBB"} {
			store.SeedBars(domain.PriceBar{
				Symbol: sym, TradingDate: scenarioAsOf, Source: "selftest",
				Open: px, High: px, Low: px, Close: px,
			})
		}
	}
	if o.snapshot {
		err := repo.Recon.AddSnapshot(ctx, domain.Snapshot{
			SnapshotID:   "selftest-opening",
			SnapshotDate: scenarioAsOf.AddDate(0, 0, -1),
			Currency:     "GBP",
			Cash:         decimal.NewFromInt(10000),
			CreatedAt:    scenarioClock(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed snapshot: %w", err)
		}
	}

	files := artifacts.New(dir)
	ledgerSvc := ledger.NewService(repo.Ledger, nil)
	executor := pipeline.NewExecutor(pipeline.Deps{
		Repo:        repo,
		Ledger:      ledgerSvc,
		Store:       files,
		Config:      config.Default(),
		Alerts:      alerts.NewEmitter(files, repo.Alerts, nil, false).WithClock(scenarioClock),
		CodeVersion: "selftest",
	}).WithClock(scenarioClock)

	return &scenario{store: store, repo: repo, ledger: ledgerSvc, files: files, executor: executor}, nil
}

// openWithTargets opens a run and stages equal targets for symbols
func (s *scenario) openWithTargets(ctx context.Context, weight string, symbols ...string) (string, error) {
	runID, err := s.executor.Controller().Open(ctx, scenarioAsOf, "selftest", "selftest")
	if err != nil {
		return "", err
	}
	w := decimal.RequireFromString(weight)
	targets := make([]domain.PortfolioTarget, 0, len(symbols))
	for _, sym := range symbols {
		targets = append(targets, domain.PortfolioTarget{
			RunID: runID, AsOfDate: scenarioAsOf, Symbol: sym, TargetWeight: w, Currency: "GBP",
		})
	}
	if err := s.repo.Targets.Replace(ctx, runID, targets); err != nil {
		return "", fmt.Errorf("failed to stage targets: %w", err)
	}
	return runID, nil
}

func stageStatus(res *pipeline.Result, stage string) string {
	for _, s := range res.Stages {
		if s.Stage == stage {
			return s.Status
		}
	}
	return ""
}
