package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/alerts"
	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/persistence/memstore"
	"github.com/peterwi/project-f/internal/ticket"
)

var (
	asof  = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	clock = func() time.Time { return time.Date(2026, 1, 13, 15, 0, 0, 0, time.UTC) }
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store *memstore.Store
	repo  *persistence.Repository
	exec  *Executor
}

type options struct {
	bars     bool
	snapshot bool
}

func setup(t *testing.T, o options) fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	repo := store.Repository()

	store.SeedUniverse(
		domain.UniverseEntry{Symbol: "SPY", Enabled: true, InstrumentType: "ETF"},
		domain.UniverseEntry{Symbol: "AAA", Enabled: true, InstrumentType: "STOCK"},
		domain.UniverseEntry{Symbol: "BBB", Enabled: true, InstrumentType: "STOCK"},
	)
	if o.bars {
		px := d("10")
		for _, sym := range []string{"SPY", "AAA", "BBB"} {
			store.SeedBars(domain.PriceBar{Symbol: sym, TradingDate: asof, Source: "stooq", Open: px, High: px, Low: px, Close: px})
		}
	}
	if o.snapshot {
		require.NoError(t, repo.Recon.AddSnapshot(ctx, domain.Snapshot{
			SnapshotID: "snap-1", SnapshotDate: asof, Currency: "GBP", Cash: d("10000"), CreatedAt: clock(),
		}))
	}

	artifactStore := artifacts.New(t.TempDir())
	exec := NewExecutor(Deps{
		Repo:        repo,
		Ledger:      ledger.NewService(repo.Ledger, nil),
		Store:       artifactStore,
		Config:      config.Default(),
		Alerts:      alerts.NewEmitter(artifactStore, repo.Alerts, nil, false).WithClock(clock),
		CodeVersion: "test",
	}).WithClock(clock)

	return fixture{store: store, repo: repo, exec: exec}
}

func (f fixture) openWithTargets(t *testing.T, weights map[string]string) string {
	t.Helper()
	ctx := context.Background()
	runID, err := f.exec.Controller().Open(ctx, asof, "cfg", "test")
	require.NoError(t, err)

	var targets []domain.PortfolioTarget
	for sym, w := range weights {
		targets = append(targets, domain.PortfolioTarget{RunID: runID, AsOfDate: asof, Symbol: sym, TargetWeight: d(w), Currency: "GBP"})
	}
	require.NoError(t, f.repo.Targets.Replace(ctx, runID, targets))
	return runID
}

func stageStatuses(res *Result) map[string]string {
	out := make(map[string]string, len(res.Stages))
	for _, s := range res.Stages {
		out[s.Stage] = s.Status
	}
	return out
}

func TestExecuteTradeThenRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{bars: true, snapshot: true})
	runID := f.openWithTargets(t, map[string]string{"AAA": "0.05", "BBB": "0.05"})

	res, err := f.exec.Execute(ctx, Options{RunID: runID})
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, res.Status)
	assert.Equal(t, domain.TicketTrade, res.Decision)
	assert.False(t, res.Blocked())
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "AAA", res.Trades[0].Symbol)
	assert.Equal(t, int64(50), res.Trades[0].Units)
	assert.FileExists(t, res.Ticket.Markdown)
	assert.FileExists(t, res.SummaryPath)
	for _, check := range []string{domain.CheckDataQuality, domain.CheckConfirmations, domain.CheckReconciliation, domain.CheckRiskGuard} {
		g, ok := f.store.Gate(runID, check)
		require.True(t, ok, check)
		assert.True(t, g.Passed, check)
	}

	run, err := f.repo.Runs.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	intended, err := f.repo.Trades.ListIntended(ctx, runID)
	require.NoError(t, err)
	require.Len(t, intended, 2)
	require.NotNil(t, intended[0].TicketID)
	assert.Equal(t, res.TicketID, *intended[0].TicketID)

	next, err := f.exec.Execute(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, next.Status)
	assert.Equal(t, domain.TicketNoTrade, next.Decision)
	assert.Equal(t, []string{"CONFIRMATION_MISSING"}, domain.ReasonKeys(next.Reasons))
	assert.Equal(t, map[string]string{
		domain.CheckDataQuality:    StagePass,
		domain.CheckConfirmations:  StageFail,
		domain.CheckReconciliation: StageSkipped,
		domain.CheckRiskGuard:      StageSkipped,
	}, stageStatuses(next))

	indexed := f.store.Alerts()
	require.Len(t, indexed, 1)
	assert.Equal(t, domain.AlertConfirmationMissing, indexed[0].AlertType)
	require.NotNil(t, indexed[0].TicketID)
	assert.Equal(t, res.TicketID, *indexed[0].TicketID)
}

func TestExecuteFailsClosedOnDataQuality(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{snapshot: true})

	res, err := f.exec.Execute(ctx, Options{AsOf: asof})
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.TicketNoTrade, res.Decision)
	assert.True(t, res.Blocked())
	assert.Equal(t, []string{"DATA_QUALITY_FAIL"}, domain.ReasonKeys(res.Reasons))
	assert.Equal(t, StageSkipped, stageStatuses(res)[domain.CheckRiskGuard])

	tk, err := f.repo.Tickets.GetByRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketNoTrade, tk.TicketType)
	assert.Contains(t, tk.RenderedMD, "DATA_QUALITY_FAIL")

	_, reconciled := f.store.Gate(res.RunID, domain.CheckReconciliation)
	assert.False(t, reconciled)
	assert.Empty(t, f.store.Results())
}

func TestExecuteWithoutSnapshotRequiresReconciliation(t *testing.T) {
	f := setup(t, options{bars: true})

	res, err := f.exec.Execute(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, []string{"RECONCILIATION_REQUIRED"}, domain.ReasonKeys(res.Reasons))
	assert.Equal(t, StageSkipped, stageStatuses(res)[domain.CheckRiskGuard])
	require.Len(t, f.store.Alerts(), 1)
	assert.Equal(t, domain.AlertReconciliationFail, f.store.Alerts()[0].AlertType)
}

func TestExecuteWithoutTargetsIsBlocked(t *testing.T) {
	f := setup(t, options{bars: true, snapshot: true})

	res, err := f.exec.Execute(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, []string{"TARGETS_MISSING"}, domain.ReasonKeys(res.Reasons))
	assert.Equal(t, StageFail, stageStatuses(res)[domain.CheckRiskGuard])
	require.Len(t, f.store.Alerts(), 1)
	assert.Equal(t, domain.AlertRiskGuardBlocked, f.store.Alerts()[0].AlertType)
}

func TestExecuteEvaluatesBothLeadingGates(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{bars: true, snapshot: true})
	runID := f.openWithTargets(t, map[string]string{"AAA": "0.05", "BBB": "0.05"})

	first, err := f.exec.Execute(ctx, Options{RunID: runID})
	require.NoError(t, err)
	require.Equal(t, domain.TicketTrade, first.Decision)

	// no bars are staged for the following day
	res, err := f.exec.Execute(ctx, Options{AsOf: asof.AddDate(0, 0, 1)})
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, []string{"CONFIRMATION_MISSING", "DATA_QUALITY_FAIL"}, domain.ReasonKeys(res.Reasons))
	assert.Equal(t, map[string]string{
		domain.CheckDataQuality:    StageFail,
		domain.CheckConfirmations:  StageFail,
		domain.CheckReconciliation: StageSkipped,
		domain.CheckRiskGuard:      StageSkipped,
	}, stageStatuses(res))

	g, ok := f.store.Gate(res.RunID, domain.CheckConfirmations)
	require.True(t, ok)
	assert.False(t, g.Passed)

	tk, err := f.repo.Tickets.GetByRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Contains(t, tk.RenderedMD, "CONFIRMATION_MISSING")

	types := map[domain.AlertType]bool{}
	for _, a := range f.store.Alerts() {
		types[a.AlertType] = true
	}
	assert.True(t, types[domain.AlertDataQualityFail])
	assert.True(t, types[domain.AlertConfirmationMissing])
}

func TestStoredTicketsRerenderToSameHash(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{bars: true, snapshot: true})
	runID := f.openWithTargets(t, map[string]string{"AAA": "0.07", "BBB": "0.03"})

	traded, err := f.exec.Execute(ctx, Options{RunID: runID})
	require.NoError(t, err)
	require.Equal(t, domain.TicketTrade, traded.Decision)

	blocked, err := f.exec.Execute(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, domain.TicketNoTrade, blocked.Decision)

	for _, res := range []*Result{traded, blocked} {
		tk, err := f.repo.Tickets.GetByRun(ctx, res.RunID)
		require.NoError(t, err)

		again, err := ticket.RerenderStored(ctx, f.repo, *tk, clock().Add(time.Hour))
		require.NoError(t, err, res.RunID)
		assert.Equal(t, res.MaterialHash, again.Ticket.MaterialHash)
		assert.Equal(t, tk.TicketID, again.Ticket.TicketID)
	}

	require.NoError(t, f.repo.Trades.ReplaceIntended(ctx, runID, traded.Trades[:1]))
	tk, err := f.repo.Tickets.GetByRun(ctx, runID)
	require.NoError(t, err)
	_, err = ticket.RerenderStored(ctx, f.repo, *tk, clock())
	assert.True(t, errors.Is(err, ticket.ErrHashMismatch), err)
}

type failingMarket struct{ persistence.MarketRepo }

func (failingMarket) Universe(context.Context) ([]domain.UniverseEntry, error) {
	return nil, errors.New("db down")
}

func TestExecuteDataQualityErrorStillClosesRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{bars: true, snapshot: true})
	f.repo.Market = failingMarket{f.repo.Market}

	res, err := f.exec.Execute(ctx, Options{Today: clock()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	require.NotNil(t, res)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.TicketNoTrade, res.Decision)
	assert.Equal(t, "2026-01-12", res.AsOf)
	assert.Equal(t, []string{"INTERNAL_ERROR"}, domain.ReasonKeys(res.Reasons))
	assert.FileExists(t, res.Ticket.Markdown)
	assert.FileExists(t, res.SummaryPath)

	latest, err := f.repo.Runs.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.RunID, latest.RunID)
	assert.Equal(t, domain.RunFailed, latest.Status)

	g, ok := f.store.Gate(res.RunID, domain.CheckDataQuality)
	require.True(t, ok)
	assert.False(t, g.Passed)

	require.Len(t, f.store.Alerts(), 1)
	assert.Equal(t, domain.AlertInternalError, f.store.Alerts()[0].AlertType)
}

type panickingEquity struct{ persistence.EquityRepo }

func (panickingEquity) HighWaterMark(context.Context) (decimal.Decimal, error) {
	panic("equity store exploded")
}

func TestExecuteRecoversPanicIntoFailedRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{bars: true, snapshot: true})
	f.repo.Equity = panickingEquity{f.repo.Equity}
	runID := f.openWithTargets(t, map[string]string{"AAA": "0.05"})

	res, err := f.exec.Execute(ctx, Options{RunID: runID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "equity store exploded")

	require.NotNil(t, res)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.TicketNoTrade, res.Decision)
	assert.Contains(t, domain.ReasonKeys(res.Reasons), "INTERNAL_ERROR")

	run, err := f.repo.Runs.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)

	tk, err := f.repo.Tickets.GetByRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketNoTrade, tk.TicketType)

	g, ok := f.store.Gate(runID, domain.CheckRiskGuard)
	require.True(t, ok)
	assert.False(t, g.Passed)

	var internal int
	for _, a := range f.store.Alerts() {
		if a.AlertType == domain.AlertInternalError {
			internal++
		}
	}
	assert.Equal(t, 1, internal)
}

func TestExecuteIsDeterministicAcrossStores(t *testing.T) {
	weights := map[string]string{"AAA": "0.07", "BBB": "0.03"}

	var hashes []string
	for i := 0; i < 2; i++ {
		f := setup(t, options{bars: true, snapshot: true})
		runID := f.openWithTargets(t, weights)
		res, err := f.exec.Execute(context.Background(), Options{RunID: runID})
		require.NoError(t, err)
		require.Equal(t, domain.TicketTrade, res.Decision)
		hashes = append(hashes, res.MaterialHash)
	}
	assert.Equal(t, hashes[0], hashes[1])
}

func TestClosedRunCannotExecuteAgain(t *testing.T) {
	ctx := context.Background()
	f := setup(t, options{bars: true, snapshot: true})
	runID := f.openWithTargets(t, map[string]string{"AAA": "0.05"})

	_, err := f.exec.Execute(ctx, Options{RunID: runID})
	require.NoError(t, err)

	_, err = f.exec.Execute(ctx, Options{RunID: runID})
	assert.True(t, errors.Is(err, persistence.ErrRunNotRunning), err)

	err = f.exec.Controller().Close(ctx, runID, domain.RunFailed)
	assert.True(t, errors.Is(err, persistence.ErrRunNotRunning), err)

	assert.Error(t, f.exec.Controller().Close(ctx, runID, domain.RunRunning))
}
