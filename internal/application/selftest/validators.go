package selftest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/application/pipeline"
	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/confirm"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/reconcile"
)

// ArtifactValidator checks exclusive and atomic artifact writes
type ArtifactValidator struct {
	dir string
}

// NewArtifactValidator creates an artifact validator rooted at dir
func NewArtifactValidator(dir string) *ArtifactValidator {
	return &ArtifactValidator{dir: dir}
}

// Name returns the validator name
func (av *ArtifactValidator) Name() string {
	return "Artifact Atomicity"
}

// Validate writes, rewrites and collides artifacts
func (av *ArtifactValidator) Validate(_ context.Context) TestResult {
	rec := newRecorder(av.Name())
	store := artifacts.New(av.dir)

	first := store.Path("reports", "probe.json")
	if err := artifacts.CreateExclusive(first, []byte(`{"probe":1}`)); err != nil {
		return rec.fail("exclusive create failed: %v", err)
	}
	err := artifacts.CreateExclusive(first, []byte(`{"probe":2}`))
	rec.check(errors.Is(err, os.ErrExist), "second exclusive create is refused")

	data, err := os.ReadFile(first)
	rec.check(err == nil && string(data) == `{"probe":1}`, "refused create leaves the original content")

	summary := store.Path("runs", "probe", "summary.json")
	for i := 0; i < 2; i++ {
		if err := artifacts.WriteJSONAtomic(summary, map[string]int{"write": i}); err != nil {
			return rec.fail("atomic write failed: %v", err)
		}
	}
	data, err = os.ReadFile(summary)
	rec.check(err == nil && strings.Contains(string(data), `"write": 1`), "atomic write replaces the previous version")

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(summary), "*.tmp*"))
	rec.check(len(leftovers) == 0, "no temp files remain after atomic writes")

	at := scenarioClock()
	a, errA := store.WriteReport("probe", scenarioAsOf, at, map[string]string{"n": "a"}, "a")
	b, errB := store.WriteReport("probe", scenarioAsOf, at, map[string]string{"n": "b"}, "b")
	rec.check(errA == nil && errB == nil && a.JSON != b.JSON, "colliding report names get distinct paths")

	return rec.done("artifact writes are exclusive and atomic")
}

// FailClosedValidator checks that missing market data blocks the run
type FailClosedValidator struct {
	dir string
}

// NewFailClosedValidator creates a fail-closed validator
func NewFailClosedValidator(dir string) *FailClosedValidator {
	return &FailClosedValidator{dir: dir}
}

// Name returns the validator name
func (fv *FailClosedValidator) Name() string {
	return "Fail Closed"
}

// Validate runs the pipeline without any price bars
func (fv *FailClosedValidator) Validate(ctx context.Context) TestResult {
	rec := newRecorder(fv.Name())

	sc, err := newScenario(ctx, fv.dir, scenarioOptions{snapshot: true})
	if err != nil {
		return rec.fail("scenario setup failed: %v", err)
	}
	res, err := sc.executor.Execute(ctx, pipeline.Options{AsOf: scenarioAsOf})
	if err != nil {
		return rec.fail("execute failed: %v", err)
	}

	rec.check(res.Status == domain.RunFailed, fmt.Sprintf("run closed %s", res.Status))
	rec.check(res.Decision == domain.TicketNoTrade, fmt.Sprintf("decision is %s", res.Decision))
	keys := domain.ReasonKeys(res.Reasons)
	rec.check(len(keys) == 1 && keys[0] == "DATA_QUALITY_FAIL", fmt.Sprintf("reasons %v", keys))
	rec.check(stageStatus(res, domain.CheckConfirmations) == pipeline.StagePass, "confirmations still evaluated")
	for _, stage := range []string{domain.CheckReconciliation, domain.CheckRiskGuard} {
		rec.check(stageStatus(res, stage) == pipeline.StageSkipped, stage+" skipped")
	}
	rec.check(len(sc.store.Alerts()) == 1, "one alert raised")
	_, statErr := os.Stat(res.Ticket.Markdown)
	rec.check(statErr == nil, "NO_TRADE ticket rendered")

	return rec.done("gate failure yields a NO_TRADE ticket")
}

// DeterminismValidator checks identical inputs yield the same ticket hash
type DeterminismValidator struct {
	dir string
}

// NewDeterminismValidator creates a determinism validator
func NewDeterminismValidator(dir string) *DeterminismValidator {
	return &DeterminismValidator{dir: dir}
}

// Name returns the validator name
func (dv *DeterminismValidator) Name() string {
	return "Deterministic Decision"
}

// Validate runs the same trade scenario on two independent stores
func (dv *DeterminismValidator) Validate(ctx context.Context) TestResult {
	rec := newRecorder(dv.Name())

	var hashes []string
	for i := 0; i < 2; i++ {
		sc, err := newScenario(ctx, filepath.Join(dv.dir, fmt.Sprintf("pass_%d", i)), scenarioOptions{bars: true, snapshot: true})
		if err != nil {
			return rec.fail("scenario setup failed: %v", err)
		}
		runID, err := sc.openWithTargets(ctx, "0.05", "BBB", "AAA")
		if err != nil {
			return rec.fail("open failed: %v", err)
		}
		res, err := sc.executor.Execute(ctx, pipeline.Options{RunID: runID})
		if err != nil {
			return rec.fail("execute failed: %v", err)
		}
		if !rec.check(res.Decision == domain.TicketTrade, fmt.Sprintf("pass %d decision %s", i, res.Decision)) {
			return rec.done("")
		}
		rec.check(len(res.Trades) == 2 && res.Trades[0].Symbol == "AAA", fmt.Sprintf("pass %d orders lines by symbol", i))
		hashes = append(hashes, res.MaterialHash)
	}

	rec.check(hashes[0] == hashes[1], fmt.Sprintf("material hash %s is stable", shortHash(hashes[0])))
	return rec.done("identical inputs produce identical tickets")
}

// ConfirmationLoopValidator checks trade, confirm, reconcile round trip
type ConfirmationLoopValidator struct {
	dir string
}

// NewConfirmationLoopValidator creates a confirmation loop validator
func NewConfirmationLoopValidator(dir string) *ConfirmationLoopValidator {
	return &ConfirmationLoopValidator{dir: dir}
}

// Name returns the validator name
func (cv *ConfirmationLoopValidator) Name() string {
	return "Confirmation Loop"
}

// Validate trades, blocks on the missing confirmation, confirms, then
// reconciles against a matching snapshot
func (cv *ConfirmationLoopValidator) Validate(ctx context.Context) TestResult {
	rec := newRecorder(cv.Name())

	sc, err := newScenario(ctx, cv.dir, scenarioOptions{bars: true, snapshot: true})
	if err != nil {
		return rec.fail("scenario setup failed: %v", err)
	}
	runID, err := sc.openWithTargets(ctx, "0.05", "AAA", "BBB")
	if err != nil {
		return rec.fail("open failed: %v", err)
	}
	first, err := sc.executor.Execute(ctx, pipeline.Options{RunID: runID})
	if err != nil {
		return rec.fail("first run failed: %v", err)
	}
	if !rec.check(first.Decision == domain.TicketTrade, "first run trades") {
		return rec.done("")
	}

	blocked, err := sc.executor.Execute(ctx, pipeline.Options{})
	if err != nil {
		return rec.fail("blocked run failed: %v", err)
	}
	keys := domain.ReasonKeys(blocked.Reasons)
	rec.check(len(keys) == 1 && keys[0] == "CONFIRMATION_MISSING", fmt.Sprintf("unconfirmed ticket blocks next run: %v", keys))

	filledAt := scenarioClock()
	fills := make([]confirm.FillInput, 0, len(first.Trades))
	for _, t := range first.Trades {
		fills = append(fills, confirm.FillInput{
			Sequence:       t.Sequence,
			Symbol:         t.Symbol,
			Side:           t.Side,
			ExecutedStatus: domain.FillDone,
			Units:          decimal.NewNullDecimal(decimal.NewFromInt(t.Units)),
			FillPrice:      decimal.NewNullDecimal(t.ReferencePrice),
			FilledAt:       &filledAt,
		})
	}
	payload, err := json.Marshal(confirm.Payload{Fills: fills})
	if err != nil {
		return rec.fail("encode payload: %v", err)
	}
	receipt, err := confirm.NewService(sc.repo, sc.ledger, sc.files).Ingest(ctx, first.TicketID, "selftest", payload)
	if err != nil {
		return rec.fail("confirmation rejected: %v", err)
	}
	rec.check(len(receipt.Outstanding) == 0, fmt.Sprintf("%d fills recorded, none outstanding", receipt.Fills))

	state, err := sc.ledger.Current(ctx)
	if err != nil {
		return rec.fail("ledger fold failed: %v", err)
	}
	rec.check(state.Cash.Equal(decimal.NewFromInt(9000)), fmt.Sprintf("ledger cash %s", state.Cash.StringFixed(2)))

	positions := make([]domain.SnapshotPosition, 0, len(state.Positions))
	for _, sym := range state.Symbols() {
		positions = append(positions, domain.SnapshotPosition{Symbol: sym, Units: state.Units(sym)})
	}
	err = sc.repo.Recon.AddSnapshot(ctx, domain.Snapshot{
		SnapshotID:   "selftest-after-fills",
		SnapshotDate: scenarioAsOf,
		Currency:     "GBP",
		Cash:         state.Cash,
		CreatedAt:    scenarioClock().Add(time.Minute),
		Positions:    positions,
	})
	if err != nil {
		return rec.fail("snapshot failed: %v", err)
	}

	next, err := sc.executor.Execute(ctx, pipeline.Options{})
	if err != nil {
		return rec.fail("follow-up run failed: %v", err)
	}
	rec.check(stageStatus(next, domain.CheckConfirmations) == pipeline.StagePass, "confirmation gate passes once confirmed")
	rec.check(stageStatus(next, domain.CheckReconciliation) == pipeline.StagePass, "ledger reconciles with the new snapshot")

	return rec.done("confirmed fills flow into the ledger and reconcile")
}

// ReconcileToleranceValidator checks the tolerance boundaries of reconciliation
type ReconcileToleranceValidator struct{}

// NewReconcileToleranceValidator creates a reconcile tolerance validator
func NewReconcileToleranceValidator() *ReconcileToleranceValidator {
	return &ReconcileToleranceValidator{}
}

// Name returns the validator name
func (rv *ReconcileToleranceValidator) Name() string {
	return "Reconcile Tolerance"
}

// Validate compares a ledger with snapshots inside and outside tolerance
func (rv *ReconcileToleranceValidator) Validate(_ context.Context) TestResult {
	rec := newRecorder(rv.Name())

	policy := config.Default().Reconcile
	state := ledger.State{
		Cash:      decimal.RequireFromString("1000.00"),
		Positions: map[string]decimal.Decimal{"AAA": decimal.NewFromInt(10)},
		FillCount: 1,
	}
	universe := []domain.UniverseEntry{{Symbol: "AAA", Enabled: true}}
	at := scenarioClock()

	snap := func(cash, units string) domain.Snapshot {
		return domain.Snapshot{
			SnapshotID:   "probe",
			SnapshotDate: scenarioAsOf,
			Currency:     "GBP",
			Cash:         decimal.RequireFromString(cash),
			Positions:    []domain.SnapshotPosition{{Symbol: "AAA", Units: decimal.RequireFromString(units)}},
		}
	}

	tol := config.Dec(policy.CashTolerance)
	inside := state.Cash.Add(tol)
	outside := state.Cash.Add(tol).Add(decimal.RequireFromString("0.01"))

	res := reconcile.Compare(state, snap(inside.String(), "10"), universe, policy, at)
	rec.check(res.Passed, fmt.Sprintf("cash diff %s at tolerance passes", res.CashDiffAbs.String()))

	res = reconcile.Compare(state, snap(outside.String(), "10"), universe, policy, at)
	rec.check(!res.Passed, fmt.Sprintf("cash diff %s beyond tolerance fails", res.CashDiffAbs.String()))

	res = reconcile.Compare(state, snap("1000.00", "11"), universe, policy, at)
	rec.check(!res.Passed, fmt.Sprintf("units diff %s fails", res.MaxUnitsDiff.String()))

	return rec.done("reconciliation honours configured tolerances")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
