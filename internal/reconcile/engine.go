package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
)

// Outcome is one reconciliation invocation
type Outcome struct {
	Passed   bool                         `json:"passed"`
	AsOf     string                       `json:"asof_date"`
	Snapshot *domain.Snapshot             `json:"snapshot,omitempty"`
	Result   *domain.ReconciliationResult `json:"result,omitempty"`
	Genesis  bool                         `json:"genesis"`
	Reasons  []domain.Reason              `json:"reasons"`
	Report   artifacts.ReportPaths        `json:"report"`
}

// Engine runs reconciliation against the stores
type Engine struct {
	repo        *persistence.Repository
	ledger      *ledger.Service
	store       *artifacts.Store
	policy      config.ReconcileConfig
	configHash  string
	codeVersion string
	now         func() time.Time
}

// NewEngine creates a reconciliation engine
func NewEngine(repo *persistence.Repository, ledgerSvc *ledger.Service, store *artifacts.Store, policy config.ReconcileConfig, configHash, codeVersion string) *Engine {
	return &Engine{
		repo:        repo,
		ledger:      ledgerSvc,
		store:       store,
		policy:      policy,
		configHash:  configHash,
		codeVersion: codeVersion,
		now:         time.Now,
	}
}

// WithClock overrides the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reconcile compares the ledger with the latest usable snapshot for asof.
// runID links the persisted result to a run and may be empty.
func (e *Engine) Reconcile(ctx context.Context, asof time.Time, runID string) (Outcome, error) {
	asof = domain.DateOf(asof)
	out := Outcome{AsOf: domain.FormatDate(asof), Reasons: []domain.Reason{}}

	snap, err := e.repo.Recon.LatestSnapshot(ctx, asof)
	if err != nil {
		return out, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if snap == nil {
		return e.required(out, asof, "No snapshot on or before the as-of date. Capture one with `snapshot add`.")
	}
	if days := int(asof.Sub(domain.DateOf(snap.SnapshotDate)).Hours() / 24); e.policy.MaxSnapshotAgeDays > 0 && days > e.policy.MaxSnapshotAgeDays {
		out.Snapshot = snap
		return e.required(out, asof, fmt.Sprintf("Latest snapshot %s is %d days old (limit %d). Capture a fresh one.",
			snap.SnapshotID, days, e.policy.MaxSnapshotAgeDays))
	}
	out.Snapshot = snap

	state, err := e.ledger.Current(ctx)
	if err != nil {
		return out, err
	}

	if state.Empty() && e.policy.AllowGenesis {
		applied, err := e.applyGenesis(ctx, *snap, state)
		if err != nil {
			return out, err
		}
		if applied {
			out.Genesis = true
			if state, err = e.ledger.Current(ctx); err != nil {
				return out, err
			}
		}
	}

	universe, err := e.repo.Market.Universe(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to load universe: %w", err)
	}

	res := Compare(state, *snap, universe, e.policy, e.now())
	res.Genesis = out.Genesis
	if runID != "" {
		id := runID
		res.RunID = &id
	}

	report, err := e.store.WriteReport("reconcile", asof, e.now(), res, Markdown(res, snap, asof, ""))
	if err != nil {
		return out, fmt.Errorf("failed to write reconciliation report: %w", err)
	}
	res.ReportPath = report.JSON
	out.Report = report

	if err := e.repo.Recon.RecordResult(ctx, res); err != nil {
		return out, fmt.Errorf("failed to record reconciliation result: %w", err)
	}

	out.Result = &res
	out.Passed = res.Passed
	if !res.Passed {
		out.Reasons = append(out.Reasons, domain.Reason{
			Code:    domain.ReasonReconciliationFail,
			Message: "Ledger does not match snapshot " + snap.SnapshotID + ": " + joinFailures(res),
			Detail: map[string]interface{}{
				"snapshot_id":     snap.SnapshotID,
				"cash_diff":       res.CashDiffAbs.String(),
				"max_units_diff":  res.MaxUnitsDiff.String(),
				"unknown_symbols": res.UnknownSymbols,
			},
		})
	}

	log.Info().
		Str("asof", out.AsOf).
		Str("snapshot_id", snap.SnapshotID).
		Bool("passed", res.Passed).
		Bool("genesis", res.Genesis).
		Str("cash_diff", res.CashDiffAbs.String()).
		Str("max_units_diff", res.MaxUnitsDiff.String()).
		Msg("Reconciliation evaluated")

	return out, nil
}

func (e *Engine) required(out Outcome, asof time.Time, note string) (Outcome, error) {
	report, err := e.store.WriteReport("reconcile", asof, e.now(), out, Markdown(domain.ReconciliationResult{}, nil, asof, note))
	if err != nil {
		return out, fmt.Errorf("failed to write reconciliation report: %w", err)
	}
	out.Report = report
	out.Reasons = append(out.Reasons, domain.Reason{
		Code:    domain.ReasonReconciliationRequired,
		Message: note,
	})
	log.Warn().Str("asof", out.AsOf).Msg("Reconciliation snapshot missing or stale")
	return out, nil
}

func (e *Engine) applyGenesis(ctx context.Context, snap domain.Snapshot, state ledger.State) (bool, error) {
	plan, err := PlanGenesis(snap, state, e.configHash, e.codeVersion, e.now())
	if err != nil {
		return false, err
	}

	err = e.repo.Recon.ApplyGenesis(ctx, plan)
	if errors.Is(err, persistence.ErrGenesisAlreadyApplied) {
		log.Warn().Str("snapshot_id", snap.SnapshotID).Msg("Genesis skipped: ledger already has history")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply genesis: %w", err)
	}
	e.ledger.Invalidate(ctx)

	log.Info().
		Str("snapshot_id", snap.SnapshotID).
		Str("ticket_id", plan.Ticket.TicketID).
		Int("fills", len(plan.Fills)).
		Msg("Genesis bootstrap applied")

	return true, nil
}

func joinFailures(res domain.ReconciliationResult) string {
	failures := Failures(res)
	if len(failures) == 0 {
		return "no detail"
	}
	out := failures[0]
	for _, f := range failures[1:] {
		out += "; " + f
	}
	return out
}
