// Package pipeline runs one dated decision: data quality, confirmation,
// reconciliation and risk guard gates, then exactly one ticket. Any gate
// failure fails closed to a NO_TRADE ticket; any error or panic still
// closes the run as failed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/alerts"
	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/gates/confirmation"
	"github.com/peterwi/project-f/internal/gates/dataquality"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/metrics"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/reconcile"
	"github.com/peterwi/project-f/internal/riskguard"
	"github.com/peterwi/project-f/internal/ticket"
)

// Stage statuses
const (
	StagePass    = "pass"
	StageFail    = "fail"
	StageSkipped = "skipped"
	StageError   = "error"
)

// Deps are the collaborators of an executor
type Deps struct {
	Repo        *persistence.Repository
	Ledger      *ledger.Service
	Store       *artifacts.Store
	Config      *config.Config
	Alerts      *alerts.Emitter
	Metrics     *metrics.Registry
	CodeVersion string
}

// Options select the run to execute
type Options struct {
	Today time.Time // Zero means now
	AsOf  time.Time // Optional override of the resolved as-of date
	RunID string    // Execute an already opened run instead of opening one
}

// StageResult is the outcome of one gate
type StageResult struct {
	Stage   string                `json:"stage"`
	Status  string                `json:"status"`
	Reasons []domain.Reason       `json:"reasons,omitempty"`
	Report  artifacts.ReportPaths `json:"report"`
	AlertID string                `json:"alert_id,omitempty"`
}

// Result summarises an executed run
type Result struct {
	RunID        string                   `json:"run_id"`
	AsOf         string                   `json:"asof_date"`
	Status       domain.RunStatus         `json:"status"`
	Decision     domain.TicketType        `json:"decision_type"`
	TicketID     string                   `json:"ticket_id"`
	MaterialHash string                   `json:"material_hash"`
	Reasons      []domain.Reason          `json:"reasons"`
	Stages       []StageResult            `json:"stages"`
	Trades       []domain.IntendedTrade   `json:"trades"`
	Suppressed   []domain.SuppressedTrade `json:"suppressed"`
	Ticket       ticket.Paths             `json:"ticket"`
	Alerts       []string                 `json:"alerts"`
	SummaryPath  string                   `json:"summary_path,omitempty"`
}

// Blocked reports whether the decision was forced to NO_TRADE by a gate
func (r *Result) Blocked() bool {
	return domain.AnyBlocking(r.Reasons)
}

// Executor runs the stage chain
type Executor struct {
	deps       Deps
	controller *Controller
	now        func() time.Time
}

// runState carries values between stages of one run
type runState struct {
	run     domain.Run
	res     *Result
	dq      dataquality.Report
	risk    *riskguard.Result
	current string
}

// NewExecutor creates an executor. A nil metrics registry gets a private one.
func NewExecutor(deps Deps) *Executor {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	return &Executor{
		deps:       deps,
		controller: NewController(deps.Repo.Runs),
		now:        time.Now,
	}
}

// WithClock overrides the time source of the executor and its controller
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	e.controller.WithClock(now)
	return e
}

// Controller exposes the run lifecycle
func (e *Executor) Controller() *Controller {
	return e.controller
}

// Execute runs every stage for one run. A returned error means the run
// hit an internal failure; the run is still closed as failed and a
// NO_TRADE ticket with INTERNAL_ERROR is rendered when possible.
func (e *Executor) Execute(ctx context.Context, opts Options) (res *Result, err error) {
	cfg := e.deps.Config
	today := opts.Today
	if today.IsZero() {
		today = e.now()
	}

	var run *domain.Run
	if opts.RunID != "" {
		if run, err = e.controller.Running(ctx, opts.RunID); err != nil {
			return nil, err
		}
		opts.AsOf = run.AsOfDate
	}

	report, dqErr := dataquality.NewGate(e.deps.Repo.Market, cfg.DataQuality).Check(ctx, today, opts.AsOf)
	if run == nil {
		asof := report.Resolution.AsOf
		if dqErr != nil {
			// provisional as-of; the run is closed failed below
			asof = opts.AsOf
			if asof.IsZero() {
				asof = domain.PriorWeekday(today)
			}
		}
		runID, err := e.controller.Open(ctx, asof, cfg.Fingerprint(), e.deps.CodeVersion)
		if err != nil {
			return nil, err
		}
		if run, err = e.deps.Repo.Runs.Get(ctx, runID); err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
		}
	}

	st := &runState{
		run: *run,
		dq:  report,
		res: &Result{
			RunID:      run.RunID,
			AsOf:       domain.FormatDate(run.AsOfDate),
			Status:     domain.RunRunning,
			Decision:   domain.TicketNoTrade,
			Reasons:    []domain.Reason{},
			Stages:     []StageResult{},
			Trades:     []domain.IntendedTrade{},
			Suppressed: []domain.SuppressedTrade{},
			Alerts:     []string{},
		},
	}
	res = st.res

	e.deps.Metrics.RunStarted()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("run_id", st.run.RunID).
				Str("stage", st.current).
				Str("stack", string(debug.Stack())).
				Msg("Pipeline panic recovered")
			err = fmt.Errorf("panic in %s stage: %v", st.current, r)
		}
		if err != nil {
			e.abort(ctx, st, err)
		}
		e.deps.Metrics.RunFinished(string(res.Status))
	}()

	if dqErr != nil {
		st.current = domain.CheckDataQuality
		return res, fmt.Errorf("data quality stage: %w", dqErr)
	}

	// Leading gates always run; later stages short-circuit on a block.
	steps := []struct {
		name    string
		leading bool
		fn      func(ctx context.Context, st *runState) (bool, error)
	}{
		{domain.CheckDataQuality, true, e.dataQualityStage},
		{domain.CheckConfirmations, true, e.confirmationStage},
		{domain.CheckReconciliation, false, e.reconcileStage},
		{domain.CheckRiskGuard, false, e.riskGuardStage},
	}

	blocked := false
	for _, step := range steps {
		if blocked && !step.leading {
			res.Stages = append(res.Stages, StageResult{Stage: step.name, Status: StageSkipped})
			continue
		}

		st.current = step.name
		timer := e.deps.Metrics.StartStage(step.name)
		passed, err := step.fn(ctx, st)
		if err != nil {
			timer.Stop(StageError)
			return res, fmt.Errorf("%s stage: %w", step.name, err)
		}
		if passed {
			timer.Stop(StagePass)
		} else {
			timer.Stop(StageFail)
			blocked = true
		}
	}

	st.current = "ticket"
	decision := ticket.Decision{Type: domain.TicketNoTrade, Reasons: res.Reasons}
	if st.risk != nil && st.risk.OK {
		decision = ticket.Decision{
			Type:       st.risk.DecisionType(),
			Trades:     st.risk.Trades,
			Reasons:    st.risk.DecisionReasons(),
			Suppressed: st.risk.Suppressed,
		}
	}
	if err := e.renderTicket(ctx, st, decision); err != nil {
		return res, fmt.Errorf("ticket stage: %w", err)
	}

	status := domain.RunSucceeded
	if blocked {
		status = domain.RunFailed
	}
	st.current = "close"
	if err := e.controller.Close(ctx, st.run.RunID, status); err != nil {
		return res, err
	}
	res.Status = status
	e.writeSummary(st)

	log.Info().
		Str("run_id", res.RunID).
		Str("asof", res.AsOf).
		Str("status", string(res.Status)).
		Str("decision", string(res.Decision)).
		Str("ticket_id", res.TicketID).
		Str("reasons", domain.JoinKeys(res.Reasons)).
		Msg("Run finished")

	return res, nil
}

func (e *Executor) dataQualityStage(ctx context.Context, st *runState) (bool, error) {
	rep := st.dq
	paths, err := e.deps.Store.WriteReport("data_quality", st.run.AsOfDate, e.now(), rep, rep.Markdown())
	if err != nil {
		return false, err
	}
	if err := e.recordGate(ctx, st, domain.CheckDataQuality, rep.Passed, rep, paths); err != nil {
		return false, err
	}

	stage := StageResult{Stage: domain.CheckDataQuality, Status: StagePass, Report: paths}
	if !rep.Passed {
		stage.Status = StageFail
		stage.Reasons = rep.Reasons()
		stage.AlertID = e.alert(ctx, st, alerts.Input{
			Type:    domain.AlertDataQualityFail,
			RunID:   st.run.RunID,
			Summary: fmt.Sprintf("Data quality failed for %s: %s", rep.AsOf, strings.Join(rep.Flags.Raised(), ", ")),
			Details: map[string]interface{}{
				"flags":              rep.Flags,
				"coverage_pct":       rep.CoveragePct.String(),
				"missing_symbols":    rep.MissingSymbols,
				"missing_benchmarks": rep.MissingBenchmarks,
			},
			ArtifactPaths: []string{paths.JSON, paths.Markdown},
		})
	}
	e.addStage(st, stage)
	return rep.Passed, nil
}

func (e *Executor) confirmationStage(ctx context.Context, st *runState) (bool, error) {
	gate := confirmation.NewGate(e.deps.Repo.Tickets, e.deps.Repo.Trades, e.deps.Repo.Ledger)
	result, err := gate.Check(ctx, st.run.RunID)
	if err != nil {
		return false, err
	}

	paths, err := e.deps.Store.WriteReport("confirmations", st.run.AsOfDate, e.now(), result, result.Markdown())
	if err != nil {
		return false, err
	}
	if err := e.recordGate(ctx, st, domain.CheckConfirmations, result.Passed, result, paths); err != nil {
		return false, err
	}

	stage := StageResult{Stage: domain.CheckConfirmations, Status: StagePass, Report: paths}
	if !result.Passed {
		stage.Status = StageFail
		stage.Reasons = result.Reasons()
		stage.AlertID = e.alert(ctx, st, alerts.Input{
			Type:     domain.AlertConfirmationMissing,
			RunID:    st.run.RunID,
			TicketID: result.TicketID,
			Summary: fmt.Sprintf("Ticket %s has %d of %d lines confirmed",
				result.TicketID, result.FillCount, result.IntendedCount),
			Details:       result,
			ArtifactPaths: []string{paths.JSON, paths.Markdown},
		})
	}
	e.addStage(st, stage)
	return result.Passed, nil
}

func (e *Executor) reconcileStage(ctx context.Context, st *runState) (bool, error) {
	engine := reconcile.NewEngine(e.deps.Repo, e.deps.Ledger, e.deps.Store, e.deps.Config.Reconcile,
		st.run.ConfigHash, e.deps.CodeVersion).WithClock(e.now)
	out, err := engine.Reconcile(ctx, st.run.AsOfDate, st.run.RunID)
	if err != nil {
		return false, err
	}
	if err := e.recordGate(ctx, st, domain.CheckReconciliation, out.Passed, out, out.Report); err != nil {
		return false, err
	}

	stage := StageResult{Stage: domain.CheckReconciliation, Status: StagePass, Report: out.Report}
	if !out.Passed {
		stage.Status = StageFail
		stage.Reasons = out.Reasons
		summary := "Reconciliation failed: " + domain.JoinKeys(out.Reasons)
		if len(out.Reasons) > 0 {
			summary = out.Reasons[0].Message
		}
		stage.AlertID = e.alert(ctx, st, alerts.Input{
			Type:          domain.AlertReconciliationFail,
			RunID:         st.run.RunID,
			Summary:       summary,
			Details:       out.Reasons,
			ArtifactPaths: []string{out.Report.JSON, out.Report.Markdown},
		})
	}
	e.addStage(st, stage)
	return out.Passed, nil
}

func (e *Executor) riskGuardStage(ctx context.Context, st *runState) (bool, error) {
	cfg := e.deps.Config
	guard := riskguard.NewGuard(e.deps.Repo, e.deps.Ledger, riskguard.PolicyFrom(cfg), cfg.Targets.Source, cfg.Account.BaseCurrency)
	result, err := guard.Evaluate(ctx, st.run.RunID, st.run.AsOfDate)
	if err != nil {
		return false, err
	}
	st.risk = &result
	e.deps.Metrics.RecordPortfolio(result.PortfolioValue, result.Drawdown)

	paths, err := e.deps.Store.WriteReport("riskguard", st.run.AsOfDate, e.now(), result, result.Markdown())
	if err != nil {
		return false, err
	}
	if err := e.recordGate(ctx, st, domain.CheckRiskGuard, result.OK, result, paths); err != nil {
		return false, err
	}

	stage := StageResult{Stage: domain.CheckRiskGuard, Status: StagePass, Report: paths}
	if !result.OK {
		stage.Status = StageFail
		stage.Reasons = result.Reasons
		stage.AlertID = e.alert(ctx, st, alerts.Input{
			Type:          domain.AlertRiskGuardBlocked,
			RunID:         st.run.RunID,
			Summary:       "Risk guard blocked the batch: " + domain.JoinKeys(result.Reasons),
			Details:       result.Reasons,
			ArtifactPaths: []string{paths.JSON, paths.Markdown},
		})
	}
	e.addStage(st, stage)
	return result.OK, nil
}

func (e *Executor) addStage(st *runState, stage StageResult) {
	st.res.Stages = append(st.res.Stages, stage)
	st.res.Reasons = append(st.res.Reasons, stage.Reasons...)
	if stage.AlertID != "" {
		st.res.Alerts = append(st.res.Alerts, stage.AlertID)
	}
}

func (e *Executor) recordGate(ctx context.Context, st *runState, check string, passed bool, detail interface{}, paths artifacts.ReportPaths) error {
	details, err := json.Marshal(map[string]interface{}{
		"result": detail,
		"report": paths,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s gate details: %w", check, err)
	}
	err = e.deps.Repo.Gates.Record(ctx, domain.GateResult{
		RunID:     st.run.RunID,
		CheckName: check,
		Passed:    passed,
		Details:   details,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record %s gate: %w", check, err)
	}
	e.deps.Metrics.RecordGate(check, passed)
	return nil
}

// alert emits and returns the alert id; a failed emit is logged and yields ""
func (e *Executor) alert(ctx context.Context, st *runState, in alerts.Input) string {
	if e.deps.Alerts == nil {
		return ""
	}
	out, err := e.deps.Alerts.Emit(ctx, in)
	if err != nil {
		log.Error().Err(err).Str("run_id", st.run.RunID).Str("alert_type", string(in.Type)).Msg("Alert emit failed")
		return ""
	}
	e.deps.Metrics.RecordAlert(string(in.Type))
	for _, d := range out.Deliveries {
		e.deps.Metrics.RecordDelivery(d.Sink, string(d.Status))
	}
	return out.Alert.AlertID
}

func (e *Executor) gateStatuses(st *runState) []ticket.GateStatus {
	statuses := make([]ticket.GateStatus, 0, len(st.res.Stages))
	for _, s := range st.res.Stages {
		statuses = append(statuses, ticket.GateStatus{
			Check:  s.Stage,
			Passed: s.Status == StagePass,
			Note:   noteFor(s),
		})
	}
	return statuses
}

func noteFor(s StageResult) string {
	if s.Status == StageSkipped {
		return "not evaluated"
	}
	if len(s.Reasons) > 0 {
		return domain.JoinKeys(s.Reasons)
	}
	return ""
}

// renderTicket renders, writes and upserts the run's single ticket,
// keeping the id of a ticket already stored for the run
func (e *Executor) renderTicket(ctx context.Context, st *runState, decision ticket.Decision) error {
	ticketID := ""
	existing, err := e.deps.Repo.Tickets.GetByRun(ctx, st.run.RunID)
	switch {
	case err == nil && existing != nil:
		ticketID = existing.TicketID
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return fmt.Errorf("failed to look up ticket for run %s: %w", st.run.RunID, err)
	}

	rendered, err := ticket.Render(ticket.Input{
		Run:        st.run,
		TicketID:   ticketID,
		Decision:   decision,
		Gates:      e.gateStatuses(st),
		Options:    ticket.Options{ExecutionWindow: e.deps.Config.Execution.Window, Currency: e.deps.Config.Account.BaseCurrency},
		RenderedAt: e.now(),
	})
	if err != nil {
		return err
	}
	paths, err := ticket.Write(e.deps.Store, rendered)
	if err != nil {
		return err
	}
	stored, err := e.deps.Repo.Tickets.Upsert(ctx, rendered.Ticket)
	if err != nil {
		return fmt.Errorf("failed to store ticket: %w", err)
	}
	if decision.Type == domain.TicketTrade {
		if err := e.deps.Repo.Trades.LinkTicket(ctx, st.run.RunID, stored.TicketID); err != nil {
			return fmt.Errorf("failed to link trades to ticket: %w", err)
		}
	}

	res := st.res
	res.Decision = decision.Type
	res.TicketID = stored.TicketID
	res.MaterialHash = rendered.Ticket.MaterialHash
	res.Ticket = paths
	res.Trades = append([]domain.IntendedTrade{}, decision.Trades...)
	res.Suppressed = append([]domain.SuppressedTrade{}, decision.Suppressed...)
	if decision.Type == domain.TicketNoTrade {
		res.Reasons = append([]domain.Reason{}, decision.Reasons...)
	}
	e.deps.Metrics.RecordDecision(string(decision.Type), len(decision.Trades))

	log.Info().
		Str("run_id", st.run.RunID).
		Str("ticket_id", stored.TicketID).
		Str("decision", string(decision.Type)).
		Str("material_hash", rendered.Ticket.MaterialHash).
		Str("path", paths.Markdown).
		Msg("Ticket rendered")

	return nil
}

// abort is the best-effort failure path: INTERNAL_ERROR ticket, alert and
// a failed run. Each step is attempted even if an earlier one fails.
func (e *Executor) abort(ctx context.Context, st *runState, cause error) {
	res := st.res
	log.Error().Err(cause).Str("run_id", st.run.RunID).Str("stage", st.current).Msg("Run aborted")

	if isGate(st.current) && !hasStage(res, st.current) {
		details, _ := json.Marshal(map[string]string{"error": cause.Error()})
		err := e.deps.Repo.Gates.Record(ctx, domain.GateResult{
			RunID: st.run.RunID, CheckName: st.current, Passed: false, Details: details, CreatedAt: e.now().UTC(),
		})
		if err != nil && !errors.Is(err, persistence.ErrGateResultExists) {
			log.Error().Err(err).Str("run_id", st.run.RunID).Msg("Failed to record errored gate")
		}
		res.Stages = append(res.Stages, StageResult{Stage: st.current, Status: StageError})
	}

	internal := domain.Reason{
		Code:    domain.ReasonInternalError,
		Message: fmt.Sprintf("%s failed: %v", st.current, cause),
		Detail:  map[string]interface{}{"stage": st.current},
	}
	reasons := append(append([]domain.Reason{}, res.Reasons...), internal)

	if err := e.deps.Repo.Trades.ReplaceIntended(ctx, st.run.RunID, nil); err != nil {
		log.Error().Err(err).Str("run_id", st.run.RunID).Msg("Failed to clear intended trades")
	}
	if err := e.renderTicket(ctx, st, ticket.Decision{Type: domain.TicketNoTrade, Reasons: reasons}); err != nil {
		log.Error().Err(err).Str("run_id", st.run.RunID).Msg("Failed to render INTERNAL_ERROR ticket")
		res.Decision = domain.TicketNoTrade
		res.Reasons = reasons
	}

	if id := e.alert(ctx, st, alerts.Input{
		Type:     domain.AlertInternalError,
		RunID:    st.run.RunID,
		TicketID: res.TicketID,
		Summary:  internal.Message,
		Details:  map[string]interface{}{"stage": st.current, "error": cause.Error()},
	}); id != "" {
		res.Alerts = append(res.Alerts, id)
	}

	if err := e.controller.Close(ctx, st.run.RunID, domain.RunFailed); err != nil && !errors.Is(err, persistence.ErrRunNotRunning) {
		log.Error().Err(err).Str("run_id", st.run.RunID).Msg("Failed to close run")
	}
	res.Status = domain.RunFailed
	e.writeSummary(st)
}

func (e *Executor) writeSummary(st *runState) {
	path := e.deps.Store.Path("runs", st.run.RunID, "summary.json")
	if err := artifacts.WriteJSONAtomic(path, st.res); err != nil {
		log.Warn().Err(err).Str("run_id", st.run.RunID).Msg("Failed to write run summary")
		return
	}
	st.res.SummaryPath = path
}

func isGate(stage string) bool {
	switch stage {
	case domain.CheckDataQuality, domain.CheckConfirmations, domain.CheckReconciliation, domain.CheckRiskGuard:
		return true
	}
	return false
}

func hasStage(res *Result, stage string) bool {
	for _, s := range res.Stages {
		if s.Stage == stage {
			return true
		}
	}
	return false
}
