// Package riskguard turns portfolio targets into an ordered batch of whole
// share order lines and vetoes the batch when any policy limit is breached.
package riskguard

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

// Policy holds the limits the builder enforces, as exact decimals
type Policy struct {
	MaxPositions      int
	MaxPositionWeight decimal.Decimal
	MinCashBuffer     decimal.Decimal
	MaxTurnover       decimal.Decimal
	KillSwitch        bool
	MaxDrawdown       decimal.Decimal
	MinNotional       decimal.Decimal
	MinNotionalPct    decimal.Decimal
	OrderType         string
	MaxSlippageBps    int
}

// PolicyFrom reads the builder policy from configuration
func PolicyFrom(cfg *config.Config) Policy {
	return Policy{
		MaxPositions:      cfg.Portfolio.MaxPositions,
		MaxPositionWeight: config.Dec(cfg.Portfolio.MaxPositionWeight),
		MinCashBuffer:     config.Dec(cfg.Portfolio.MinCashBuffer),
		MaxTurnover:       config.Dec(cfg.Portfolio.MaxTurnoverPerRebalance),
		KillSwitch:        cfg.Risk.KillSwitch.Enabled,
		MaxDrawdown:       config.Dec(cfg.Risk.KillSwitch.MaxDrawdown),
		MinNotional:       config.Dec(cfg.Trading.MinNotional),
		MinNotionalPct:    config.Dec(cfg.Trading.MinNotionalPct),
		OrderType:         cfg.Trading.OrderType,
		MaxSlippageBps:    cfg.Trading.MaxSlippageBps,
	}
}

// Input is everything the builder reads
type Input struct {
	RunID         string
	AsOf          time.Time
	Targets       []domain.PortfolioTarget
	Prices        map[string]decimal.Decimal // Close on the as-of date
	Ledger        ledger.State
	Universe      []domain.UniverseEntry
	HighWaterMark decimal.Decimal // Zero when no mark exists
}

// Plan is the per-symbol sizing detail
type Plan struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	CurrentUnits   decimal.Decimal `json:"current_units"`
	CurrentValue   decimal.Decimal `json:"current_value"`
	TargetValue    decimal.Decimal `json:"target_value"`
	Delta          decimal.Decimal `json:"delta"`
	PostUnits      decimal.Decimal `json:"post_units"`
	PostWeight     decimal.Decimal `json:"post_weight"`
	TradedUnits    int64           `json:"traded_units"`
	TradedNotional decimal.Decimal `json:"traded_notional"`
}

// Result is the builder outcome
type Result struct {
	OK             bool                     `json:"ok"`
	Trades         []domain.IntendedTrade   `json:"trades"`
	Proposed       []domain.IntendedTrade   `json:"proposed"`
	Reasons        []domain.Reason          `json:"reasons"`
	Suppressed     []domain.SuppressedTrade `json:"suppressed"`
	Plans          []Plan                   `json:"plans"`
	PortfolioValue decimal.Decimal          `json:"portfolio_value"`
	PostTradeCash  decimal.Decimal          `json:"post_trade_cash"`
	Turnover       decimal.Decimal          `json:"turnover"`
	Drawdown       decimal.Decimal          `json:"drawdown"`
	MinNotional    decimal.Decimal          `json:"effective_min_notional"`
}

// DecisionType maps the result onto a ticket type
func (r Result) DecisionType() domain.TicketType {
	if r.OK && len(r.Trades) > 0 {
		return domain.TicketTrade
	}
	return domain.TicketNoTrade
}

// DecisionReasons returns the reasons a ticket should carry
func (r Result) DecisionReasons() []domain.Reason {
	if !r.OK {
		return r.Reasons
	}
	if len(r.Trades) == 0 {
		return []domain.Reason{{
			Code:    domain.ReasonNoRebalance,
			Message: "Portfolio is within tolerance of its targets; nothing to trade",
		}}
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// Build sizes and validates the batch. It performs no I/O and is
// deterministic for a given input.
func Build(in Input, p Policy) Result {
	res := Result{
		Trades:     []domain.IntendedTrade{},
		Proposed:   []domain.IntendedTrade{},
		Reasons:    []domain.Reason{},
		Suppressed: []domain.SuppressedTrade{},
		Plans:      []Plan{},
	}

	// 1. Inputs
	if len(in.Targets) == 0 {
		return res.block(domain.Reason{
			Code:    domain.ReasonTargetsMissing,
			Message: fmt.Sprintf("No portfolio targets for run %s", in.RunID),
		})
	}
	asof := domain.DateOf(in.AsOf)
	var mismatched []string
	targets := make(map[string]domain.PortfolioTarget, len(in.Targets))
	for _, t := range in.Targets {
		if !domain.DateOf(t.AsOfDate).Equal(asof) {
			mismatched = append(mismatched, t.Symbol)
		}
		targets[t.Symbol] = t
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return res.block(domain.Reason{
			Code:    domain.ReasonTargetsAsOfMismatch,
			Message: fmt.Sprintf("Targets not dated %s: %s", domain.FormatDate(asof), strings.Join(mismatched, ", ")),
			Detail:  map[string]interface{}{"symbols": mismatched},
		})
	}

	symbols := unionSymbols(targets, in.Ledger.Positions)
	var unpriced []string
	for _, sym := range symbols {
		if px, ok := in.Prices[sym]; !ok || !px.IsPositive() {
			unpriced = append(unpriced, sym)
		}
	}
	if len(unpriced) > 0 {
		return res.block(domain.Reason{
			Code:    domain.ReasonPricesMissing,
			Message: fmt.Sprintf("No close price on %s for: %s", domain.FormatDate(asof), strings.Join(unpriced, ", ")),
			Detail:  map[string]interface{}{"symbols": unpriced},
		})
	}

	// 2. Valuation
	pv := in.Ledger.Cash
	for _, sym := range symbols {
		pv = pv.Add(in.Ledger.Units(sym).Mul(in.Prices[sym]))
	}
	res.PortfolioValue = pv
	if !pv.IsPositive() {
		return res.block(limit(domain.LimitPortfolioZero,
			fmt.Sprintf("Portfolio value %s is not positive", pv.StringFixed(2)), nil))
	}

	res.MinNotional = p.MinNotional
	if p.MinNotionalPct.IsPositive() {
		if pct := p.MinNotionalPct.Mul(pv); pct.LessThan(res.MinNotional) {
			res.MinNotional = pct
		}
	}

	plans := make(map[string]*Plan, len(symbols))
	for _, sym := range symbols {
		px := in.Prices[sym]
		units := in.Ledger.Units(sym)
		plan := &Plan{
			Symbol:         sym,
			Price:          px,
			CurrentUnits:   units,
			CurrentValue:   units.Mul(px),
			TargetValue:    decimal.Zero,
			PostUnits:      units,
			TradedNotional: decimal.Zero,
		}
		if t, ok := targets[sym]; ok {
			if t.TargetValue.Valid {
				plan.TargetValue = t.TargetValue.Decimal
			} else {
				plan.TargetValue = t.TargetWeight.Mul(pv)
			}
		}
		plan.Delta = plan.TargetValue.Sub(plan.CurrentValue)
		plans[sym] = plan
	}

	// 3-4. Sizing: sells first so their proceeds fund buys
	cash := in.Ledger.Cash
	for _, sym := range symbols {
		plan := plans[sym]
		if !plan.Delta.IsNegative() {
			continue
		}
		held := plan.CurrentUnits.Floor()
		units := plan.Delta.Abs().Div(plan.Price).Floor()
		if units.GreaterThan(held) {
			units = held
		}
		if !units.IsPositive() {
			res.suppress(plan, domain.SideSell, 0, domain.SuppressedRoundedToZero)
			continue
		}
		notional := units.Mul(plan.Price)
		if notional.LessThan(res.MinNotional) {
			res.suppress(plan, domain.SideSell, units.IntPart(), domain.SuppressedBelowMinNotional)
			continue
		}
		res.keep(in, p, plan, domain.SideSell, units)
		cash = cash.Add(notional)
	}
	for _, sym := range symbols {
		plan := plans[sym]
		if !plan.Delta.IsPositive() {
			continue
		}
		want := plan.Delta
		capped := false
		if want.GreaterThan(cash) {
			want = decimal.Max(cash, decimal.Zero)
			capped = true
		}
		units := want.Div(plan.Price).Floor()
		if !units.IsPositive() {
			reason := domain.SuppressedRoundedToZero
			if capped && plan.Delta.Div(plan.Price).Floor().IsPositive() {
				reason = domain.SuppressedCashLimited
			}
			res.suppress(plan, domain.SideBuy, 0, reason)
			continue
		}
		notional := units.Mul(plan.Price)
		if notional.LessThan(res.MinNotional) {
			reason := domain.SuppressedBelowMinNotional
			if capped {
				reason = domain.SuppressedCashLimited
			}
			res.suppress(plan, domain.SideBuy, units.IntPart(), reason)
			continue
		}
		res.keep(in, p, plan, domain.SideBuy, units)
		cash = cash.Sub(notional)
	}
	res.PostTradeCash = cash

	// 6. Ordering
	sort.SliceStable(res.Proposed, func(i, j int) bool {
		a, b := res.Proposed[i], res.Proposed[j]
		if a.Side != b.Side {
			return a.Side == domain.SideSell
		}
		return a.Symbol < b.Symbol
	})
	for i := range res.Proposed {
		res.Proposed[i].Sequence = i + 1
	}

	for _, sym := range symbols {
		plan := plans[sym]
		plan.PostWeight = plan.PostUnits.Mul(plan.Price).Div(pv).Round(6)
		res.Plans = append(res.Plans, *plan)
	}

	// 5. Limits
	res.Reasons = checkLimits(in, p, &res, plans, symbols)
	if len(res.Reasons) > 0 {
		return res
	}

	res.OK = true
	res.Trades = append(res.Trades, res.Proposed...)
	return res
}

func checkLimits(in Input, p Policy, res *Result, plans map[string]*Plan, symbols []string) []domain.Reason {
	var reasons []domain.Reason
	pv := res.PortfolioValue

	if p.KillSwitch && in.HighWaterMark.IsPositive() {
		res.Drawdown = in.HighWaterMark.Sub(pv).Div(in.HighWaterMark).Round(6)
		if res.Drawdown.GreaterThanOrEqual(p.MaxDrawdown) {
			reasons = append(reasons, limit(domain.LimitKillSwitch,
				fmt.Sprintf("Drawdown %s%% from high-water mark %s reaches the %s%% kill switch",
					res.Drawdown.Mul(hundred).StringFixed(2), in.HighWaterMark.StringFixed(2), p.MaxDrawdown.Mul(hundred).StringFixed(2)),
				map[string]interface{}{"drawdown": res.Drawdown.String(), "high_water_mark": in.HighWaterMark.String()}))
		}
	}

	held := 0
	var overweight []string
	for _, sym := range symbols {
		plan := plans[sym]
		if plan.PostUnits.IsPositive() {
			held++
		}
		// A residue smaller than one whole share cannot be traded away
		excess := plan.PostUnits.Mul(plan.Price).Sub(plan.Price).Div(pv)
		if plan.PostWeight.GreaterThan(p.MaxPositionWeight) && excess.GreaterThan(p.MaxPositionWeight) {
			overweight = append(overweight, sym)
		}
	}
	if held > p.MaxPositions {
		reasons = append(reasons, limit(domain.LimitMaxPositions,
			fmt.Sprintf("%d positions after trading exceeds the limit of %d", held, p.MaxPositions),
			map[string]interface{}{"positions": held, "limit": p.MaxPositions}))
	}
	if len(overweight) > 0 {
		reasons = append(reasons, limit(domain.LimitMaxPositionWeight,
			fmt.Sprintf("Weight above %s%% after trading: %s", p.MaxPositionWeight.Mul(hundred).StringFixed(2), strings.Join(overweight, ", ")),
			map[string]interface{}{"symbols": overweight}))
	}

	hasBuy := false
	var untradable []string
	gross := decimal.Zero
	enabled := make(map[string]bool, len(in.Universe))
	for _, u := range in.Universe {
		enabled[u.Symbol] = u.Enabled
	}
	for _, t := range res.Proposed {
		gross = gross.Add(t.Notional)
		if t.Side == domain.SideBuy {
			hasBuy = true
			if !enabled[t.Symbol] {
				untradable = append(untradable, t.Symbol)
			}
		}
	}

	if len(untradable) > 0 {
		reasons = append(reasons, limit(domain.LimitNotTradable,
			"BUY for symbols not enabled in the universe: "+strings.Join(untradable, ", "),
			map[string]interface{}{"symbols": untradable}))
	}

	if hasBuy {
		cashShare := res.PostTradeCash.Div(pv)
		if cashShare.LessThan(p.MinCashBuffer) {
			reasons = append(reasons, limit(domain.LimitCashBuffer,
				fmt.Sprintf("Cash after trading is %s%% of portfolio, below the %s%% buffer",
					cashShare.Mul(hundred).StringFixed(2), p.MinCashBuffer.Mul(hundred).StringFixed(2)),
				map[string]interface{}{"post_trade_cash": res.PostTradeCash.String()}))
		}
	}

	res.Turnover = gross.Div(pv.Mul(decimal.NewFromInt(2))).Round(6)
	if res.Turnover.GreaterThan(p.MaxTurnover) {
		reasons = append(reasons, limit(domain.LimitTurnoverCap,
			fmt.Sprintf("Turnover %s%% exceeds the %s%% cap", res.Turnover.Mul(hundred).StringFixed(2), p.MaxTurnover.Mul(hundred).StringFixed(2)),
			map[string]interface{}{"turnover": res.Turnover.String(), "gross_notional": gross.String()}))
	}

	return reasons
}

func (r *Result) keep(in Input, p Policy, plan *Plan, side domain.Side, units decimal.Decimal) {
	notional := units.Mul(plan.Price)
	r.Proposed = append(r.Proposed, domain.IntendedTrade{
		RunID:          in.RunID,
		Symbol:         plan.Symbol,
		Side:           side,
		Units:          units.IntPart(),
		Notional:       notional,
		OrderType:      p.OrderType,
		ReferencePrice: plan.Price,
		MaxSlippageBps: p.MaxSlippageBps,
	})
	plan.TradedUnits = units.IntPart()
	plan.TradedNotional = notional
	if side == domain.SideSell {
		plan.PostUnits = plan.CurrentUnits.Sub(units)
	} else {
		plan.PostUnits = plan.CurrentUnits.Add(units)
	}
}

func (r *Result) suppress(plan *Plan, side domain.Side, units int64, reason domain.SuppressionReason) {
	r.Suppressed = append(r.Suppressed, domain.SuppressedTrade{
		Symbol:         plan.Symbol,
		Side:           side,
		DeltaNotional:  plan.Delta,
		Units:          units,
		Notional:       decimal.NewFromInt(units).Mul(plan.Price),
		ReferencePrice: plan.Price,
		Reason:         reason,
	})
}

func (r Result) block(reason domain.Reason) Result {
	r.Reasons = append(r.Reasons, reason)
	return r
}

func limit(sub, message string, detail map[string]interface{}) domain.Reason {
	return domain.Reason{
		Code:    domain.ReasonRiskLimitViolation,
		SubCode: sub,
		Message: message,
		Detail:  detail,
	}
}

func unionSymbols(targets map[string]domain.PortfolioTarget, held map[string]decimal.Decimal) []string {
	set := make(map[string]bool, len(targets)+len(held))
	for sym := range targets {
		set[sym] = true
	}
	for sym, units := range held {
		if !units.IsZero() {
			set[sym] = true
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
