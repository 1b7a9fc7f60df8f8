package domain

import (
	"sort"
	"strings"
)

// ReasonCode is a machine-readable block or failure reason
type ReasonCode string

const (
	ReasonDataQualityFail        ReasonCode = "DATA_QUALITY_FAIL"
	ReasonConfirmationMissing    ReasonCode = "CONFIRMATION_MISSING"
	ReasonReconciliationRequired ReasonCode = "RECONCILIATION_REQUIRED"
	ReasonReconciliationFail     ReasonCode = "RECONCILIATION_FAIL"
	ReasonTargetsMissing         ReasonCode = "TARGETS_MISSING"
	ReasonTargetsAsOfMismatch    ReasonCode = "TARGETS_ASOF_MISMATCH"
	ReasonPricesMissing          ReasonCode = "PRICES_MISSING"
	ReasonRiskLimitViolation     ReasonCode = "RISK_LIMIT_VIOLATION"
	ReasonInternalError          ReasonCode = "INTERNAL_ERROR"

	// ReasonNoRebalance is informational: all gates passed and nothing needs trading.
	ReasonNoRebalance ReasonCode = "NO_REBALANCE"
)

// Sub-reasons carried by RISK_LIMIT_VIOLATION
const (
	LimitMaxPositions      = "MAX_POSITIONS"
	LimitMaxPositionWeight = "MAX_POSITION_WEIGHT"
	LimitCashBuffer        = "CASH_BUFFER"
	LimitTurnoverCap       = "TURNOVER_CAP"
	LimitKillSwitch        = "KILL_SWITCH_DRAWDOWN"
	LimitNotTradable       = "SYMBOL_NOT_TRADABLE"
	LimitPortfolioZero     = "PORTFOLIO_VALUE_ZERO"
)

// Blocking reports whether the code prevents a TRADE decision
func (c ReasonCode) Blocking() bool {
	return c != ReasonNoRebalance
}

// Reason is one structured explanation attached to a decision
type Reason struct {
	Code    ReasonCode             `json:"code"`
	SubCode string                 `json:"sub_code,omitempty"`
	Message string                 `json:"message"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Key is the code, qualified by the sub-code when present
func (r Reason) Key() string {
	if r.SubCode == "" {
		return string(r.Code)
	}
	return string(r.Code) + ":" + r.SubCode
}

// ReasonKeys returns the sorted, de-duplicated keys of rs
func ReasonKeys(rs []Reason) []string {
	seen := make(map[string]bool, len(rs))
	keys := make([]string, 0, len(rs))
	for _, r := range rs {
		k := r.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AnyBlocking reports whether rs contains a reason that prevents trading
func AnyBlocking(rs []Reason) bool {
	for _, r := range rs {
		if r.Code.Blocking() {
			return true
		}
	}
	return false
}

// JoinKeys renders reason keys for log lines
func JoinKeys(rs []Reason) string {
	return strings.Join(ReasonKeys(rs), ",")
}
