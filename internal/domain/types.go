package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order line
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status ends the run lifecycle
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// TicketType is the decision a ticket carries
type TicketType string

const (
	TicketTrade   TicketType = "TRADE"
	TicketNoTrade TicketType = "NO_TRADE"
	TicketGenesis TicketType = "GENESIS"
)

// TicketStatus tracks a ticket after rendering
type TicketStatus string

const (
	TicketRendered  TicketStatus = "RENDERED"
	TicketConfirmed TicketStatus = "CONFIRMED"
	TicketClosed    TicketStatus = "CLOSED"
)

// FillStatus is the human-reported outcome of one order line
type FillStatus string

const (
	FillDone    FillStatus = "DONE"
	FillSkipped FillStatus = "SKIPPED"
	FillFailed  FillStatus = "FAILED"
	FillPartial FillStatus = "PARTIAL"
)

// Valid reports whether s is one of the four terminal outcomes
func (s FillStatus) Valid() bool {
	switch s {
	case FillDone, FillSkipped, FillFailed, FillPartial:
		return true
	}
	return false
}

// Executed reports whether the outcome moved units and cash
func (s FillStatus) Executed() bool {
	return s == FillDone || s == FillPartial
}

// CashMovementType classifies a ledger cash event
type CashMovementType string

const (
	CashBaseline   CashMovementType = "BASELINE"
	CashDeposit    CashMovementType = "DEPOSIT"
	CashWithdrawal CashMovementType = "WITHDRAWAL"
	CashFee        CashMovementType = "FEE"
	CashDividend   CashMovementType = "DIVIDEND"
	CashAdjustment CashMovementType = "ADJUSTMENT"
)

// Check names used for gate results
const (
	CheckDataQuality    = "data_quality"
	CheckConfirmations  = "confirmations"
	CheckReconciliation = "reconciliation"
	CheckRiskGuard      = "risk_guard"
)

// Run is one dated invocation of the decision pipeline
type Run struct {
	RunID       string     `json:"run_id" db:"run_id"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Status      RunStatus  `json:"status" db:"status"`
	AsOfDate    time.Time  `json:"asof_date" db:"asof_date"`
	Cadence     string     `json:"cadence" db:"cadence"`
	ConfigHash  string     `json:"config_hash" db:"config_hash"`
	CodeVersion string     `json:"code_version" db:"code_version"`
	Notes       string     `json:"notes,omitempty" db:"notes"`
}

// GateResult is the immutable outcome of one named check for one run
type GateResult struct {
	RunID     string          `json:"run_id" db:"run_id"`
	CheckName string          `json:"check_name" db:"check_name"`
	Passed    bool            `json:"passed" db:"passed"`
	Details   json.RawMessage `json:"details" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// UniverseEntry is one instrument known to the system
type UniverseEntry struct {
	Symbol         string `json:"symbol" db:"symbol"`
	Enabled        bool   `json:"enabled" db:"enabled"`
	InstrumentType string `json:"instrument_type" db:"instrument_type"`
	Currency       string `json:"currency" db:"currency"`
}

// PriceBar is one end-of-day row from the market-data collaborator
type PriceBar struct {
	Symbol      string              `json:"symbol" db:"symbol"`
	TradingDate time.Time           `json:"trading_date" db:"trading_date"`
	Source      string              `json:"source" db:"source"`
	Open        decimal.Decimal     `json:"open" db:"open"`
	High        decimal.Decimal     `json:"high" db:"high"`
	Low         decimal.Decimal     `json:"low" db:"low"`
	Close       decimal.Decimal     `json:"close" db:"close"`
	AdjClose    decimal.NullDecimal `json:"adj_close" db:"adj_close"`
	Volume      int64               `json:"volume" db:"volume"`
}

// BarKey identifies a duplicated market-data row
type BarKey struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	TradingDate time.Time `json:"trading_date" db:"trading_date"`
	Source      string    `json:"source" db:"source"`
	Count       int       `json:"count" db:"n"`
}

// PortfolioTarget is the desired allocation for one symbol in one run
type PortfolioTarget struct {
	RunID        string              `json:"run_id" db:"run_id"`
	AsOfDate     time.Time           `json:"asof_date" db:"asof_date"`
	Symbol       string              `json:"symbol" db:"symbol"`
	TargetWeight decimal.Decimal     `json:"target_weight" db:"target_weight"`
	TargetValue  decimal.NullDecimal `json:"target_value" db:"target_value"`
	Currency     string              `json:"currency" db:"currency"`
}

// Signal is one ranked output of the signal model
type Signal struct {
	RunID  string          `json:"run_id" db:"run_id"`
	Symbol string          `json:"symbol" db:"symbol"`
	Score  decimal.Decimal `json:"score" db:"score"`
	Rank   int             `json:"rank" db:"rank"`
}

// IntendedTrade is one proposed order line
type IntendedTrade struct {
	RunID          string          `json:"run_id" db:"run_id"`
	Sequence       int             `json:"sequence" db:"sequence"`
	TicketID       *string         `json:"ticket_id,omitempty" db:"ticket_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           Side            `json:"side" db:"side"`
	Units          int64           `json:"units" db:"units"`
	Notional       decimal.Decimal `json:"notional" db:"notional"`
	OrderType      string          `json:"order_type" db:"order_type"`
	ReferencePrice decimal.Decimal `json:"reference_price" db:"reference_price"`
	MaxSlippageBps int             `json:"max_slippage_bps" db:"max_slippage_bps"`
}

// Ticket is the rendered decision for a run
type Ticket struct {
	TicketID     string          `json:"ticket_id" db:"ticket_id"`
	RunID        string          `json:"run_id" db:"run_id"`
	TicketType   TicketType      `json:"ticket_type" db:"ticket_type"`
	Status       TicketStatus    `json:"status" db:"status"`
	RenderedMD   string          `json:"rendered_md" db:"rendered_md"`
	RenderedJSON json.RawMessage `json:"rendered_json" db:"rendered_json"`
	MaterialHash string          `json:"material_hash" db:"material_hash"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
}

// Confirmation is one append-only human submission against a ticket
type Confirmation struct {
	ConfirmationID string          `json:"confirmation_id" db:"confirmation_id"`
	TicketID       string          `json:"ticket_id" db:"ticket_id"`
	SubmittedBy    string          `json:"submitted_by" db:"submitted_by"`
	SubmittedAt    time.Time       `json:"submitted_at" db:"submitted_at"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
}

// Fill is the reported outcome for one intended trade line
type Fill struct {
	TicketID       string              `json:"ticket_id" db:"ticket_id"`
	Sequence       int                 `json:"sequence" db:"sequence"`
	Symbol         string              `json:"symbol" db:"symbol"`
	Side           Side                `json:"side" db:"side"`
	ExecutedStatus FillStatus          `json:"executed_status" db:"executed_status"`
	Units          decimal.Decimal     `json:"units" db:"units"`
	ExecutedValue  decimal.NullDecimal `json:"executed_value" db:"executed_value"`
	FillPrice      decimal.NullDecimal `json:"fill_price" db:"fill_price"`
	FilledAt       *time.Time          `json:"filled_at,omitempty" db:"filled_at"`
	Notes          string              `json:"notes,omitempty" db:"notes"`
}

// CashMovement is one append-only cash event on the ledger
type CashMovement struct {
	ID           int64            `json:"id" db:"movement_id"`
	OccurredAt   time.Time        `json:"occurred_at" db:"occurred_at"`
	Amount       decimal.Decimal  `json:"amount" db:"amount"`
	Currency     string           `json:"currency" db:"currency"`
	MovementType CashMovementType `json:"movement_type" db:"movement_type"`
	Notes        string           `json:"notes,omitempty" db:"notes"`
}

// Snapshot is an externally captured point-in-time account state
type Snapshot struct {
	SnapshotID   string             `json:"snapshot_id" db:"snapshot_id"`
	SnapshotDate time.Time          `json:"snapshot_date" db:"snapshot_date"`
	Currency     string             `json:"currency" db:"currency"`
	Cash         decimal.Decimal    `json:"cash" db:"cash"`
	Notes        string             `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	Positions    []SnapshotPosition `json:"positions" db:"-"`
}

// SnapshotPosition is one holding inside a snapshot
type SnapshotPosition struct {
	Symbol string          `json:"symbol" db:"symbol"`
	Units  decimal.Decimal `json:"units" db:"units"`
}

// SymbolDiff is the per-symbol comparison inside a reconciliation
type SymbolDiff struct {
	Symbol        string          `json:"symbol"`
	LedgerUnits   decimal.Decimal `json:"ledger_units"`
	SnapshotUnits decimal.Decimal `json:"snapshot_units"`
	AbsDiff       decimal.Decimal `json:"abs_diff"`
}

// ReconciliationResult is the persisted comparison of ledger and snapshot
type ReconciliationResult struct {
	ResultID          int64           `json:"result_id" db:"result_id"`
	SnapshotID        string          `json:"snapshot_id" db:"snapshot_id"`
	RunID             *string         `json:"run_id,omitempty" db:"run_id"`
	EvaluatedAt       time.Time       `json:"evaluated_at" db:"evaluated_at"`
	Passed            bool            `json:"passed" db:"passed"`
	Genesis           bool            `json:"genesis" db:"genesis"`
	LedgerCash        decimal.Decimal `json:"ledger_cash" db:"ledger_cash"`
	SnapshotCash      decimal.Decimal `json:"snapshot_cash" db:"snapshot_cash"`
	CashDiff          decimal.Decimal `json:"cash_diff" db:"cash_diff"`
	CashDiffAbs       decimal.Decimal `json:"cash_diff_abs" db:"cash_diff_abs"`
	CashTolerance     decimal.Decimal `json:"cash_tolerance" db:"cash_tolerance"`
	MaxUnitsDiff      decimal.Decimal `json:"max_units_diff" db:"max_units_diff"`
	UnitsTolerance    decimal.Decimal `json:"units_tolerance" db:"units_tolerance"`
	UnknownSymbols    []string        `json:"unknown_symbols" db:"-"`
	MissingInSnapshot []string        `json:"missing_in_snapshot" db:"-"`
	Diffs             []SymbolDiff    `json:"diffs" db:"-"`
	ReportPath        string          `json:"report_path,omitempty" db:"report_path"`
}

// EquityMark records the portfolio value a run was sized against
type EquityMark struct {
	RunID          string          `json:"run_id" db:"run_id"`
	AsOfDate       time.Time       `json:"asof_date" db:"asof_date"`
	PortfolioValue decimal.Decimal `json:"portfolio_value" db:"portfolio_value"`
}

// AuditEntry is an append-only record of an operator or system action
type AuditEntry struct {
	Actor      string          `json:"actor" db:"actor"`
	Action     string          `json:"action" db:"action"`
	ObjectType string          `json:"object_type" db:"object_type"`
	ObjectID   string          `json:"object_id" db:"object_id"`
	TicketID   *string         `json:"ticket_id,omitempty" db:"ticket_id"`
	Details    json.RawMessage `json:"details" db:"details"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// AlertType names the event behind an alert
type AlertType string

const (
	AlertDataQualityFail     AlertType = "DATA_QUALITY_FAIL"
	AlertReconciliationFail  AlertType = "RECONCILIATION_FAIL"
	AlertConfirmationMissing AlertType = "CONFIRMATION_MISSING"
	AlertRiskGuardBlocked    AlertType = "RISKGUARD_BLOCKED"
	AlertInternalError       AlertType = "INTERNAL_ERROR"
	AlertSchedulerMisfire    AlertType = "SCHEDULER_MISFIRE"
)

// Severity ranks an alert
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Alert is an append-only record of a blocking or noteworthy event
type Alert struct {
	AlertID      string          `json:"alert_id" db:"alert_id"`
	AlertType    AlertType       `json:"alert_type" db:"alert_type"`
	Severity     Severity        `json:"severity" db:"severity"`
	RunID        *string         `json:"run_id,omitempty" db:"run_id"`
	TicketID     *string         `json:"ticket_id,omitempty" db:"ticket_id"`
	Summary      string          `json:"summary" db:"summary"`
	Details      json.RawMessage `json:"details" db:"details"`
	ArtifactPath string          `json:"artifact_path" db:"artifact_path"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// DeliveryStatus is the outcome of one secondary delivery attempt
type DeliveryStatus string

const (
	DeliverySkipped   DeliveryStatus = "SKIPPED"
	DeliveryWouldSend DeliveryStatus = "WOULD_SEND"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// DeliveryReceipt records one secondary delivery attempt for an alert
type DeliveryReceipt struct {
	AlertID     string         `json:"alert_id" db:"alert_id"`
	Sink        string         `json:"sink" db:"sink"`
	DryRun      bool           `json:"dryrun" db:"dryrun"`
	Status      DeliveryStatus `json:"status" db:"status"`
	Error       string         `json:"error,omitempty" db:"error_text"`
	AttemptedAt time.Time      `json:"attempted_at" db:"attempted_at"`
	ReceiptPath string         `json:"receipt_path,omitempty" db:"receipt_path"`
}

// SuppressionReason explains why a non-zero delta produced no order line
type SuppressionReason string

const (
	SuppressedRoundedToZero    SuppressionReason = "ROUNDED_TO_ZERO"
	SuppressedBelowMinNotional SuppressionReason = "BELOW_MIN_NOTIONAL"
	SuppressedCashLimited      SuppressionReason = "CASH_LIMITED"
)

// SuppressedTrade is an informational record of a delta that was not traded.
// It is reported on tickets but never enters the material hash.
type SuppressedTrade struct {
	Symbol         string            `json:"symbol"`
	Side           Side              `json:"side"`
	DeltaNotional  decimal.Decimal   `json:"delta_notional"`
	Units          int64             `json:"units"`
	Notional       decimal.Decimal   `json:"notional"`
	ReferencePrice decimal.Decimal   `json:"reference_price"`
	Reason         SuppressionReason `json:"reason"`
}
