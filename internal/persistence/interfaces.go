package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup by key matches nothing
	ErrNotFound = errors.New("not found")

	// ErrGateResultExists is returned when a (run, check) result was already recorded
	ErrGateResultExists = errors.New("gate result already recorded")

	// ErrRunNotRunning is returned when closing a run that already has a terminal status
	ErrRunNotRunning = errors.New("run is not running")

	// ErrGenesisAlreadyApplied is returned when the ledger already has history
	ErrGenesisAlreadyApplied = errors.New("genesis bootstrap already applied")

	// ErrDuplicate is returned on a unique-key conflict that is not an upsert
	ErrDuplicate = errors.New("duplicate key")
)

// RunRepo persists pipeline runs
type RunRepo interface {
	// Create inserts a new run in running state
	Create(ctx context.Context, run domain.Run) error

	// Finish moves a running run to a terminal status, exactly once
	Finish(ctx context.Context, runID string, status domain.RunStatus, finishedAt time.Time) error

	// Get returns a run by id
	Get(ctx context.Context, runID string) (*domain.Run, error)

	// Latest returns the most recently started non-genesis run
	Latest(ctx context.Context) (*domain.Run, error)
}

// GateRepo persists immutable gate outcomes
type GateRepo interface {
	// Record inserts a result; a second result for the same (run, check) fails with ErrGateResultExists
	Record(ctx context.Context, result domain.GateResult) error

	// ListByRun returns all results for a run ordered by creation
	ListByRun(ctx context.Context, runID string) ([]domain.GateResult, error)
}

// MarketRepo reads market data staged by the acquisition collaborator
type MarketRepo interface {
	// Universe returns every known instrument
	Universe(ctx context.Context) ([]domain.UniverseEntry, error)

	// LatestBenchmarkDate returns the newest date on or before onOrBefore with a bar for any benchmark
	LatestBenchmarkDate(ctx context.Context, benchmarks []string, onOrBefore time.Time) (time.Time, bool, error)

	// BarsOn returns every bar for a trading date
	BarsOn(ctx context.Context, date time.Time) ([]domain.PriceBar, error)

	// DuplicateBars returns (symbol, date, source) keys with more than one row up to date
	DuplicateBars(ctx context.Context, upTo time.Time) ([]domain.BarKey, error)

	// ClosePrices returns close per symbol on date; symbols without a bar are absent
	ClosePrices(ctx context.Context, date time.Time, symbols []string) (map[string]decimal.Decimal, error)
}

// TargetRepo exposes portfolio targets and ranked signals
type TargetRepo interface {
	// ListByRun returns targets for a run ordered by symbol
	ListByRun(ctx context.Context, runID string) ([]domain.PortfolioTarget, error)

	// Replace swaps the run's targets in one transaction
	Replace(ctx context.Context, runID string, targets []domain.PortfolioTarget) error

	// SignalsByRun returns ranked signals for a run ordered by rank
	SignalsByRun(ctx context.Context, runID string) ([]domain.Signal, error)
}

// TradeRepo persists intended trades as a replace-set per run
type TradeRepo interface {
	// ReplaceIntended deletes and re-inserts the run's lines in one transaction
	ReplaceIntended(ctx context.Context, runID string, trades []domain.IntendedTrade) error

	// ListIntended returns the run's lines ordered by sequence
	ListIntended(ctx context.Context, runID string) ([]domain.IntendedTrade, error)

	// LinkTicket stamps the ticket id onto the run's lines
	LinkTicket(ctx context.Context, runID, ticketID string) error
}

// TicketRepo persists one ticket per run
type TicketRepo interface {
	// Upsert stores the ticket keyed by run; an existing row keeps its ticket id and created_at
	Upsert(ctx context.Context, ticket domain.Ticket) (*domain.Ticket, error)

	// Get returns a ticket by id
	Get(ctx context.Context, ticketID string) (*domain.Ticket, error)

	// GetByRun returns the ticket for a run
	GetByRun(ctx context.Context, runID string) (*domain.Ticket, error)

	// LatestTrade returns the newest TRADE ticket whose run differs from excludeRunID
	LatestTrade(ctx context.Context, excludeRunID string) (*domain.Ticket, error)

	// MarkSent stamps sent_at once; a ticket already marked keeps its first time
	MarkSent(ctx context.Context, ticketID string, at time.Time) (*domain.Ticket, error)
}

// LedgerRepo exposes the append-only ledger history
type LedgerRepo interface {
	// Fills returns every fill ordered by filled_at, ticket and sequence
	Fills(ctx context.Context) ([]domain.Fill, error)

	// FillsByTicket returns a ticket's fills ordered by sequence
	FillsByTicket(ctx context.Context, ticketID string) ([]domain.Fill, error)

	// CashMovements returns every cash movement ordered by occurrence
	CashMovements(ctx context.Context) ([]domain.CashMovement, error)

	// AddCashMovement appends a movement
	AddCashMovement(ctx context.Context, movement domain.CashMovement) error

	// Version is a cheap fingerprint of history that changes on every mutation
	Version(ctx context.Context) (string, error)
}

// ConfirmationRepo writes confirmations, fills and audit rows together
type ConfirmationRepo interface {
	// Submit commits the confirmation, upserts fills, marks the ticket CONFIRMED and appends
	// the audit entry in one transaction
	Submit(ctx context.Context, confirmation domain.Confirmation, fills []domain.Fill, audit domain.AuditEntry) error

	// ListByTicket returns confirmations for a ticket ordered by submission
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Confirmation, error)
}

// GenesisPlan is the synthetic history that seeds an empty ledger
type GenesisPlan struct {
	Run          domain.Run
	Ticket       domain.Ticket
	Fills        []domain.Fill
	CashMovement *domain.CashMovement
	Audit        domain.AuditEntry
}

// ReconciliationRepo persists snapshots, results and the genesis bootstrap
type ReconciliationRepo interface {
	// AddSnapshot stores an immutable snapshot and its positions
	AddSnapshot(ctx context.Context, snapshot domain.Snapshot) error

	// LatestSnapshot returns the newest snapshot dated on or before onOrBefore
	LatestSnapshot(ctx context.Context, onOrBefore time.Time) (*domain.Snapshot, error)

	// RecordResult appends a reconciliation result
	RecordResult(ctx context.Context, result domain.ReconciliationResult) error

	// ApplyGenesis writes the plan in one transaction, refusing when any fill exists
	ApplyGenesis(ctx context.Context, plan GenesisPlan) error
}

// EquityRepo tracks portfolio value per run for the kill switch
type EquityRepo interface {
	// RecordMark upserts the mark for a run
	RecordMark(ctx context.Context, mark domain.EquityMark) error

	// HighWaterMark returns the maximum recorded value, zero when none
	HighWaterMark(ctx context.Context) (decimal.Decimal, error)
}

// AlertRepo indexes alerts written to the artifact tree
type AlertRepo interface {
	// Record appends an alert
	Record(ctx context.Context, alert domain.Alert) error

	// RecordDelivery upserts the receipt for (alert, sink)
	RecordDelivery(ctx context.Context, receipt domain.DeliveryReceipt) error
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Runs          RunRepo
	Gates         GateRepo
	Market        MarketRepo
	Targets       TargetRepo
	Trades        TradeRepo
	Tickets       TicketRepo
	Ledger        LedgerRepo
	Confirmations ConfirmationRepo
	Recon         ReconciliationRepo
	Equity        EquityRepo
	Alerts        AlertRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
	SchemaVersion  string         `json:"schema_version,omitempty"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error
}
