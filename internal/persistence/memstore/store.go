// Package memstore is an in-process implementation of the persistence
// interfaces. It backs the offline self test and the pipeline tests; every
// replace-set and multi-row write is applied under one lock so partial
// state is never observable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// Store holds every table in memory
type Store struct {
	mu sync.RWMutex

	runs          map[string]domain.Run
	gates         map[string]domain.GateResult // run_id/check
	gateOrder     []string
	universe      map[string]domain.UniverseEntry
	bars          []domain.PriceBar
	targets       map[string][]domain.PortfolioTarget
	signals       map[string][]domain.Signal
	intended      map[string][]domain.IntendedTrade
	tickets       map[string]domain.Ticket // ticket_id
	ticketByRun   map[string]string
	confirmations []domain.Confirmation
	fills         map[string]domain.Fill // ticket_id/sequence
	fillVersion   int64
	cash          []domain.CashMovement
	snapshots     []domain.Snapshot
	results       []domain.ReconciliationResult
	marks         map[string]domain.EquityMark
	alerts        map[string]domain.Alert
	deliveries    map[string]domain.DeliveryReceipt
	audit         []domain.AuditEntry
}

// New returns an empty store
func New() *Store {
	return &Store{
		runs:        make(map[string]domain.Run),
		gates:       make(map[string]domain.GateResult),
		universe:    make(map[string]domain.UniverseEntry),
		targets:     make(map[string][]domain.PortfolioTarget),
		signals:     make(map[string][]domain.Signal),
		intended:    make(map[string][]domain.IntendedTrade),
		tickets:     make(map[string]domain.Ticket),
		ticketByRun: make(map[string]string),
		fills:       make(map[string]domain.Fill),
		marks:       make(map[string]domain.EquityMark),
		alerts:      make(map[string]domain.Alert),
		deliveries:  make(map[string]domain.DeliveryReceipt),
	}
}

// Repository exposes the store through the persistence interfaces
func (s *Store) Repository() *persistence.Repository {
	return &persistence.Repository{
		Runs:          runs{s},
		Gates:         gates{s},
		Market:        market{s},
		Targets:       targets{s},
		Trades:        trades{s},
		Tickets:       tickets{s},
		Ledger:        ledger{s},
		Confirmations: confirmations{s},
		Recon:         recon{s},
		Equity:        equity{s},
		Alerts:        alerts{s},
	}
}

// SeedUniverse registers instruments
func (s *Store) SeedUniverse(entries ...domain.UniverseEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.universe[e.Symbol] = e
	}
}

// SeedBars appends market-data rows, duplicates included
func (s *Store) SeedBars(bars ...domain.PriceBar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		b.TradingDate = domain.DateOf(b.TradingDate)
		s.bars = append(s.bars, b)
	}
}

// SeedSignals stores ranked signals for a run
func (s *Store) SeedSignals(runID string, signals ...domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[runID] = append(s.signals[runID], signals...)
}

// Gate returns the stored result for (run, check)
func (s *Store) Gate(runID, check string) (domain.GateResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[runID+"/"+check]
	return g, ok
}

// Alerts returns every indexed alert ordered by id
func (s *Store) Alerts() []domain.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertID < out[j].AlertID })
	return out
}

// Deliveries returns the receipts recorded for an alert
func (s *Store) Deliveries(alertID string) []domain.DeliveryReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeliveryReceipt
	for _, d := range s.deliveries {
		if d.AlertID == alertID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sink < out[j].Sink })
	return out
}

// Results returns every reconciliation result in insertion order
func (s *Store) Results() []domain.ReconciliationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ReconciliationResult(nil), s.results...)
}

// Audit returns every audit entry in insertion order
func (s *Store) Audit() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditEntry(nil), s.audit...)
}

func fillKey(ticketID string, seq int) string {
	return fmt.Sprintf("%s/%06d", ticketID, seq)
}

type runs struct{ s *Store }

func (r runs) Create(_ context.Context, run domain.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.runs[run.RunID]; ok {
		return fmt.Errorf("duplicate run %s: %w", run.RunID, persistence.ErrDuplicate)
	}
	run.AsOfDate = domain.DateOf(run.AsOfDate)
	r.s.runs[run.RunID] = run
	return nil
}

func (r runs) Finish(_ context.Context, runID string, status domain.RunStatus, finishedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok || run.Status != domain.RunRunning {
		return fmt.Errorf("run %s: %w", runID, persistence.ErrRunNotRunning)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	r.s.runs[runID] = run
	return nil
}

func (r runs) Get(_ context.Context, runID string) (*domain.Run, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, persistence.ErrNotFound)
	}
	return &run, nil
}

func (r runs) Latest(_ context.Context) (*domain.Run, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *domain.Run
	for _, run := range r.s.runs {
		run := run
		if run.Cadence == "genesis" {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = &run
		}
	}
	return latest, nil
}

type gates struct{ s *Store }

func (g gates) Record(_ context.Context, result domain.GateResult) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	key := result.RunID + "/" + result.CheckName
	if _, ok := g.s.gates[key]; ok {
		return fmt.Errorf("%s for run %s: %w", result.CheckName, result.RunID, persistence.ErrGateResultExists)
	}
	g.s.gates[key] = result
	g.s.gateOrder = append(g.s.gateOrder, key)
	return nil
}

func (g gates) ListByRun(_ context.Context, runID string) ([]domain.GateResult, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	var out []domain.GateResult
	for _, key := range g.s.gateOrder {
		if res := g.s.gates[key]; res.RunID == runID {
			out = append(out, res)
		}
	}
	return out, nil
}

type market struct{ s *Store }

func (m market) Universe(_ context.Context) ([]domain.UniverseEntry, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]domain.UniverseEntry, 0, len(m.s.universe))
	for _, e := range m.s.universe {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m market) LatestBenchmarkDate(_ context.Context, benchmarks []string, onOrBefore time.Time) (time.Time, bool, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	want := make(map[string]bool, len(benchmarks))
	for _, b := range benchmarks {
		want[b] = true
	}
	var latest time.Time
	found := false
	for _, b := range m.s.bars {
		if !want[b.Symbol] || b.TradingDate.After(onOrBefore) {
			continue
		}
		if !found || b.TradingDate.After(latest) {
			latest, found = b.TradingDate, true
		}
	}
	return latest, found, nil
}

func (m market) BarsOn(_ context.Context, date time.Time) ([]domain.PriceBar, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	day := domain.DateOf(date)
	var out []domain.PriceBar
	for _, b := range m.s.bars {
		if b.TradingDate.Equal(day) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

func (m market) DuplicateBars(_ context.Context, upTo time.Time) ([]domain.BarKey, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	counts := make(map[domain.BarKey]int)
	for _, b := range m.s.bars {
		if b.TradingDate.After(upTo) {
			continue
		}
		counts[domain.BarKey{Symbol: b.Symbol, TradingDate: b.TradingDate, Source: b.Source}]++
	}
	var out []domain.BarKey
	for k, n := range counts {
		if n > 1 {
			k.Count = n
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradingDate.Equal(out[j].TradingDate) {
			return out[i].TradingDate.Before(out[j].TradingDate)
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

func (m market) ClosePrices(ctx context.Context, date time.Time, symbols []string) (map[string]decimal.Decimal, error) {
	bars, _ := m.BarsOn(ctx, date)
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, b := range bars {
		if _, seen := out[b.Symbol]; want[b.Symbol] && !seen {
			out[b.Symbol] = b.Close
		}
	}
	return out, nil
}

type targets struct{ s *Store }

func (t targets) ListByRun(_ context.Context, runID string) ([]domain.PortfolioTarget, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := append([]domain.PortfolioTarget(nil), t.s.targets[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (t targets) Replace(_ context.Context, runID string, ts []domain.PortfolioTarget) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := make([]domain.PortfolioTarget, 0, len(ts))
	for _, target := range ts {
		target.RunID = runID
		target.AsOfDate = domain.DateOf(target.AsOfDate)
		out = append(out, target)
	}
	t.s.targets[runID] = out
	return nil
}

func (t targets) SignalsByRun(_ context.Context, runID string) ([]domain.Signal, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := append([]domain.Signal(nil), t.s.signals[runID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

type trades struct{ s *Store }

func (t trades) ReplaceIntended(_ context.Context, runID string, ts []domain.IntendedTrade) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	seen := make(map[int]bool, len(ts))
	for _, trade := range ts {
		if trade.RunID != runID {
			return fmt.Errorf("intended trade %d belongs to run %s, not %s", trade.Sequence, trade.RunID, runID)
		}
		if seen[trade.Sequence] {
			return fmt.Errorf("sequence %d repeated: %w", trade.Sequence, persistence.ErrDuplicate)
		}
		seen[trade.Sequence] = true
	}
	t.s.intended[runID] = append([]domain.IntendedTrade(nil), ts...)
	return nil
}

func (t trades) ListIntended(_ context.Context, runID string) ([]domain.IntendedTrade, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := append([]domain.IntendedTrade(nil), t.s.intended[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (t trades) LinkTicket(_ context.Context, runID, ticketID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	lines := t.s.intended[runID]
	for i := range lines {
		id := ticketID
		lines[i].TicketID = &id
	}
	return nil
}

type tickets struct{ s *Store }

func (t tickets) Upsert(_ context.Context, ticket domain.Ticket) (*domain.Ticket, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if id, ok := t.s.ticketByRun[ticket.RunID]; ok {
		existing := t.s.tickets[id]
		ticket.TicketID = existing.TicketID
		ticket.CreatedAt = existing.CreatedAt
		if ticket.SentAt == nil {
			ticket.SentAt = existing.SentAt
		}
	}
	t.s.tickets[ticket.TicketID] = ticket
	t.s.ticketByRun[ticket.RunID] = ticket.TicketID
	out := ticket
	return &out, nil
}

func (t tickets) Get(_ context.Context, ticketID string) (*domain.Ticket, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	ticket, ok := t.s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, persistence.ErrNotFound)
	}
	return &ticket, nil
}

func (t tickets) GetByRun(ctx context.Context, runID string) (*domain.Ticket, error) {
	t.s.mu.RLock()
	id, ok := t.s.ticketByRun[runID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ticket for run %s: %w", runID, persistence.ErrNotFound)
	}
	return t.Get(ctx, id)
}

func (t tickets) LatestTrade(_ context.Context, excludeRunID string) (*domain.Ticket, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var latest *domain.Ticket
	for _, ticket := range t.s.tickets {
		ticket := ticket
		if ticket.TicketType != domain.TicketTrade || ticket.RunID == excludeRunID {
			continue
		}
		if latest == nil || ticket.CreatedAt.After(latest.CreatedAt) {
			latest = &ticket
		}
	}
	return latest, nil
}

func (t tickets) MarkSent(_ context.Context, ticketID string, at time.Time) (*domain.Ticket, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	ticket, ok := t.s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, persistence.ErrNotFound)
	}
	if ticket.SentAt == nil {
		sent := at.UTC()
		ticket.SentAt = &sent
		t.s.tickets[ticketID] = ticket
	}
	out := ticket
	return &out, nil
}

type ledger struct{ s *Store }

func (l ledger) Fills(_ context.Context) ([]domain.Fill, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	out := make([]domain.Fill, 0, len(l.s.fills))
	for _, f := range l.s.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.FilledAt == nil && b.FilledAt != nil:
			return true
		case a.FilledAt != nil && b.FilledAt == nil:
			return false
		case a.FilledAt != nil && !a.FilledAt.Equal(*b.FilledAt):
			return a.FilledAt.Before(*b.FilledAt)
		}
		return fillKey(a.TicketID, a.Sequence) < fillKey(b.TicketID, b.Sequence)
	})
	return out, nil
}

func (l ledger) FillsByTicket(_ context.Context, ticketID string) ([]domain.Fill, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	var out []domain.Fill
	for _, f := range l.s.fills {
		if f.TicketID == ticketID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (l ledger) CashMovements(_ context.Context) ([]domain.CashMovement, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return append([]domain.CashMovement(nil), l.s.cash...), nil
}

func (l ledger) AddCashMovement(_ context.Context, m domain.CashMovement) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.addCashLocked(m)
	return nil
}

func (l ledger) Version(_ context.Context) (string, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return fmt.Sprintf("%d:%d|%d", len(l.s.fills), l.s.fillVersion, len(l.s.cash)), nil
}

func (s *Store) addCashLocked(m domain.CashMovement) {
	m.ID = int64(len(s.cash) + 1)
	s.cash = append(s.cash, m)
}

type confirmations struct{ s *Store }

func (c confirmations) Submit(_ context.Context, conf domain.Confirmation, fs []domain.Fill, audit domain.AuditEntry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ticket, ok := c.s.tickets[conf.TicketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", conf.TicketID, persistence.ErrNotFound)
	}
	for _, existing := range c.s.confirmations {
		if existing.ConfirmationID == conf.ConfirmationID {
			return fmt.Errorf("confirmation %s: %w", conf.ConfirmationID, persistence.ErrDuplicate)
		}
	}
	c.s.confirmations = append(c.s.confirmations, conf)
	for _, f := range fs {
		c.s.fills[fillKey(f.TicketID, f.Sequence)] = f
		c.s.fillVersion++
	}
	ticket.Status = domain.TicketConfirmed
	c.s.tickets[conf.TicketID] = ticket
	c.s.audit = append(c.s.audit, audit)
	return nil
}

func (c confirmations) ListByTicket(_ context.Context, ticketID string) ([]domain.Confirmation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	var out []domain.Confirmation
	for _, conf := range c.s.confirmations {
		if conf.TicketID == ticketID {
			out = append(out, conf)
		}
	}
	return out, nil
}

type recon struct{ s *Store }

func (r recon) AddSnapshot(_ context.Context, snap domain.Snapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.snapshots {
		if existing.SnapshotID == snap.SnapshotID {
			return fmt.Errorf("snapshot %s: %w", snap.SnapshotID, persistence.ErrDuplicate)
		}
	}
	snap.SnapshotDate = domain.DateOf(snap.SnapshotDate)
	snap.Positions = append([]domain.SnapshotPosition(nil), snap.Positions...)
	r.s.snapshots = append(r.s.snapshots, snap)
	return nil
}

func (r recon) LatestSnapshot(_ context.Context, onOrBefore time.Time) (*domain.Snapshot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *domain.Snapshot
	for i := range r.s.snapshots {
		snap := r.s.snapshots[i]
		if snap.SnapshotDate.After(onOrBefore) {
			continue
		}
		if latest == nil || snap.SnapshotDate.After(latest.SnapshotDate) ||
			(snap.SnapshotDate.Equal(latest.SnapshotDate) && !snap.CreatedAt.Before(latest.CreatedAt)) {
			latest = &snap
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	out.Positions = append([]domain.SnapshotPosition(nil), latest.Positions...)
	sort.Slice(out.Positions, func(i, j int) bool { return out.Positions[i].Symbol < out.Positions[j].Symbol })
	return &out, nil
}

func (r recon) RecordResult(_ context.Context, res domain.ReconciliationResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res.ResultID = int64(len(r.s.results) + 1)
	r.s.results = append(r.s.results, res)
	return nil
}

func (r recon) ApplyGenesis(_ context.Context, plan persistence.GenesisPlan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.fills) > 0 {
		return persistence.ErrGenesisAlreadyApplied
	}
	for _, t := range r.s.tickets {
		if t.TicketType == domain.TicketGenesis {
			return persistence.ErrGenesisAlreadyApplied
		}
	}
	r.s.runs[plan.Run.RunID] = plan.Run
	r.s.tickets[plan.Ticket.TicketID] = plan.Ticket
	r.s.ticketByRun[plan.Ticket.RunID] = plan.Ticket.TicketID
	for _, f := range plan.Fills {
		r.s.fills[fillKey(f.TicketID, f.Sequence)] = f
		r.s.fillVersion++
	}
	if plan.CashMovement != nil {
		r.s.addCashLocked(*plan.CashMovement)
	}
	r.s.audit = append(r.s.audit, plan.Audit)
	return nil
}

type equity struct{ s *Store }

func (e equity) RecordMark(_ context.Context, m domain.EquityMark) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.marks[m.RunID] = m
	return nil
}

func (e equity) HighWaterMark(_ context.Context) (decimal.Decimal, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	hwm := decimal.Zero
	for _, m := range e.s.marks {
		if m.PortfolioValue.GreaterThan(hwm) {
			hwm = m.PortfolioValue
		}
	}
	return hwm, nil
}

type alerts struct{ s *Store }

func (a alerts) Record(_ context.Context, alert domain.Alert) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.alerts[alert.AlertID]; !ok {
		a.s.alerts[alert.AlertID] = alert
	}
	return nil
}

func (a alerts) RecordDelivery(_ context.Context, d domain.DeliveryReceipt) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.deliveries[d.AlertID+"/"+d.Sink] = d
	return nil
}
