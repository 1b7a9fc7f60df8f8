package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

var day = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	latest, err := repo.Runs.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	run := domain.Run{RunID: "r1", StartedAt: day, Status: domain.RunRunning, AsOfDate: day.Add(13 * time.Hour), Cadence: "daily"}
	require.NoError(t, repo.Runs.Create(ctx, run))
	assert.True(t, errors.Is(repo.Runs.Create(ctx, run), persistence.ErrDuplicate))

	require.NoError(t, repo.Runs.Finish(ctx, "r1", domain.RunSucceeded, day))
	err = repo.Runs.Finish(ctx, "r1", domain.RunFailed, day)
	assert.True(t, errors.Is(err, persistence.ErrRunNotRunning))

	got, err := repo.Runs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Equal(t, day, got.AsOfDate)

	_, err = repo.Runs.Get(ctx, "missing")
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestLatestRunIgnoresGenesis(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	require.NoError(t, repo.Runs.Create(ctx, domain.Run{RunID: "daily", StartedAt: day, Cadence: "daily"}))
	require.NoError(t, repo.Runs.Create(ctx, domain.Run{RunID: "boot", StartedAt: day.Add(time.Hour), Cadence: "genesis"}))

	latest, err := repo.Runs.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "daily", latest.RunID)
}

func TestGateResultsAreImmutable(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	res := domain.GateResult{RunID: "r1", CheckName: domain.CheckDataQuality, Passed: true}
	require.NoError(t, repo.Gates.Record(ctx, res))
	res.Passed = false
	assert.True(t, errors.Is(repo.Gates.Record(ctx, res), persistence.ErrGateResultExists))

	require.NoError(t, repo.Gates.Record(ctx, domain.GateResult{RunID: "r1", CheckName: domain.CheckRiskGuard}))
	list, err := repo.Gates.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Passed)
	assert.Equal(t, domain.CheckRiskGuard, list[1].CheckName)
}

func TestTicketUpsertKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	first, err := repo.Tickets.Upsert(ctx, domain.Ticket{TicketID: "t1", RunID: "r1", TicketType: domain.TicketNoTrade, CreatedAt: day})
	require.NoError(t, err)

	second, err := repo.Tickets.Upsert(ctx, domain.Ticket{TicketID: "t2", RunID: "r1", TicketType: domain.TicketTrade, CreatedAt: day.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Equal(t, day, second.CreatedAt)
	assert.Equal(t, domain.TicketTrade, second.TicketType)

	_, err = repo.Tickets.Get(ctx, "t2")
	assert.True(t, errors.Is(err, persistence.ErrNotFound))

	latest, err := repo.Tickets.LatestTrade(ctx, "other")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "t1", latest.TicketID)

	none, err := repo.Tickets.LatestTrade(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMarkSentStampsOnce(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	_, err := repo.Tickets.MarkSent(ctx, "missing", day)
	assert.True(t, errors.Is(err, persistence.ErrNotFound))

	_, err = repo.Tickets.Upsert(ctx, domain.Ticket{TicketID: "t1", RunID: "r1", TicketType: domain.TicketNoTrade, CreatedAt: day})
	require.NoError(t, err)

	sent, err := repo.Tickets.MarkSent(ctx, "t1", day.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sent.SentAt)

	again, err := repo.Tickets.MarkSent(ctx, "t1", day.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day.Add(time.Hour), *again.SentAt)

	rerendered, err := repo.Tickets.Upsert(ctx, domain.Ticket{TicketID: "t1", RunID: "r1", TicketType: domain.TicketNoTrade, CreatedAt: day})
	require.NoError(t, err)
	require.NotNil(t, rerendered.SentAt)
	assert.Equal(t, day.Add(time.Hour), *rerendered.SentAt)
}

func TestLatestSnapshotOnOrBefore(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	none, err := repo.Recon.LatestSnapshot(ctx, day)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, repo.Recon.AddSnapshot(ctx, domain.Snapshot{SnapshotID: "old", SnapshotDate: day.AddDate(0, 0, -1), Cash: decimal.NewFromInt(1)}))
	require.NoError(t, repo.Recon.AddSnapshot(ctx, domain.Snapshot{
		SnapshotID: "new", SnapshotDate: day, Cash: decimal.NewFromInt(2),
		Positions: []domain.SnapshotPosition{{Symbol: "BBB"}, {Symbol: "AAA"}},
	}))
	require.NoError(t, repo.Recon.AddSnapshot(ctx, domain.Snapshot{SnapshotID: "future", SnapshotDate: day.AddDate(0, 0, 1)}))
	assert.True(t, errors.Is(repo.Recon.AddSnapshot(ctx, domain.Snapshot{SnapshotID: "old"}), persistence.ErrDuplicate))

	snap, err := repo.Recon.LatestSnapshot(ctx, day)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "new", snap.SnapshotID)
	assert.Equal(t, "AAA", snap.Positions[0].Symbol)
}

func TestGenesisAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := New()
	repo := store.Repository()

	plan := persistence.GenesisPlan{
		Run:    domain.Run{RunID: "g", Cadence: "genesis", Status: domain.RunSucceeded},
		Ticket: domain.Ticket{TicketID: "gt", RunID: "g", TicketType: domain.TicketGenesis},
		CashMovement: &domain.CashMovement{
			Amount: decimal.NewFromInt(500), MovementType: domain.CashBaseline,
		},
		Audit: domain.AuditEntry{Action: "genesis"},
	}
	require.NoError(t, repo.Recon.ApplyGenesis(ctx, plan))
	assert.True(t, errors.Is(repo.Recon.ApplyGenesis(ctx, plan), persistence.ErrGenesisAlreadyApplied))

	moves, err := repo.Ledger.CashMovements(ctx)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Len(t, store.Audit(), 1)
}

func TestLedgerVersionChangesOnMutation(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	before, err := repo.Ledger.Version(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.Ledger.AddCashMovement(ctx, domain.CashMovement{Amount: decimal.NewFromInt(10), MovementType: domain.CashDeposit}))
	after, err := repo.Ledger.Version(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestHighWaterMark(t *testing.T) {
	ctx := context.Background()
	repo := New().Repository()

	hwm, err := repo.Equity.HighWaterMark(ctx)
	require.NoError(t, err)
	assert.True(t, hwm.IsZero())

	require.NoError(t, repo.Equity.RecordMark(ctx, domain.EquityMark{RunID: "a", PortfolioValue: decimal.NewFromInt(1200)}))
	require.NoError(t, repo.Equity.RecordMark(ctx, domain.EquityMark{RunID: "b", PortfolioValue: decimal.NewFromInt(900)}))
	require.NoError(t, repo.Equity.RecordMark(ctx, domain.EquityMark{RunID: "a", PortfolioValue: decimal.NewFromInt(1000)}))

	hwm, err = repo.Equity.HighWaterMark(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", hwm.String())
}
