package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

var at = time.Date(2026, 1, 13, 15, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*persistence.Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres"), time.Second), mock
}

func TestRunCreateMapsUniqueViolation(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("INSERT INTO runs").WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Runs.Create(context.Background(), domain.Run{RunID: "r1", Status: domain.RunRunning})
	assert.True(t, errors.Is(err, persistence.ErrDuplicate), err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFinishOnlyOnce(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("r1", string(domain.RunSucceeded), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("r1", string(domain.RunFailed), at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, repo.Runs.Finish(ctx, "r1", domain.RunSucceeded, at))
	err := repo.Runs.Finish(ctx, "r1", domain.RunFailed, at)
	assert.True(t, errors.Is(err, persistence.ErrRunNotRunning), err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRunEmptyTable(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("FROM runs\\s+WHERE cadence <> 'genesis'").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "started_at", "finished_at", "status", "asof_date", "cadence", "config_hash", "code_version", "notes"}))

	run, err := repo.Runs.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRecordIsImmutable(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("INSERT INTO gate_results").WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Gates.Record(context.Background(), domain.GateResult{RunID: "r1", CheckName: domain.CheckDataQuality})
	assert.True(t, errors.Is(err, persistence.ErrGateResultExists), err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceIntendedCommitsBatch(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM trades_intended").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 3))
	prep := mock.ExpectPrepare("INSERT INTO trades_intended")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	trades := []domain.IntendedTrade{
		{RunID: "r1", Sequence: 1, Symbol: "AAA", Side: domain.SideBuy, Units: 5, Notional: decimal.NewFromInt(50), ReferencePrice: decimal.NewFromInt(10), OrderType: "MARKET"},
		{RunID: "r1", Sequence: 2, Symbol: "BBB", Side: domain.SideSell, Units: 2, Notional: decimal.NewFromInt(20), ReferencePrice: decimal.NewFromInt(10), OrderType: "MARKET"},
	}
	require.NoError(t, repo.Trades.ReplaceIntended(context.Background(), "r1", trades))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceIntendedRejectsForeignLine(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM trades_intended").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO trades_intended")
	mock.ExpectRollback()

	err := repo.Trades.ReplaceIntended(context.Background(), "r1", []domain.IntendedTrade{{RunID: "r2", Sequence: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to run r2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketLookups(t *testing.T) {
	repo, mock := newMock(t)
	cols := []string{"ticket_id", "run_id", "ticket_type", "status", "rendered_md", "rendered_json", "material_hash", "created_at", "sent_at"}

	mock.ExpectQuery("FROM tickets WHERE run_id = \\$1").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "r1", "TRADE", "RENDERED", "# Ticket", []byte(`{}`), "abc", at, nil))
	mock.ExpectQuery("FROM tickets WHERE ticket_id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("UPDATE tickets SET sent_at = COALESCE\\(sent_at, \\$2\\)").
		WithArgs("missing", at).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("UPDATE tickets SET sent_at").
		WithArgs("t1", at).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "r1", "TRADE", "RENDERED", "# Ticket", []byte(`{}`), "abc", at, at))

	ctx := context.Background()
	tk, err := repo.Tickets.GetByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketTrade, tk.TicketType)
	assert.Equal(t, "abc", tk.MaterialHash)
	assert.Nil(t, tk.SentAt)

	_, err = repo.Tickets.Get(ctx, "missing")
	assert.True(t, errors.Is(err, persistence.ErrNotFound), err)

	_, err = repo.Tickets.MarkSent(ctx, "missing", at)
	assert.True(t, errors.Is(err, persistence.ErrNotFound), err)

	sent, err := repo.Tickets.MarkSent(ctx, "t1", at)
	require.NoError(t, err)
	require.NotNil(t, sent.SentAt)
	assert.True(t, at.Equal(*sent.SentAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHighWaterMark(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("SELECT MAX\\(portfolio_value\\) FROM equity_marks").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery("SELECT MAX\\(portfolio_value\\) FROM equity_marks").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("1250.50"))

	ctx := context.Background()
	hwm, err := repo.Equity.HighWaterMark(ctx)
	require.NoError(t, err)
	assert.True(t, hwm.IsZero())

	hwm, err = repo.Equity.HighWaterMark(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1250.5", hwm.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerVersion(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("FROM ledger_cash_movements").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("2:1768316400|1:1"))

	v, err := repo.Ledger.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2:1768316400|1:1", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertDeliveryUpsert(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("INSERT INTO alert_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Alerts.RecordDelivery(context.Background(), domain.DeliveryReceipt{
		AlertID: "a1", Sink: "webhook", Status: domain.DeliveryFailed, Error: "timeout", AttemptedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
