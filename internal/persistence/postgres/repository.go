package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/peterwi/project-f/internal/persistence"
)

const uniqueViolation = "23505"

// NewRepository wires every PostgreSQL repository onto one handle
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Runs:          NewRunRepo(db, timeout),
		Gates:         NewGateRepo(db, timeout),
		Market:        NewMarketRepo(db, timeout),
		Targets:       NewTargetRepo(db, timeout),
		Trades:        NewTradeRepo(db, timeout),
		Tickets:       NewTicketRepo(db, timeout),
		Ledger:        NewLedgerRepo(db, timeout),
		Confirmations: NewConfirmationRepo(db, timeout),
		Recon:         NewReconciliationRepo(db, timeout),
		Equity:        NewEquityRepo(db, timeout),
		Alerts:        NewAlertRepo(db, timeout),
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// jsonb renders a document for a JSONB parameter; lib/pq sends []byte as bytea.
func jsonb(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func jsonbValue(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
