package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// tradeRepo implements TradeRepo for PostgreSQL
type tradeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradeRepo creates a new PostgreSQL intended-trade repository
func NewTradeRepo(db *sqlx.DB, timeout time.Duration) persistence.TradeRepo {
	return &tradeRepo{
		db:      db,
		timeout: timeout,
	}
}

// ReplaceIntended deletes and re-inserts the run's lines in one transaction
func (r *tradeRepo) ReplaceIntended(ctx context.Context, runID string, trades []domain.IntendedTrade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades_intended WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete intended trades: %w", err)
	}

	if len(trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trades_intended
				(run_id, sequence, ticket_id, symbol, side, units, notional, order_type, reference_price, max_slippage_bps)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, t := range trades {
			if t.RunID != runID {
				return fmt.Errorf("intended trade %d belongs to run %s, not %s", t.Sequence, t.RunID, runID)
			}
			_, err = stmt.ExecContext(ctx,
				runID, t.Sequence, t.TicketID, t.Symbol, t.Side, t.Units,
				t.Notional, t.OrderType, t.ReferencePrice, t.MaxSlippageBps)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("sequence %d repeated: %w", t.Sequence, persistence.ErrDuplicate)
				}
				return fmt.Errorf("failed to insert intended trade in batch: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListIntended returns the run's lines ordered by sequence
func (r *tradeRepo) ListIntended(ctx context.Context, runID string) ([]domain.IntendedTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trades []domain.IntendedTrade
	err := r.db.SelectContext(ctx, &trades, `
		SELECT run_id, sequence, ticket_id, symbol, side, units, notional, order_type, reference_price, max_slippage_bps
		FROM trades_intended
		WHERE run_id = $1
		ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query intended trades: %w", err)
	}

	return trades, nil
}

// LinkTicket stamps the ticket id onto the run's lines
func (r *tradeRepo) LinkTicket(ctx context.Context, runID, ticketID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`UPDATE trades_intended SET ticket_id = $2 WHERE run_id = $1`, runID, ticketID); err != nil {
		return fmt.Errorf("failed to link intended trades to ticket: %w", err)
	}

	return nil
}
