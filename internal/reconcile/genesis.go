package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/ticket"
)

// CadenceGenesis marks the synthetic run that seeds the ledger
const CadenceGenesis = "genesis"

// PlanGenesis builds the synthetic history that makes an empty ledger
// equal to snap: one BUY fill per position without cash effect, plus a
// baseline movement closing the cash gap.
func PlanGenesis(snap domain.Snapshot, state ledger.State, configHash, codeVersion string, at time.Time) (persistence.GenesisPlan, error) {
	at = at.UTC()
	runID := uuid.NewString()
	ticketID := ticket.ID(runID, domain.TicketGenesis)
	note := "GENESIS_FROM_SNAPSHOT_" + snap.SnapshotID

	plan := persistence.GenesisPlan{
		Run: domain.Run{
			RunID:       runID,
			StartedAt:   at,
			FinishedAt:  &at,
			Status:      domain.RunSucceeded,
			AsOfDate:    domain.DateOf(snap.SnapshotDate),
			Cadence:     CadenceGenesis,
			ConfigHash:  configHash,
			CodeVersion: codeVersion,
			Notes:       note,
		},
	}

	seq := 0
	for _, p := range snap.Positions {
		if p.Units.IsZero() {
			continue
		}
		seq++
		filledAt := at
		plan.Fills = append(plan.Fills, domain.Fill{
			TicketID:       ticketID,
			Sequence:       seq,
			Symbol:         p.Symbol,
			Side:           domain.SideBuy,
			ExecutedStatus: domain.FillDone,
			Units:          p.Units,
			FilledAt:       &filledAt,
			Notes:          note,
		})
	}

	gap := snap.Cash.Sub(state.Cash)
	if !gap.IsZero() {
		plan.CashMovement = &domain.CashMovement{
			OccurredAt:   at,
			Amount:       gap,
			Currency:     snap.Currency,
			MovementType: domain.CashBaseline,
			Notes:        note,
		}
	}

	summary := map[string]interface{}{
		"snapshot_id":   snap.SnapshotID,
		"snapshot_date": domain.FormatDate(snap.SnapshotDate),
		"cash":          snap.Cash,
		"cash_gap":      gap,
		"positions":     snap.Positions,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return persistence.GenesisPlan{}, fmt.Errorf("failed to encode genesis summary: %w", err)
	}
	hash, err := ticket.Digest(struct {
		Schema    string                    `json:"schema"`
		Cash      string                    `json:"cash"`
		Positions []domain.SnapshotPosition `json:"positions"`
	}{ticket.HashSchema, snap.Cash.String(), snap.Positions})
	if err != nil {
		return persistence.GenesisPlan{}, err
	}

	plan.Ticket = domain.Ticket{
		TicketID:     ticketID,
		RunID:        runID,
		TicketType:   domain.TicketGenesis,
		Status:       domain.TicketClosed,
		RenderedMD:   genesisMarkdown(snap, ticketID, runID),
		RenderedJSON: data,
		MaterialHash: hash,
		CreatedAt:    at,
	}

	plan.Audit = domain.AuditEntry{
		Actor:      "system",
		Action:     "genesis_bootstrap",
		ObjectType: "snapshot",
		ObjectID:   snap.SnapshotID,
		TicketID:   &ticketID,
		Details:    data,
		CreatedAt:  at,
	}

	return plan, nil
}

func genesisMarkdown(snap domain.Snapshot, ticketID, runID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# GENESIS %s\n\n", domain.FormatDate(snap.SnapshotDate))
	fmt.Fprintf(&b, "- Ticket ID: %s\n- Run ID: %s\n- Snapshot: %s\n- Cash: %s %s\n\n",
		ticketID, runID, snap.SnapshotID, snap.Cash, snap.Currency)
	b.WriteString("Ledger seeded from snapshot. No orders were placed.\n\n| Symbol | Units |\n|---|---|\n")
	for _, p := range snap.Positions {
		fmt.Fprintf(&b, "| %s | %s |\n", p.Symbol, p.Units)
	}
	return b.String()
}
