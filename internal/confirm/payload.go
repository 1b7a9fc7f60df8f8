// Package confirm ingests operator-reported execution outcomes for a
// ticket and records them as ledger fills.
package confirm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
)

// Payload is the operator submission: either an acknowledgement of a
// NO_TRADE ticket or per-line fills for a TRADE ticket
type Payload struct {
	AckNoTrade bool        `json:"ack_no_trade,omitempty"`
	Fills      []FillInput `json:"fills,omitempty"`
}

// FillInput is one reported line
type FillInput struct {
	Sequence       int                 `json:"sequence"`
	Symbol         string              `json:"symbol"`
	Side           domain.Side         `json:"side"`
	ExecutedStatus domain.FillStatus   `json:"executed_status"`
	Units          decimal.NullDecimal `json:"units"`
	FillPrice      decimal.NullDecimal `json:"fill_price"`
	ExecutedValue  decimal.NullDecimal `json:"executed_value"`
	FilledAt       *time.Time          `json:"filled_at,omitempty"`
	Notes          string              `json:"notes,omitempty"`
}

// ParsePayload decodes a submission, rejecting unknown fields
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, &domain.ValidationError{Subject: "confirmation", Problems: []string{err.Error()}}
	}
	return p, nil
}

// Validate checks p against the ticket and its intended lines and returns
// the fills to store. Every problem is reported, not just the first.
func Validate(ticket domain.Ticket, intended []domain.IntendedTrade, p Payload, at time.Time) ([]domain.Fill, error) {
	verr := &domain.ValidationError{Subject: "confirmation"}

	switch {
	case p.AckNoTrade && len(p.Fills) > 0:
		verr.Add("ack_no_trade and fills are mutually exclusive")
	case !p.AckNoTrade && len(p.Fills) == 0:
		verr.Add("payload must contain ack_no_trade or fills")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	switch ticket.TicketType {
	case domain.TicketNoTrade:
		if !p.AckNoTrade {
			verr.Add(fmt.Sprintf("ticket %s is NO_TRADE; only ack_no_trade is accepted", ticket.TicketID))
		}
		return nil, verr.Err()
	case domain.TicketTrade:
		if p.AckNoTrade {
			verr.Add(fmt.Sprintf("ticket %s is TRADE; report fills instead of ack_no_trade", ticket.TicketID))
			return nil, verr.Err()
		}
	default:
		verr.Add(fmt.Sprintf("ticket %s of type %s does not accept confirmations", ticket.TicketID, ticket.TicketType))
		return nil, verr.Err()
	}

	lines := make(map[int]domain.IntendedTrade, len(intended))
	for _, line := range intended {
		lines[line.Sequence] = line
	}

	seen := make(map[int]bool, len(p.Fills))
	fills := make([]domain.Fill, 0, len(p.Fills))
	for i, in := range p.Fills {
		where := fmt.Sprintf("fills[%d]", i)
		line, ok := lines[in.Sequence]
		if !ok {
			verr.Add(fmt.Sprintf("%s: sequence %d is not a line of ticket %s", where, in.Sequence, ticket.TicketID))
			continue
		}
		if seen[in.Sequence] {
			verr.Add(fmt.Sprintf("%s: sequence %d reported twice", where, in.Sequence))
			continue
		}
		seen[in.Sequence] = true

		if sym := strings.ToUpper(strings.TrimSpace(in.Symbol)); sym != line.Symbol {
			verr.Add(fmt.Sprintf("%s: symbol %q does not match line %d (%s)", where, in.Symbol, line.Sequence, line.Symbol))
		}
		if in.Side != line.Side {
			verr.Add(fmt.Sprintf("%s: side %q does not match line %d (%s)", where, in.Side, line.Sequence, line.Side))
		}
		if !in.ExecutedStatus.Valid() {
			verr.Add(fmt.Sprintf("%s: executed_status %q must be DONE, PARTIAL, SKIPPED or FAILED", where, in.ExecutedStatus))
		}
		for name, v := range map[string]decimal.NullDecimal{"units": in.Units, "fill_price": in.FillPrice, "executed_value": in.ExecutedValue} {
			if v.Valid && v.Decimal.IsNegative() {
				verr.Add(fmt.Sprintf("%s: %s cannot be negative", where, name))
			}
		}
		if in.ExecutedStatus.Executed() {
			if !in.Units.Valid || !in.Units.Decimal.IsPositive() {
				verr.Add(fmt.Sprintf("%s: %s requires units > 0", where, in.ExecutedStatus))
			}
			if !in.FillPrice.Valid || !in.FillPrice.Decimal.IsPositive() {
				verr.Add(fmt.Sprintf("%s: %s requires a fill_price", where, in.ExecutedStatus))
			}
		}

		fill := domain.Fill{
			TicketID:       ticket.TicketID,
			Sequence:       line.Sequence,
			Symbol:         line.Symbol,
			Side:           line.Side,
			ExecutedStatus: in.ExecutedStatus,
			Units:          decimal.Zero,
			ExecutedValue:  in.ExecutedValue,
			FillPrice:      in.FillPrice,
			Notes:          in.Notes,
		}
		if in.Units.Valid {
			fill.Units = in.Units.Decimal
		}
		if in.FilledAt != nil {
			ts := in.FilledAt.UTC()
			fill.FilledAt = &ts
		} else {
			ts := at.UTC()
			fill.FilledAt = &ts
		}
		if !fill.ExecutedValue.Valid && fill.FillPrice.Valid && in.ExecutedStatus.Executed() {
			fill.ExecutedValue = decimal.NewNullDecimal(fill.Units.Mul(fill.FillPrice.Decimal))
		}
		fills = append(fills, fill)
	}

	sort.Strings(verr.Problems)
	if err := verr.Err(); err != nil {
		return nil, err
	}

	sort.Slice(fills, func(i, j int) bool { return fills[i].Sequence < fills[j].Sequence })
	return fills, nil
}
