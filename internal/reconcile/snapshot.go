package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
)

// SnapshotPayload is the operator-supplied account snapshot
type SnapshotPayload struct {
	SnapshotDate string                    `json:"snapshot_date"`
	Cash         decimal.Decimal           `json:"cash"`
	Currency     string                    `json:"currency,omitempty"`
	Notes        string                    `json:"notes,omitempty"`
	Positions    []domain.SnapshotPosition `json:"positions"`
}

// ParseSnapshot decodes a snapshot payload, rejecting unknown fields
func ParseSnapshot(data []byte) (SnapshotPayload, error) {
	var p SnapshotPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return SnapshotPayload{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return p, nil
}

// Build validates the payload and produces an immutable snapshot.
// Symbols are upper-cased; each may appear once with positive units.
func (p SnapshotPayload) Build(baseCurrency string, at time.Time) (domain.Snapshot, error) {
	verr := &domain.ValidationError{Subject: "snapshot"}

	day, err := domain.ParseDate(p.SnapshotDate)
	if err != nil {
		verr.Add(err.Error())
	}
	if p.Cash.IsNegative() {
		verr.Add("cash cannot be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = baseCurrency
	}
	if currency != baseCurrency {
		verr.Add(fmt.Sprintf("currency %s does not match account currency %s", currency, baseCurrency))
	}

	seen := make(map[string]bool, len(p.Positions))
	positions := make([]domain.SnapshotPosition, 0, len(p.Positions))
	for i, pos := range p.Positions {
		sym := strings.ToUpper(strings.TrimSpace(pos.Symbol))
		switch {
		case sym == "":
			verr.Add(fmt.Sprintf("positions[%d]: symbol is required", i))
			continue
		case seen[sym]:
			verr.Add(fmt.Sprintf("positions[%d]: %s listed twice", i, sym))
			continue
		case !pos.Units.IsPositive():
			verr.Add(fmt.Sprintf("positions[%d]: %s units must be positive", i, sym))
			continue
		}
		seen[sym] = true
		positions = append(positions, domain.SnapshotPosition{Symbol: sym, Units: pos.Units})
	}
	if err := verr.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	return domain.Snapshot{
		SnapshotID:   uuid.NewString(),
		SnapshotDate: day,
		Currency:     currency,
		Cash:         p.Cash,
		Notes:        p.Notes,
		CreatedAt:    at.UTC(),
		Positions:    positions,
	}, nil
}
