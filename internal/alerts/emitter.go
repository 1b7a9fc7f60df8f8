// Package alerts writes alert artifacts and fans them out to secondary sinks.
// The artifact is the primary record; the database index and sink delivery
// are best effort and never change the caller's outcome.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// Input describes one alert to emit
type Input struct {
	Type          domain.AlertType
	Severity      domain.Severity
	RunID         string
	TicketID      string
	Summary       string
	Details       interface{}
	ArtifactPaths []string
}

// Document is the alert.json payload
type Document struct {
	AlertID            string           `json:"alert_id"`
	AlertType          domain.AlertType `json:"alert_type"`
	Severity           domain.Severity  `json:"severity"`
	CreatedAt          time.Time        `json:"created_at"`
	RunID              string           `json:"run_id,omitempty"`
	TicketID           string           `json:"ticket_id,omitempty"`
	Summary            string           `json:"summary"`
	Details            json.RawMessage  `json:"details"`
	ArtifactPaths      []string         `json:"artifact_paths"`
	NextOperatorAction string           `json:"next_operator_action"`
}

// Emitted is the outcome of Emit
type Emitted struct {
	Alert      domain.Alert
	Document   Document
	Dir        string
	Deliveries []domain.DeliveryReceipt
}

// Emitter writes alerts and attempts secondary delivery
type Emitter struct {
	store  *artifacts.Store
	repo   persistence.AlertRepo
	sinks  []Sink
	dryRun bool
	now    func() time.Time
}

// NewEmitter creates an emitter. repo may be nil when no index is available.
func NewEmitter(store *artifacts.Store, repo persistence.AlertRepo, sinks []Sink, dryRun bool) *Emitter {
	return &Emitter{store: store, repo: repo, sinks: sinks, dryRun: dryRun, now: time.Now}
}

// NewEmitterFromConfig builds the emitter with the configured sinks
func NewEmitterFromConfig(store *artifacts.Store, repo persistence.AlertRepo, cfg config.AlertsConfig) (*Emitter, error) {
	sinks, err := SinksFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewEmitter(store, repo, sinks, cfg.SecondaryDryRun), nil
}

// WithClock overrides the time source
func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	e.now = now
	return e
}

// AlertID builds <utc stamp>-<type>-<run id|ticket id|none>
func AlertID(at time.Time, t domain.AlertType, runID, ticketID string) string {
	suffix := strings.TrimSpace(runID)
	if suffix == "" {
		suffix = strings.TrimSpace(ticketID)
	}
	if suffix == "" {
		suffix = "none"
	}
	return fmt.Sprintf("%s-%s-%s", domain.Stamp(at), t, suffix)
}

// DefaultSeverity is the severity used when the caller gives none
func DefaultSeverity(t domain.AlertType) domain.Severity {
	switch t {
	case domain.AlertInternalError, domain.AlertReconciliationFail:
		return domain.SeverityError
	default:
		return domain.SeverityWarn
	}
}

// NextOperatorAction is the runbook step printed with an alert
func NextOperatorAction(t domain.AlertType, runID, ticketID string) string {
	switch t {
	case domain.AlertDataQualityFail:
		return "Inspect the data quality report; for a holiday or late data rerun with --asof override. Trading stays blocked until the gate passes."
	case domain.AlertReconciliationFail:
		return "Capture a fresh broker snapshot and rerun reconcile. Trading stays blocked until reconciliation passes."
	case domain.AlertConfirmationMissing:
		if ticketID != "" {
			return fmt.Sprintf("Submit the confirmation for ticket_id=%s, then rerun.", ticketID)
		}
		return "Submit the missing ticket confirmation, then rerun."
	case domain.AlertRiskGuardBlocked:
		if runID != "" {
			return fmt.Sprintf("Review the NO_TRADE ticket for run_id=%s; do not trade until the blockers clear.", runID)
		}
		return "Review the NO_TRADE ticket; do not trade until the blockers clear."
	case domain.AlertSchedulerMisfire:
		return "Inspect the scheduler log, fix the underlying error, then rerun the missed job manually."
	case domain.AlertInternalError:
		return "Inspect the run log and the failed run's reports; rerun once the error is fixed."
	default:
		return "Review the alert details and follow the runbook."
	}
}

// Valid reports whether t is a known alert type
func Valid(t domain.AlertType) bool {
	switch t {
	case domain.AlertDataQualityFail, domain.AlertReconciliationFail, domain.AlertConfirmationMissing,
		domain.AlertRiskGuardBlocked, domain.AlertInternalError, domain.AlertSchedulerMisfire:
		return true
	}
	return false
}

// Emit writes alerts/<id>/alert.{json,md}, indexes the alert and attempts each
// secondary sink once. Only a failure to write the artifact is returned.
func (e *Emitter) Emit(ctx context.Context, in Input) (Emitted, error) {
	if !Valid(in.Type) {
		return Emitted{}, fmt.Errorf("unknown alert type %q", in.Type)
	}
	if in.Severity == "" {
		in.Severity = DefaultSeverity(in.Type)
	}

	at := e.now().UTC().Truncate(time.Second)

	details := json.RawMessage(`{}`)
	if in.Details != nil {
		raw, err := json.Marshal(in.Details)
		if err != nil {
			return Emitted{}, fmt.Errorf("failed to encode alert details: %w", err)
		}
		details = raw
	}

	// a same-second alert of the same type gets a suffixed id and directory
	dir, id, err := e.store.CreateDir("alerts", AlertID(at, in.Type, in.RunID, in.TicketID))
	if err != nil {
		return Emitted{}, fmt.Errorf("failed to allocate alert directory: %w", err)
	}

	paths := make([]string, 0, len(in.ArtifactPaths)+2)
	for _, p := range in.ArtifactPaths {
		if p != "" {
			paths = append(paths, p)
		}
	}
	paths = append(paths, filepath.Join(dir, "alert.json"), filepath.Join(dir, "alert.md"))

	doc := Document{
		AlertID:            id,
		AlertType:          in.Type,
		Severity:           in.Severity,
		CreatedAt:          at,
		RunID:              in.RunID,
		TicketID:           in.TicketID,
		Summary:            in.Summary,
		Details:            details,
		ArtifactPaths:      paths,
		NextOperatorAction: NextOperatorAction(in.Type, in.RunID, in.TicketID),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Emitted{}, fmt.Errorf("failed to encode alert: %w", err)
	}
	err = artifacts.FanoutWrite(dir, map[string][]byte{
		"alert.json": data,
		"alert.md":   []byte(renderMarkdown(doc)),
	})
	if err != nil {
		return Emitted{}, fmt.Errorf("failed to write alert artifact: %w", err)
	}

	alert := domain.Alert{
		AlertID:      id,
		AlertType:    in.Type,
		Severity:     in.Severity,
		Summary:      in.Summary,
		Details:      details,
		ArtifactPath: dir,
		CreatedAt:    at,
	}
	if in.RunID != "" {
		runID := in.RunID
		alert.RunID = &runID
	}
	if in.TicketID != "" {
		ticketID := in.TicketID
		alert.TicketID = &ticketID
	}

	log.Warn().
		Str("alert_id", id).
		Str("alert_type", string(in.Type)).
		Str("severity", string(in.Severity)).
		Str("path", dir).
		Msg(in.Summary)

	if e.repo != nil {
		if err := e.repo.Record(ctx, alert); err != nil {
			log.Error().Err(err).Str("alert_id", id).Msg("Alert index insert failed")
		}
	}

	out := Emitted{Alert: alert, Document: doc, Dir: dir}
	out.Deliveries = e.deliver(ctx, alert, doc.NextOperatorAction, dir)
	return out, nil
}

func (e *Emitter) deliver(ctx context.Context, alert domain.Alert, action, dir string) []domain.DeliveryReceipt {
	receiptPath := filepath.Join(dir, "delivery.json")
	var receipts []domain.DeliveryReceipt

	if len(e.sinks) == 0 {
		receipts = append(receipts, domain.DeliveryReceipt{
			AlertID:     alert.AlertID,
			Sink:        "none",
			DryRun:      e.dryRun,
			Status:      domain.DeliverySkipped,
			AttemptedAt: e.now().UTC(),
			ReceiptPath: receiptPath,
		})
	}

	for _, sink := range e.sinks {
		receipt := domain.DeliveryReceipt{
			AlertID:     alert.AlertID,
			Sink:        sink.Name(),
			DryRun:      e.dryRun,
			AttemptedAt: e.now().UTC(),
			ReceiptPath: receiptPath,
		}
		switch {
		case e.dryRun:
			receipt.Status = domain.DeliveryWouldSend
		default:
			if err := sink.Send(ctx, alert, action); err != nil {
				receipt.Status = domain.DeliveryFailed
				receipt.Error = err.Error()
				log.Warn().Err(err).Str("alert_id", alert.AlertID).Str("sink", sink.Name()).Msg("Secondary alert delivery failed")
			} else {
				receipt.Status = domain.DeliverySent
			}
		}
		receipts = append(receipts, receipt)
	}

	if err := artifacts.WriteJSONAtomic(receiptPath, map[string]interface{}{
		"alert_id":   alert.AlertID,
		"deliveries": receipts,
	}); err != nil {
		log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("Failed to write delivery receipt")
	}

	if e.repo != nil {
		for _, r := range receipts {
			if err := e.repo.RecordDelivery(ctx, r); err != nil {
				log.Error().Err(err).Str("alert_id", alert.AlertID).Str("sink", r.Sink).Msg("Delivery receipt insert failed")
			}
		}
	}

	return receipts
}

func renderMarkdown(doc Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ALERT: %s (%s)\n\n", doc.AlertType, doc.Severity)
	fmt.Fprintf(&b, "- alert_id: `%s`\n", doc.AlertID)
	fmt.Fprintf(&b, "- created: `%s`\n", doc.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- run_id: `%s`\n", doc.RunID)
	fmt.Fprintf(&b, "- ticket_id: `%s`\n", doc.TicketID)

	b.WriteString("\n## Summary\n\n")
	b.WriteString(doc.Summary)
	b.WriteString("\n\n## Pointers\n\n")
	for _, p := range doc.ArtifactPaths {
		fmt.Fprintf(&b, "- `%s`\n", p)
	}

	b.WriteString("\n## Details\n\n```json\n")
	var pretty interface{}
	if err := json.Unmarshal(doc.Details, &pretty); err == nil {
		if data, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			b.Write(data)
		}
	}
	b.WriteString("\n```\n\n## Next operator action\n\n")
	b.WriteString(doc.NextOperatorAction)
	b.WriteString("\n")
	return b.String()
}
