// Package ticket renders the per-run decision document handed to the
// operator and fingerprints its economic content.
package ticket

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/domain"
)

const (
	// SchemaVersion is stamped on every structured ticket
	SchemaVersion = "ticket.v1"

	// HashSchema versions the material-hash payload
	HashSchema = "economic_v1"
)

var idNamespace = uuid.MustParse("7d6dbdd0-3a1d-4ad9-a119-09b73a9a8db1")

// ID derives the ticket id for a run's decision
func ID(runID string, decision domain.TicketType) string {
	return uuid.NewSHA1(idNamespace, []byte(runID+":"+string(decision))).String()
}

// Decision is the economic content of a ticket
type Decision struct {
	Type       domain.TicketType        `json:"decision_type"`
	Trades     []domain.IntendedTrade   `json:"trades"`
	Reasons    []domain.Reason          `json:"reasons"`
	Suppressed []domain.SuppressedTrade `json:"suppressed"`
}

type hashLine struct {
	Sequence       int    `json:"sequence"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Units          int64  `json:"units"`
	ReferencePrice string `json:"reference_price"`
	OrderType      string `json:"order_type"`
}

type hashPayload struct {
	Schema       string     `json:"schema"`
	DecisionType string     `json:"decision_type"`
	Trades       []hashLine `json:"trades"`
	Reasons      []string   `json:"reasons"`
}

// MaterialHash fingerprints the decision type, ordered trade lines and
// reason keys. Identifiers, paths, timestamps and suppressed deltas are
// not part of it.
func MaterialHash(d Decision) (string, error) {
	payload := hashPayload{
		Schema:       HashSchema,
		DecisionType: string(d.Type),
		Trades:       make([]hashLine, 0, len(d.Trades)),
		Reasons:      domain.ReasonKeys(d.Reasons),
	}
	for _, t := range d.Trades {
		payload.Trades = append(payload.Trades, hashLine{
			Sequence:       t.Sequence,
			Symbol:         t.Symbol,
			Side:           string(t.Side),
			Units:          t.Units,
			ReferencePrice: t.ReferencePrice.StringFixed(4),
			OrderType:      t.OrderType,
		})
	}
	return Digest(payload)
}

// Digest is the hex SHA-256 of v's JSON encoding
func Digest(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// GateStatus is one gate line printed on the ticket
type GateStatus struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Note   string `json:"note,omitempty"`
}

// Options carries operator guidance that is not part of the decision
type Options struct {
	ExecutionWindow string
	Currency        string
}

// Input is everything the renderer reads
type Input struct {
	Run        domain.Run
	TicketID   string // Empty derives it from the run and decision
	Decision   Decision
	Gates      []GateStatus
	Options    Options
	Fills      []domain.Fill // Confirmed outcomes, present on re-render only
	RenderedAt time.Time
}

// Line is a trade line as printed
type Line struct {
	Sequence       int             `json:"sequence"`
	Symbol         string          `json:"symbol"`
	Side           domain.Side     `json:"side"`
	Units          int64           `json:"units"`
	Notional       decimal.Decimal `json:"notional"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	OrderType      string          `json:"order_type"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
	LimitPrice     decimal.Decimal `json:"slippage_limit_price"`
}

// Document is the structured ticket
type Document struct {
	SchemaVersion   string                   `json:"schema_version"`
	TicketID        string                   `json:"ticket_id"`
	RunID           string                   `json:"run_id"`
	AsOfDate        string                   `json:"asof_date"`
	DecisionType    domain.TicketType        `json:"decision_type"`
	MaterialHash    string                   `json:"material_hash"`
	RenderedAt      time.Time                `json:"rendered_at"`
	Currency        string                   `json:"currency"`
	ExecutionWindow string                   `json:"execution_window"`
	Gates           []GateStatus             `json:"gates"`
	Trades          []Line                   `json:"trades"`
	Reasons         []domain.Reason          `json:"reasons"`
	Suppressed      []domain.SuppressedTrade `json:"suppressed"`
	Instructions    []string                 `json:"instructions"`
	Fills           []domain.Fill            `json:"fills,omitempty"`
}

// Rendered is the output of Render
type Rendered struct {
	Ticket   domain.Ticket
	Document Document
	Markdown string
}

// Render produces both representations of the ticket. It performs no I/O.
func Render(in Input) (Rendered, error) {
	decision := in.Decision
	if decision.Type == domain.TicketTrade && len(decision.Trades) == 0 {
		return Rendered{}, fmt.Errorf("TRADE decision for run %s has no trade lines", in.Run.RunID)
	}
	if decision.Type == domain.TicketNoTrade && len(decision.Reasons) == 0 {
		return Rendered{}, fmt.Errorf("NO_TRADE decision for run %s has no reasons", in.Run.RunID)
	}

	hash, err := MaterialHash(decision)
	if err != nil {
		return Rendered{}, err
	}

	ticketID := in.TicketID
	if ticketID == "" {
		ticketID = ID(in.Run.RunID, decision.Type)
	}

	doc := Document{
		SchemaVersion:   SchemaVersion,
		TicketID:        ticketID,
		RunID:           in.Run.RunID,
		AsOfDate:        domain.FormatDate(in.Run.AsOfDate),
		DecisionType:    decision.Type,
		MaterialHash:    hash,
		RenderedAt:      in.RenderedAt.UTC(),
		Currency:        in.Options.Currency,
		ExecutionWindow: in.Options.ExecutionWindow,
		Gates:           append([]GateStatus{}, in.Gates...),
		Trades:          make([]Line, 0, len(decision.Trades)),
		Reasons:         append([]domain.Reason{}, decision.Reasons...),
		Suppressed:      append([]domain.SuppressedTrade{}, decision.Suppressed...),
		Instructions:    instructions(decision.Type, in.Options),
		Fills:           append([]domain.Fill(nil), in.Fills...),
	}
	for _, t := range decision.Trades {
		doc.Trades = append(doc.Trades, Line{
			Sequence:       t.Sequence,
			Symbol:         t.Symbol,
			Side:           t.Side,
			Units:          t.Units,
			Notional:       t.Notional.Round(2),
			ReferencePrice: t.ReferencePrice,
			OrderType:      t.OrderType,
			MaxSlippageBps: t.MaxSlippageBps,
			LimitPrice:     slippageLimit(t),
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Rendered{}, fmt.Errorf("failed to encode ticket: %w", err)
	}
	md := renderMarkdown(doc)

	return Rendered{
		Ticket: domain.Ticket{
			TicketID:     ticketID,
			RunID:        in.Run.RunID,
			TicketType:   decision.Type,
			Status:       domain.TicketRendered,
			RenderedMD:   md,
			RenderedJSON: data,
			MaterialHash: hash,
			CreatedAt:    in.RenderedAt.UTC(),
		},
		Document: doc,
		Markdown: md,
	}, nil
}

// slippageLimit is the worst acceptable price for the line
func slippageLimit(t domain.IntendedTrade) decimal.Decimal {
	bps := decimal.NewFromInt(int64(t.MaxSlippageBps)).Div(decimal.NewFromInt(10000))
	if t.Side == domain.SideSell {
		return t.ReferencePrice.Mul(decimal.NewFromInt(1).Sub(bps)).Round(4)
	}
	return t.ReferencePrice.Mul(decimal.NewFromInt(1).Add(bps)).Round(4)
}

func instructions(kind domain.TicketType, opts Options) []string {
	if kind != domain.TicketTrade {
		return []string{
			"Do not place any orders for this run.",
			"Acknowledge this ticket with ack_no_trade.",
		}
	}
	out := []string{
		"Place orders strictly in sequence order: all SELLs before any BUY.",
		"Skip any line whose instrument is not tradable at your broker and report it as SKIPPED.",
		"Skip a line if the live price is beyond its slippage limit and report it as SKIPPED.",
		"Report every line as DONE, PARTIAL, SKIPPED or FAILED with units and fill price.",
	}
	if opts.ExecutionWindow != "" {
		out = append([]string{"Execute within " + opts.ExecutionWindow + "."}, out...)
	}
	return out
}

// Paths locates a written ticket
type Paths struct {
	Dir          string `json:"dir"`
	Markdown     string `json:"markdown"`
	JSON         string `json:"json"`
	MaterialHash string `json:"material_hash"`
}

// Write stores tickets/<id>/ticket.{md,json} and material_hash.txt.
// Re-rendering replaces the files.
func Write(store *artifacts.Store, r Rendered) (Paths, error) {
	dir := store.Path("tickets", r.Ticket.TicketID)
	err := artifacts.FanoutWrite(dir, map[string][]byte{
		"ticket.md":         []byte(r.Markdown),
		"ticket.json":       r.Ticket.RenderedJSON,
		"material_hash.txt": []byte(r.Ticket.MaterialHash + "\n"),
	})
	if err != nil {
		return Paths{}, fmt.Errorf("failed to write ticket %s: %w", r.Ticket.TicketID, err)
	}
	return Paths{
		Dir:          dir,
		Markdown:     filepath.Join(dir, "ticket.md"),
		JSON:         filepath.Join(dir, "ticket.json"),
		MaterialHash: filepath.Join(dir, "material_hash.txt"),
	}, nil
}
