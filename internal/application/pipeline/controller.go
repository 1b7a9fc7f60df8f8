package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// CadenceDaily is the cadence of scheduled decision runs
const CadenceDaily = "daily"

// Controller owns the run lifecycle: running -> succeeded|failed, once
type Controller struct {
	runs persistence.RunRepo
	now  func() time.Time
}

// NewController creates a run controller
func NewController(runs persistence.RunRepo) *Controller {
	return &Controller{runs: runs, now: time.Now}
}

// WithClock overrides the time source
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Open creates a running run for asof and returns its id
func (c *Controller) Open(ctx context.Context, asof time.Time, configHash, codeVersion string) (string, error) {
	run := domain.Run{
		RunID:       uuid.NewString(),
		StartedAt:   c.now().UTC(),
		Status:      domain.RunRunning,
		AsOfDate:    domain.DateOf(asof),
		Cadence:     CadenceDaily,
		ConfigHash:  configHash,
		CodeVersion: codeVersion,
	}
	if err := c.runs.Create(ctx, run); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	log.Info().
		Str("run_id", run.RunID).
		Str("asof", domain.FormatDate(run.AsOfDate)).
		Str("config_hash", configHash).
		Msg("Run opened")

	return run.RunID, nil
}

// Close moves a running run to a terminal status. Closing a run twice
// fails with persistence.ErrRunNotRunning.
func (c *Controller) Close(ctx context.Context, runID string, status domain.RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot close run %s with non-terminal status %q", runID, status)
	}
	if err := c.runs.Finish(ctx, runID, status, c.now().UTC()); err != nil {
		return fmt.Errorf("failed to close run %s: %w", runID, err)
	}

	log.Info().Str("run_id", runID).Str("status", string(status)).Msg("Run closed")
	return nil
}

// Running loads runID and checks it can still execute stages
func (c *Controller) Running(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := c.runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run.Status != domain.RunRunning {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, persistence.ErrRunNotRunning)
	}
	return run, nil
}
