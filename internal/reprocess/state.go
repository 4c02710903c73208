package reprocess

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/steps"
)

const (
	defaultFinalAttempts = 3
	defaultFinalBackoff  = 200 * time.Millisecond
	finalWriteTimeout    = 10 * time.Second
)

// stateWriter persists run state for one step. Progress ticks are best
// effort; the final write is retried on a context of its own.
type stateWriter struct {
	store     steps.StateStore
	stepID    string
	projectID string
	attempts  int
	backoff   time.Duration
}

func (w *stateWriter) fields(extra map[string]any) map[string]any {
	out := map[string]any{"step_id": w.stepID, "project_id": w.projectID}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// tick writes upd and logs, but otherwise ignores, a failure.
func (w *stateWriter) tick(ctx context.Context, upd steps.StateUpdate) {
	if err := w.store.Update(ctx, w.stepID, w.projectID, upd); err != nil {
		telemetry.Warn("reprocess.state.tick_failed", w.fields(map[string]any{"error": err.Error()}))
	}
}

// final writes the terminal state. It does not inherit the caller's
// cancellation so a dropped client cannot leave a step stuck in running.
func (w *stateWriter) final(upd steps.StateUpdate) error {
	attempts := w.attempts
	if attempts <= 0 {
		attempts = defaultFinalAttempts
	}
	backoff := w.backoff
	if backoff <= 0 {
		backoff = defaultFinalBackoff
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	attempt := 0
	policy := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(backoff))
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		err := w.store.Update(ctx, w.stepID, w.projectID, upd)
		if err == nil || errors.Is(err, steps.ErrNotFound) {
			return err
		}
		telemetry.Warn("reprocess.state.final_retry", w.fields(map[string]any{"attempt": attempt, "error": err.Error()}))
		return retry.RetryableError(err)
	})
	if err != nil {
		telemetry.Error("reprocess.state.final_failed", w.fields(map[string]any{"attempts": attempt, "error": err.Error()}))
	}
	return err
}
