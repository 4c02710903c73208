package steps

import "context"

// StateStore reads and writes a step's run state. Every call is scoped by
// step id and owning project id.
type StateStore interface {
	Get(ctx context.Context, stepID, projectID string) (Step, error)
	// Update writes only the set fields and always stamps updated_at.
	Update(ctx context.Context, stepID, projectID string, upd StateUpdate) error
	// Transition applies upd only while the current status is one of from.
	Transition(ctx context.Context, stepID, projectID string, from []RunStatus, upd StateUpdate) error
}
