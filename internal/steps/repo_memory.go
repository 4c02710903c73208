package steps

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory StateStore used in dev mode and tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	steps map[string]Step
	now   func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		steps: make(map[string]Step),
		now:   time.Now,
	}
}

// Put stores or replaces a step definition.
func (r *MemoryRepo) Put(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.RunStatus == "" {
		step.RunStatus = StatusIdle
	}
	if step.UpdatedAt.IsZero() {
		step.UpdatedAt = r.now().UTC()
	}
	r.steps[step.ID] = step
}

func (r *MemoryRepo) Get(ctx context.Context, stepID, projectID string) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepID]
	if !ok || step.ProjectID != projectID {
		return Step{}, ErrNotFound
	}
	return step, nil
}

func (r *MemoryRepo) Update(ctx context.Context, stepID, projectID string, upd StateUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok || step.ProjectID != projectID {
		return ErrNotFound
	}
	upd.Apply(&step)
	step.UpdatedAt = r.now().UTC()
	r.steps[stepID] = step
	return nil
}

func (r *MemoryRepo) Transition(ctx context.Context, stepID, projectID string, from []RunStatus, upd StateUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok || step.ProjectID != projectID {
		return ErrNotFound
	}
	if !statusIn(step.RunStatus, from) {
		return ErrStatusConflict
	}
	upd.Apply(&step)
	step.UpdatedAt = r.now().UTC()
	r.steps[stepID] = step
	return nil
}

func statusIn(s RunStatus, set []RunStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

var _ StateStore = (*MemoryRepo)(nil)
