package steps

import "errors"

var (
	ErrNotFound = errors.New("step not found")
	// ErrStatusConflict is returned by Transition when the current status is not an allowed source.
	ErrStatusConflict = errors.New("step run status conflict")
	ErrNoPrompts      = errors.New("no valid prompts configured")
	ErrInvalidPrompts = errors.New("invalid prompts")
)
