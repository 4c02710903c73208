package reprocess

import (
	"context"
	"errors"
	"fmt"

	"docsteps-backend/internal/llm"
)

var (
	ErrRunInProgress = errors.New("a run is already in progress for this step")
	ErrRunPaused     = errors.New("step is paused; resume it or start a run with reprocess_type=new")
	ErrInvalidMode   = errors.New("invalid reprocess_type")
	ErrNotRunning    = errors.New("step is not running")
	ErrNotPaused     = errors.New("step is not paused")
)

// ErrorKind classifies faults that abort a whole run.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindNetwork    ErrorKind = "network"
	KindStorage    ErrorKind = "storage"
	KindDatabase   ErrorKind = "database"
	KindUnexpected ErrorKind = "unexpected"
)

// RunError is a run-level fault. Per-document problems never surface as RunError.
type RunError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func runError(kind ErrorKind, op string, err error) *RunError {
	return &RunError{Kind: kind, Op: op, Err: err}
}

// providerError classifies an executor failure. ok is false when the failure
// only concerns the current document.
func providerError(err error) (*RunError, bool) {
	switch {
	case llm.IsTimeout(err):
		return runError(KindTimeout, "llm call", err), true
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, context.Canceled):
		return runError(KindUnexpected, "llm call", err), true
	case llm.IsNetwork(err):
		return runError(KindNetwork, "llm call", err), true
	}
	return nil, false
}
