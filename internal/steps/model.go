package steps

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a step's bulk run.
type RunStatus string

const (
	StatusIdle                RunStatus = "idle"
	StatusRunning             RunStatus = "running"
	StatusPaused              RunStatus = "paused"
	StatusCompletedOK         RunStatus = "completed-ok"
	StatusCompletedWithErrors RunStatus = "completed-with-errors"
	StatusCompletedEmpty      RunStatus = "completed-empty"
	StatusError               RunStatus = "error"
)

// Completed reports whether s is one of the completed-* terminal states.
func (s RunStatus) Completed() bool {
	switch s {
	case StatusCompletedOK, StatusCompletedWithErrors, StatusCompletedEmpty:
		return true
	}
	return false
}

// NoOffset is the resumption offset of a step that has not finished any document.
const NoOffset = -1

// Step is a processing step: an ordered prompt sequence plus the progress of its latest run.
type Step struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	// RawPrompts is the stored prompts column; use Prompts to read it.
	RawPrompts json.RawMessage

	RunStatus           RunStatus
	LastReprocessType   string
	TotalDocuments      int
	ProcessedCount      int
	FailedCount         int
	LastProcessedOffset int
	UpdatedAt           time.Time
}

// Prompts returns the normalized prompt sequence.
func (s Step) Prompts() ([]PromptUnit, error) {
	return NormalizePrompts(s.RawPrompts, s.Description)
}

// StateUpdate is a sparse write: nil fields are left untouched.
type StateUpdate struct {
	RunStatus           *RunStatus
	LastReprocessType   *string
	TotalDocuments      *int
	ProcessedCount      *int
	FailedCount         *int
	LastProcessedOffset *int
}

// Empty reports whether no field is set.
func (u StateUpdate) Empty() bool {
	return u.RunStatus == nil && u.LastReprocessType == nil && u.TotalDocuments == nil &&
		u.ProcessedCount == nil && u.FailedCount == nil && u.LastProcessedOffset == nil
}

// Apply copies the set fields onto s.
func (u StateUpdate) Apply(s *Step) {
	if u.RunStatus != nil {
		s.RunStatus = *u.RunStatus
	}
	if u.LastReprocessType != nil {
		s.LastReprocessType = *u.LastReprocessType
	}
	if u.TotalDocuments != nil {
		s.TotalDocuments = *u.TotalDocuments
	}
	if u.ProcessedCount != nil {
		s.ProcessedCount = *u.ProcessedCount
	}
	if u.FailedCount != nil {
		s.FailedCount = *u.FailedCount
	}
	if u.LastProcessedOffset != nil {
		s.LastProcessedOffset = *u.LastProcessedOffset
	}
}

// Status is shorthand for a status-only update.
func Status(s RunStatus) StateUpdate {
	return StateUpdate{RunStatus: &s}
}

// Counters is shorthand for a progress tick.
func Counters(total, processed, failed int) StateUpdate {
	return StateUpdate{TotalDocuments: &total, ProcessedCount: &processed, FailedCount: &failed}
}

// Offset is shorthand for a resumption offset write.
func Offset(offset int) StateUpdate {
	return StateUpdate{LastProcessedOffset: &offset}
}

// Merge returns u with every field set in other overriding it.
func (u StateUpdate) Merge(other StateUpdate) StateUpdate {
	if other.RunStatus != nil {
		u.RunStatus = other.RunStatus
	}
	if other.LastReprocessType != nil {
		u.LastReprocessType = other.LastReprocessType
	}
	if other.TotalDocuments != nil {
		u.TotalDocuments = other.TotalDocuments
	}
	if other.ProcessedCount != nil {
		u.ProcessedCount = other.ProcessedCount
	}
	if other.FailedCount != nil {
		u.FailedCount = other.FailedCount
	}
	if other.LastProcessedOffset != nil {
		u.LastProcessedOffset = other.LastProcessedOffset
	}
	return u
}
