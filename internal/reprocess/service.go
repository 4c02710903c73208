package reprocess

import (
	"context"
	"errors"
	"fmt"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/steps"
	"docsteps-backend/internal/summary"
)

// startable are the statuses a new run may claim from. paused is added for
// mode new, which continues from the stored offset.
var startable = []steps.RunStatus{
	steps.StatusIdle,
	steps.StatusCompletedOK,
	steps.StatusCompletedWithErrors,
	steps.StatusCompletedEmpty,
	steps.StatusError,
}

// Service is the control surface for runs: start, pause, resume, inspect and reset.
type Service struct {
	Engine    *Engine
	Steps     steps.StateStore
	Documents documents.Repo
}

func NewService(engine *Engine, stepStore steps.StateStore, docs documents.Repo) *Service {
	return &Service{Engine: engine, Steps: stepStore, Documents: docs}
}

// Start claims the step for a new run. It must succeed before Run is called.
func (s *Service) Start(ctx context.Context, projectID, stepID string, mode documents.Mode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	from := startable
	if mode == documents.ModeNew {
		from = append(append([]steps.RunStatus{}, startable...), steps.StatusPaused)
	}
	reprocessType := string(mode)
	upd := steps.Status(steps.StatusRunning)
	upd.LastReprocessType = &reprocessType

	err := s.Steps.Transition(ctx, stepID, projectID, from, upd)
	if !errors.Is(err, steps.ErrStatusConflict) {
		return err
	}
	step, getErr := s.Steps.Get(ctx, stepID, projectID)
	if getErr != nil {
		return getErr
	}
	if step.RunStatus == steps.StatusPaused {
		return ErrRunPaused
	}
	return ErrRunInProgress
}

// Run executes a claimed run, streaming into sink.
func (s *Service) Run(ctx context.Context, projectID, stepID string, mode documents.Mode, sink Sink) Outcome {
	return s.Engine.Run(ctx, Request{ProjectID: projectID, StepID: stepID, Mode: mode}, sink)
}

// RunHeadless claims and executes a run with events going to the log. It is
// used by queue workers, where nobody is listening to the stream.
func (s *Service) RunHeadless(ctx context.Context, projectID, stepID string, mode documents.Mode, requestID string) (Outcome, error) {
	if err := s.Start(ctx, projectID, stepID, mode); err != nil {
		return Outcome{}, err
	}
	sink := LogSink{Fields: map[string]any{
		"step_id":    stepID,
		"project_id": projectID,
		"request_id": requestID,
	}}
	return s.Run(ctx, projectID, stepID, mode, sink), nil
}

// ManageResult is the answer to a pause or resume request.
type ManageResult struct {
	StepID  string `json:"step_id"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Pause asks a running step to stop at its next checkpoint.
func (s *Service) Pause(ctx context.Context, projectID, stepID string) (ManageResult, error) {
	err := s.Steps.Transition(ctx, stepID, projectID, []steps.RunStatus{steps.StatusRunning}, steps.Status(steps.StatusPaused))
	if errors.Is(err, steps.ErrStatusConflict) {
		return ManageResult{}, ErrNotRunning
	}
	if err != nil {
		return ManageResult{}, err
	}
	telemetry.Info("reprocess.pause_requested", map[string]any{"step_id": stepID, "project_id": projectID})
	return ManageResult{
		StepID:  stepID,
		Action:  "pause_requested",
		Message: "Pause request accepted. Processing will halt shortly.",
	}, nil
}

// Resume returns a paused step to idle so a new run can be started.
func (s *Service) Resume(ctx context.Context, projectID, stepID string) (ManageResult, error) {
	err := s.Steps.Transition(ctx, stepID, projectID, []steps.RunStatus{steps.StatusPaused}, steps.Status(steps.StatusIdle))
	if errors.Is(err, steps.ErrStatusConflict) {
		return ManageResult{}, ErrNotPaused
	}
	if err != nil {
		return ManageResult{}, err
	}
	telemetry.Info("reprocess.resume_requested", map[string]any{"step_id": stepID, "project_id": projectID})
	return ManageResult{
		StepID:  stepID,
		Action:  "resume_requested",
		Message: "Step resumed. Start a run with reprocess_type=new to continue where it stopped.",
	}, nil
}

// Snapshot is the persisted progress of a step.
type Snapshot struct {
	Status          string  `json:"status"`
	LastMode        string  `json:"reprocess_type,omitempty"`
	Total           int     `json:"total"`
	Processed       int     `json:"processed"`
	Failed          int     `json:"failed"`
	Percent         float64 `json:"percent"`
	LastOffset      int     `json:"last_processed_document_offset"`
	CurrentDocIndex *int    `json:"currentDocIndex,omitempty"`
	Message         string  `json:"message"`
}

func (s *Service) Progress(ctx context.Context, projectID, stepID string) (Snapshot, error) {
	step, err := s.Steps.Get(ctx, stepID, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Status:     string(step.RunStatus),
		LastMode:   step.LastReprocessType,
		Total:      step.TotalDocuments,
		Processed:  step.ProcessedCount,
		Failed:     step.FailedCount,
		LastOffset: step.LastProcessedOffset,
		Message:    fmt.Sprintf("Current status for step %s: %s", stepID, step.RunStatus),
	}
	if step.TotalDocuments > 0 {
		snap.Percent = float64(step.ProcessedCount+step.FailedCount) / float64(step.TotalDocuments) * 100
	}
	if step.RunStatus.Completed() {
		snap.Percent = 100
	}
	if step.RunStatus == steps.StatusRunning && step.TotalDocuments > 0 {
		next := step.LastProcessedOffset + 1
		snap.CurrentDocIndex = &next
	}
	return snap, nil
}

// SummaryReport aggregates the stored results of a step.
type SummaryReport struct {
	StepID                      string `json:"step_id"`
	StepName                    string `json:"step_name"`
	SummaryType                 string `json:"summary_type"`
	SummaryData                 any    `json:"summary_data"`
	TotalDocumentsInProject     int    `json:"total_documents_in_project"`
	DocumentsWithResultsForStep int    `json:"documents_with_results_for_step"`
	Error                       string `json:"error,omitempty"`
}

func (s *Service) Summary(ctx context.Context, projectID, stepID string) (SummaryReport, error) {
	step, err := s.Steps.Get(ctx, stepID, projectID)
	if err != nil {
		return SummaryReport{}, err
	}
	results, err := s.Documents.ListStepResults(ctx, projectID, stepID)
	if err != nil {
		return SummaryReport{}, fmt.Errorf("list step results: %w", err)
	}
	total, err := s.Documents.CountProject(ctx, projectID)
	if err != nil {
		return SummaryReport{}, fmt.Errorf("count project documents: %w", err)
	}
	report := SummaryReport{
		StepID:                      stepID,
		StepName:                    step.Name,
		TotalDocumentsInProject:     total,
		DocumentsWithResultsForStep: len(results),
	}
	res, err := summary.SummarizeJSON(results)
	if err != nil {
		report.SummaryType = "error"
		report.Error = err.Error()
		return report, nil
	}
	report.SummaryType = string(res.Kind)
	report.SummaryData = res.Data
	return report, nil
}

// Reset clears every stored result of the step and returns it to a pristine
// idle state. It refuses while a run is in progress.
func (s *Service) Reset(ctx context.Context, projectID, stepID string) (int64, error) {
	from := append(append([]steps.RunStatus{}, startable...), steps.StatusPaused)
	upd := steps.Status(steps.StatusIdle).
		Merge(steps.Counters(0, 0, 0)).
		Merge(steps.Offset(steps.NoOffset))
	err := s.Steps.Transition(ctx, stepID, projectID, from, upd)
	if errors.Is(err, steps.ErrStatusConflict) {
		return 0, ErrRunInProgress
	}
	if err != nil {
		return 0, err
	}
	cleared, err := s.Documents.ClearStepResults(ctx, projectID, stepID)
	if err != nil {
		return 0, fmt.Errorf("clear step results: %w", err)
	}
	telemetry.Info("reprocess.results_cleared", map[string]any{"step_id": stepID, "project_id": projectID, "documents": cleared})
	return cleared, nil
}
