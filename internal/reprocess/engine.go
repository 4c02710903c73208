// Package reprocess runs a processing step over the documents of a project:
// batched, resumable, pausable and reporting progress as it goes.
package reprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/extract"
	"docsteps-backend/internal/shared/metrics"
	"docsteps-backend/internal/shared/storage/object"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/shared/tracing"
	"docsteps-backend/internal/steps"
)

const DefaultBatchSize = 10

// PromptExecutor runs one prompt against one document.
type PromptExecutor interface {
	Execute(ctx context.Context, prompt steps.PromptConfig, documentText string, prior map[string]any, otherSteps map[string]json.RawMessage, stepID string) (raw string, parsed any, err error)
}

// DocumentStore is the document access a run needs.
type DocumentStore interface {
	Count(ctx context.Context, projectID string, sel documents.Selection) (int, error)
	ListBatch(ctx context.Context, projectID string, sel documents.Selection, afterID int64, limit int) ([]documents.Document, error)
	SaveExtractedText(ctx context.Context, projectID string, docID int64, text string) error
	SaveStepResult(ctx context.Context, projectID string, docID int64, stepID string, blob json.RawMessage) error
}

// StatusCheck reports the step's current run status. It is consulted before
// every batch, document and prompt.
type StatusCheck func(ctx context.Context) (steps.RunStatus, error)

// Engine executes runs. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	Steps     steps.StateStore
	Documents DocumentStore
	Objects   object.ObjectStore
	Executor  PromptExecutor
	BatchSize int
	// Extract defaults to extract.Extract.
	Extract func(data []byte, fileName string) (string, error)

	finalAttempts int
	finalBackoff  time.Duration
	now           func() time.Time
}

// Request identifies one run.
type Request struct {
	ProjectID string
	StepID    string
	Mode      documents.Mode
	// Check defaults to reading run_status from Steps.
	Check StatusCheck
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Status    steps.RunStatus
	Total     int
	Processed int
	Failed    int
	Err       error
}

type stopReason int

const (
	reasonCompleted stopReason = iota
	reasonEmpty
	reasonPaused
	reasonStopped
	reasonFailed
)

// Run is the state of one execution. It is owned by a single goroutine.
type Run struct {
	engine  *Engine
	req     Request
	sink    Sink
	state   *stateWriter
	check   StatusCheck
	prompts []steps.Prompt

	total     int
	processed int
	failed    int
	// lastCompleted is the position of the last document fully handled.
	lastCompleted int

	sentProcessed int
	sentFailed    int
	sentPercent   float64

	reason   stopReason
	external steps.RunStatus
	err      error
}

// Run executes req and streams its events into sink. It always returns after
// writing the terminal state and sending exactly one final_status event.
func (e *Engine) Run(ctx context.Context, req Request, sink Sink) (out Outcome) {
	ctx, span := tracing.Start(ctx, "reprocess.run",
		attribute.String("project_id", req.ProjectID),
		attribute.String("step_id", req.StepID),
		attribute.String("reprocess_type", string(req.Mode)),
	)
	run := e.newRun(req, sink)
	defer func() {
		if p := recover(); p != nil {
			run.fail(runError(KindUnexpected, "run", fmt.Errorf("panic: %v", p)))
		}
		out = run.terminate()
		span.SetAttributes(
			attribute.String("run_status", string(out.Status)),
			attribute.Int("documents_processed", out.Processed),
			attribute.Int("documents_failed", out.Failed),
		)
		tracing.End(span, out.Err)
	}()
	run.execute(ctx)
	return out
}

func (e *Engine) newRun(req Request, sink Sink) *Run {
	if sink == nil {
		sink = LogSink{}
	}
	r := &Run{
		engine: e,
		req:    req,
		sink:   sink,
		state: &stateWriter{
			store:     e.Steps,
			stepID:    req.StepID,
			projectID: req.ProjectID,
			attempts:  e.finalAttempts,
			backoff:   e.finalBackoff,
		},
		check:         req.Check,
		lastCompleted: steps.NoOffset,
		sentProcessed: -1,
		sentFailed:    -1,
		sentPercent:   -1,
	}
	if r.check == nil {
		r.check = func(ctx context.Context) (steps.RunStatus, error) {
			step, err := e.Steps.Get(ctx, req.StepID, req.ProjectID)
			if err != nil {
				return "", err
			}
			return step.RunStatus, nil
		}
	}
	return r
}

func (e *Engine) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return DefaultBatchSize
}

func (e *Engine) extract(data []byte, fileName string) (string, error) {
	if e.Extract != nil {
		return e.Extract(data, fileName)
	}
	return extract.Extract(data, fileName)
}

func (e *Engine) timestamp() string {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r *Run) fields(extra map[string]any) map[string]any {
	out := map[string]any{
		"step_id":        r.req.StepID,
		"project_id":     r.req.ProjectID,
		"reprocess_type": string(r.req.Mode),
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (r *Run) send(event string, payload any) {
	if err := r.sink.Send(event, payload); err != nil {
		telemetry.Debug("reprocess.sink.send_failed", r.fields(map[string]any{"event": event, "error": err.Error()}))
	}
}

func (r *Run) execute(ctx context.Context) {
	metrics.IncRunsStarted()
	telemetry.Info("reprocess.run.started", r.fields(nil))
	r.send(EventInit, InitEvent{
		Message:       "Stream initiated for step " + r.req.StepID,
		StepID:        r.req.StepID,
		ProjectID:     r.req.ProjectID,
		ReprocessType: string(r.req.Mode),
	})

	step, err := r.engine.Steps.Get(ctx, r.req.StepID, r.req.ProjectID)
	if err != nil {
		if errors.Is(err, steps.ErrNotFound) {
			r.setupFault(fmt.Sprintf("Processing step %s not found.", r.req.StepID), err)
			return
		}
		r.fail(runError(KindDatabase, "load step", err))
		return
	}
	units, err := step.Prompts()
	if err != nil {
		r.setupFault(fmt.Sprintf("No valid prompts configured for step %s.", r.req.StepID), err)
		return
	}
	r.prompts = steps.Sequence(units)

	// Start already claimed the status; writing it again would undo an early pause.
	setup := steps.Counters(0, 0, 0)
	if r.req.Mode == documents.ModeAll {
		setup = setup.Merge(steps.Offset(steps.NoOffset))
	} else {
		r.lastCompleted = step.LastProcessedOffset
	}
	r.state.tick(ctx, setup)

	sel := documents.Selection{Mode: r.req.Mode, StepID: r.req.StepID, AfterPosition: step.LastProcessedOffset}
	total, err := r.engine.Documents.Count(ctx, r.req.ProjectID, sel)
	if err != nil {
		r.fail(runError(KindDatabase, "count documents", err))
		return
	}
	r.total = total
	if total == 0 {
		r.reason = reasonEmpty
		return
	}
	r.state.tick(ctx, steps.StateUpdate{TotalDocuments: &total})

	batchSize := r.engine.batchSize()
	var afterID int64
	for {
		if r.checkpoint(ctx) {
			return
		}
		batch, err := r.engine.Documents.ListBatch(ctx, r.req.ProjectID, sel, afterID, batchSize)
		if err != nil {
			r.fail(runError(KindDatabase, "list documents", err))
			return
		}
		for _, doc := range batch {
			if r.checkpoint(ctx) {
				return
			}
			stop, err := r.processDocument(ctx, doc)
			if err != nil {
				r.fail(err)
				return
			}
			if stop {
				return
			}
			afterID = doc.ID
		}
		if len(batch) < batchSize {
			break
		}
	}
	r.reason = reasonCompleted
}

// checkpoint reports whether the run must stop because the step left running.
func (r *Run) checkpoint(ctx context.Context) bool {
	status, err := r.check(ctx)
	if err != nil {
		telemetry.Warn("reprocess.status_check_failed", r.fields(map[string]any{"error": err.Error()}))
		return false
	}
	switch status {
	case steps.StatusRunning:
		return false
	case steps.StatusPaused:
		r.reason = reasonPaused
	default:
		r.reason = reasonStopped
		r.external = status
	}
	return true
}

func (r *Run) setupFault(message string, err error) {
	r.reason = reasonFailed
	r.err = err
	telemetry.Error("reprocess.setup_failed", r.fields(map[string]any{"error": err.Error()}))
	r.send(EventError, ErrorEvent{Message: message, Details: err.Error()})
}

func (r *Run) fail(err error) {
	var re *RunError
	if !errors.As(err, &re) {
		re = runError(KindUnexpected, "run", err)
	}
	r.reason = reasonFailed
	r.err = re
	telemetry.Error("reprocess.run.failed", r.fields(map[string]any{"kind": string(re.Kind), "error": re.Error()}))
	r.send(EventError, ErrorEvent{
		Message: fmt.Sprintf("A %s error occurred while processing step %s.", re.Kind, r.req.StepID),
		Details: re.Error(),
	})
}

func (r *Run) percent() float64 {
	if r.total <= 0 {
		return 0
	}
	return math.Round(float64(r.processed+r.failed)/float64(r.total)*10000) / 100
}

func (r *Run) progress(status, message string, doc *documents.Document) Progress {
	p := Progress{
		Status:    status,
		Total:     r.total,
		Processed: r.processed,
		Failed:    r.failed,
		Percent:   r.percent(),
		Message:   message,
	}
	if doc != nil {
		id, pos := doc.ID, doc.Position
		p.CurrentDocID = &id
		p.CurrentDocIndex = &pos
	}
	return p
}

// terminate writes the terminal state and sends final_status.
func (r *Run) terminate() Outcome {
	var status steps.RunStatus
	switch r.reason {
	case reasonCompleted:
		status = steps.StatusCompletedOK
		if r.failed > 0 {
			status = steps.StatusCompletedWithErrors
		}
		p := r.progress("completed", fmt.Sprintf("Processing complete. Processed: %d, Failed: %d of %d.", r.processed, r.failed, r.total), nil)
		if r.processed+r.failed == r.total {
			p.Percent = 100
		}
		r.send(EventProgress, p)
	case reasonEmpty:
		status = steps.StatusCompletedEmpty
	case reasonPaused:
		status = steps.StatusPaused
		r.send(EventProgress, r.progress("paused", "Processing paused by user.", nil))
	case reasonStopped:
		status = r.external
	default:
		status = steps.StatusError
	}

	if r.reason != reasonStopped {
		upd := steps.Status(status).Merge(steps.Counters(r.total, r.processed, r.failed))
		if r.reason == reasonPaused && r.req.Mode.TracksOffset() {
			upd = upd.Merge(steps.Offset(r.lastCompleted))
		}
		_ = r.state.final(upd)
	}

	metrics.IncRunsFinished(string(status))
	fields := r.fields(map[string]any{
		"status":    string(status),
		"total":     r.total,
		"processed": r.processed,
		"failed":    r.failed,
	})
	if r.err != nil {
		fields["error"] = r.err.Error()
	}
	telemetry.Info("reprocess.run.finished", fields)

	r.send(EventFinalStatus, FinalStatus{
		Status:                string(status),
		Message:               fmt.Sprintf("Processing run for step %s finished with status: %s.", r.req.StepID, status),
		ProcessedThisRun:      r.processed,
		FailedThisRun:         r.failed,
		TotalDocumentsInScope: r.total,
	})
	return Outcome{Status: status, Total: r.total, Processed: r.processed, Failed: r.failed, Err: r.err}
}
