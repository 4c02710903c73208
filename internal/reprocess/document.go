package reprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/extract"
	"docsteps-backend/internal/shared/metrics"
	"docsteps-backend/internal/shared/storage/object"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/shared/tracing"
	"docsteps-backend/internal/steps"
)

// Result blob keys written by the engine.
const (
	keyStatus     = "status"
	keyError      = "error"
	keyTimestamp  = "timestamp"
	keyLastPrompt = "last_processed_prompt_index"
)

// ResultBlob is the JSON object stored for one document under one step.
type ResultBlob map[string]any

func promptKey(n int, suffix string) string {
	return fmt.Sprintf("prompt_%d_%s", n, suffix)
}

// docFailure is a per-document fault: recorded on the document, never fatal to the run.
type docFailure struct {
	message string
	kind    string
}

func (r *Run) processDocument(ctx context.Context, doc documents.Document) (stop bool, err error) {
	ctx, span := tracing.Start(ctx, "reprocess.document",
		attribute.Int64("document_id", doc.ID),
		attribute.String("file_name", doc.FileName),
	)
	defer func() { tracing.End(span, err) }()

	r.send(EventProgress, r.progress("running",
		fmt.Sprintf("Starting processing for doc %d/%d: %s", r.processed+r.failed+1, r.total, doc.FileName), &doc))

	text, failure, err := r.documentText(ctx, doc)
	if err != nil {
		return false, err
	}
	if failure != nil {
		r.saveBestEffort(ctx, doc, ResultBlob{
			keyError:     failure.message,
			keyStatus:    documents.StatusFailedExtraction,
			keyTimestamp: r.engine.timestamp(),
		})
		r.documentFailed(doc, failure.message, failure.kind)
		r.afterDocument(ctx, doc)
		return false, nil
	}

	blob := ResultBlob{}
	acc := map[string]any{}
	others := doc.OtherResults(r.req.StepID)
	for i, prompt := range r.prompts {
		n := i + 1
		if r.checkpoint(ctx) {
			return true, nil
		}

		input := ""
		if prompt.IncludeDocumentContext {
			input = text
		}
		raw, parsed, err := r.engine.Executor.Execute(ctx, prompt.PromptConfig, input, acc, others, r.req.StepID)
		if err != nil {
			if re, fatal := providerError(err); fatal {
				return false, re
			}
			msg := fmt.Sprintf("LLM call failed for prompt #%d: %v", n, err)
			blob[promptKey(n, "error")] = msg
			r.failDocument(ctx, doc, blob, documents.StatusFailedSubPrompt, msg, "llm_error")
			return false, nil
		}
		if parsed == nil {
			msg := fmt.Sprintf("LLM call or JSON parsing failed for prompt #%d. Raw: %s", n, snippet(raw, 200))
			blob[promptKey(n, "error")] = msg
			blob[promptKey(n, "raw_output")] = raw
			status := documents.StatusFailedSubPrompt
			if prompt.Legacy {
				status = documents.StatusLegacyPromptFailed
			}
			r.failDocument(ctx, doc, blob, status, msg, "unparseable_output")
			return false, nil
		}

		if obj, ok := parsed.(map[string]any); ok {
			for k, v := range obj {
				acc[k] = v
				blob[k] = v
			}
			blob[keyStatus] = documents.StatusPartialSuccess
		} else {
			key := promptKey(n, "raw_non_dict_llm_output")
			value := stringify(parsed)
			acc[key] = value
			blob[key] = value
			blob[keyStatus] = documents.StatusPartialSuccessNonDict
			telemetry.Warn("reprocess.prompt.non_object_output", r.fields(map[string]any{"document_id": doc.ID, "prompt": n}))
		}
		blob[keyLastPrompt] = i

		if err := r.save(ctx, doc, blob); err != nil {
			msg := fmt.Sprintf("Failed to persist results of prompt #%d: %v", n, err)
			blob[promptKey(n, "db_error")] = msg
			r.failDocument(ctx, doc, blob, documents.StatusFailedDBUpdate, msg, "db_update")
			return false, nil
		}
	}

	blob[keyStatus] = documents.StatusSuccess
	delete(blob, keyLastPrompt)
	if err := r.save(ctx, doc, blob); err != nil {
		msg := fmt.Sprintf("Failed to persist final results: %v", err)
		blob[keyError] = msg
		r.failDocument(ctx, doc, blob, documents.StatusFailedProcessingLoop, msg, "db_update")
		return false, nil
	}
	r.processed++
	metrics.IncDocumentsProcessed()
	r.afterDocument(ctx, doc)
	return false, nil
}

// documentText returns the cached text or downloads and extracts it. A
// missing or empty object and an extraction error are per-document failures;
// any other storage error aborts the run.
func (r *Run) documentText(ctx context.Context, doc documents.Document) (string, *docFailure, error) {
	if doc.ExtractedText != nil && strings.TrimSpace(*doc.ExtractedText) != "" {
		return *doc.ExtractedText, nil, nil
	}
	prefix := fmt.Sprintf("Failed to get content for doc %d (%s)", doc.ID, doc.FileName)
	if strings.TrimSpace(doc.StoragePath) == "" {
		return "", &docFailure{message: prefix + ": missing storage path", kind: "missing_storage_path"}, nil
	}

	data, err := object.ReadAll(ctx, r.engine.Objects, doc.StoragePath)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) || errors.Is(err, object.ErrEmpty) {
			return "", &docFailure{message: fmt.Sprintf("%s: %v", prefix, err), kind: "storage_object_unavailable"}, nil
		}
		return "", nil, runError(KindStorage, "download "+doc.StoragePath, err)
	}

	text, err := r.engine.extract(data, doc.FileName)
	if err != nil {
		kind := "extraction_error"
		var xerr *extract.Error
		if errors.As(err, &xerr) {
			kind = string(xerr.Kind)
		}
		return "", &docFailure{message: fmt.Sprintf("%s: %v", prefix, err), kind: kind}, nil
	}

	if err := r.engine.Documents.SaveExtractedText(ctx, r.req.ProjectID, doc.ID, text); err != nil {
		telemetry.Warn("reprocess.extracted_text.cache_failed", r.fields(map[string]any{"document_id": doc.ID, "error": err.Error()}))
	}
	return text, nil, nil
}

func (r *Run) save(ctx context.Context, doc documents.Document, blob ResultBlob) error {
	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode result blob: %w", err)
	}
	return r.engine.Documents.SaveStepResult(ctx, r.req.ProjectID, doc.ID, r.req.StepID, payload)
}

func (r *Run) saveBestEffort(ctx context.Context, doc documents.Document, blob ResultBlob) {
	if err := r.save(ctx, doc, blob); err != nil {
		telemetry.Warn("reprocess.document.save_failed", r.fields(map[string]any{"document_id": doc.ID, "error": err.Error()}))
	}
}

// failDocument stamps the failure on blob, persists it and moves on.
func (r *Run) failDocument(ctx context.Context, doc documents.Document, blob ResultBlob, status, message, kind string) {
	blob[keyStatus] = status
	blob[keyTimestamp] = r.engine.timestamp()
	r.saveBestEffort(ctx, doc, blob)
	r.documentFailed(doc, message, kind)
	r.afterDocument(ctx, doc)
}

func (r *Run) documentFailed(doc documents.Document, message, kind string) {
	r.failed++
	metrics.IncDocumentsFailed()
	telemetry.Warn("reprocess.document.failed", r.fields(map[string]any{
		"document_id": doc.ID,
		"file_name":   doc.FileName,
		"error_type":  kind,
		"error":       message,
	}))
	r.send(EventDocumentError, DocumentErrorEvent{
		Message:      "Error processing document",
		DocumentID:   doc.ID,
		DocumentName: doc.FileName,
		ErrorMessage: message,
		ErrorType:    kind,
		StepID:       r.req.StepID,
	})
}

// afterDocument advances the resumption offset and emits progress when it moved.
func (r *Run) afterDocument(ctx context.Context, doc documents.Document) {
	r.lastCompleted = doc.Position
	if r.req.Mode.TracksOffset() {
		r.state.tick(ctx, steps.Offset(doc.Position))
	}

	pct := r.percent()
	if r.processed == r.sentProcessed && r.failed == r.sentFailed && math.Round(pct) == math.Round(r.sentPercent) {
		return
	}
	processed, failed := r.processed, r.failed
	r.state.tick(ctx, steps.StateUpdate{ProcessedCount: &processed, FailedCount: &failed})
	r.send(EventProgress, r.progress("running",
		fmt.Sprintf("Finished doc %d/%d: %s", r.processed+r.failed, r.total, doc.FileName), &doc))
	r.sentProcessed, r.sentFailed, r.sentPercent = r.processed, r.failed, pct
}

// snippet cuts s to at most n bytes without splitting a rune.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
