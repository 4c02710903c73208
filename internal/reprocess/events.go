package reprocess

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"docsteps-backend/internal/shared/telemetry"
)

// Stream event names.
const (
	EventInit          = "init"
	EventProgress      = "progress"
	EventError         = "error"
	EventDocumentError = "error_processing_document"
	EventFinalStatus   = "final_status"
)

// Progress is the payload of a progress event.
type Progress struct {
	Status          string  `json:"status"`
	Total           int     `json:"total"`
	Processed       int     `json:"processed"`
	Failed          int     `json:"failed"`
	Percent         float64 `json:"percent"`
	CurrentDocID    *int64  `json:"currentDocId,omitempty"`
	CurrentDocIndex *int    `json:"currentDocIndex,omitempty"`
	Message         string  `json:"message,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type InitEvent struct {
	Message       string `json:"message"`
	StepID        string `json:"step_id"`
	ProjectID     string `json:"project_id"`
	ReprocessType string `json:"reprocess_type"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type DocumentErrorEvent struct {
	Message      string `json:"message"`
	DocumentID   int64  `json:"document_id"`
	DocumentName string `json:"document_name"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	StepID       string `json:"step_id"`
}

type FinalStatus struct {
	Status                string `json:"status"`
	Message               string `json:"message"`
	ProcessedThisRun      int    `json:"processed_this_run"`
	FailedThisRun         int    `json:"failed_this_run"`
	TotalDocumentsInScope int    `json:"total_documents_in_scope"`
}

// Sink receives the events of one run in order.
type Sink interface {
	Send(event string, payload any) error
}

// StreamSink writes server-sent event frames and flushes after each one.
type StreamSink struct {
	w      io.Writer
	broken bool
}

// NewStreamSink returns a StreamSink over w. w is flushed after each frame
// when it implements http.Flusher.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

// Send writes one frame. After the first write error the sink drops further
// frames; the run itself carries on.
func (s *StreamSink) Send(event string, payload any) error {
	if s.broken {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.broken = true
		telemetry.Warn("reprocess.stream.write_failed", map[string]any{"event": event, "error": err.Error()})
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// LogSink records events as log lines, for runs nobody is streaming.
type LogSink struct {
	Fields map[string]any
}

func (s LogSink) Send(event string, payload any) error {
	fields := make(map[string]any, len(s.Fields)+2)
	for k, v := range s.Fields {
		fields[k] = v
	}
	fields["event"] = event
	fields["payload"] = payload
	switch event {
	case EventError, EventDocumentError:
		telemetry.Warn("reprocess.event", fields)
	case EventFinalStatus:
		telemetry.Info("reprocess.event", fields)
	default:
		telemetry.Debug("reprocess.event", fields)
	}
	return nil
}
