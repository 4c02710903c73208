package documents

import (
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("document not found")

// Document is one uploaded file of a project and the per-step results computed for it.
type Document struct {
	ID          int64
	ProjectID   string
	FileName    string
	StoragePath string
	// ExtractedText is nil until the first successful extraction.
	ExtractedText *string
	// Results maps a step id to that step's result blob.
	Results map[string]json.RawMessage
	// Position is the zero-based index of the document in the project's id order.
	Position int
}

// OtherResults returns the results of every step except stepID.
func (d Document) OtherResults(stepID string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d.Results))
	for k, v := range d.Results {
		if k == stepID {
			continue
		}
		out[k] = v
	}
	return out
}

// Mode selects which documents of a project a run visits.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeNew     Mode = "new"
	ModeFailed  Mode = "failed"
	ModePending Mode = "pending"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAll, ModeNew, ModeFailed, ModePending:
		return true
	}
	return false
}

// TracksOffset reports whether runs in this mode advance the resumption offset.
func (m Mode) TracksOffset() bool {
	return m == ModeAll || m == ModeNew
}

// Selection scopes a count or listing to one step's view of a project.
type Selection struct {
	Mode   Mode
	StepID string
	// AfterPosition is the stored resumption offset; only ModeNew reads it.
	AfterPosition int
}

// Blob statuses that end a document's processing for a step.
const (
	StatusSuccess               = "success"
	StatusPartialSuccess        = "partial_success"
	StatusPartialSuccessNonDict = "partial_success_with_non_dict_output"
	StatusFailedExtraction      = "failed_extraction"
	StatusFailedSubPrompt       = "failed_sub_prompt_execution"
	StatusFailedDBUpdate        = "failed_db_update"
	StatusFailedProcessingLoop  = "failed_document_processing_loop"
	StatusLegacyPromptFailed    = "error_in_legacy_prompt_execution"
)

// inProgress reports whether a blob status marks an unfinished document.
func inProgress(status string) bool {
	return status == StatusPartialSuccess || status == StatusPartialSuccessNonDict
}

// blobStatus returns the status field of a stored blob, or "" when absent.
func blobStatus(raw json.RawMessage) string {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Status
}

// matches applies sel to a document that already carries its Position.
func (sel Selection) matches(doc Document) bool {
	switch sel.Mode {
	case ModeNew:
		return doc.Position > sel.AfterPosition
	case ModeFailed:
		raw, ok := doc.Results[sel.StepID]
		return ok && blobStatus(raw) != StatusSuccess
	case ModePending:
		raw, ok := doc.Results[sel.StepID]
		return !ok || inProgress(blobStatus(raw))
	}
	return true
}
