package documents

import (
	"context"
	"encoding/json"
)

// Repo defines the document persistence the reprocessing pipeline needs.
// Every call is scoped by project id.
type Repo interface {
	// Count returns how many documents of the project match sel.
	Count(ctx context.Context, projectID string, sel Selection) (int, error)
	// ListBatch returns up to limit matching documents with id > afterID, ordered by id.
	ListBatch(ctx context.Context, projectID string, sel Selection, afterID int64, limit int) ([]Document, error)
	SaveExtractedText(ctx context.Context, projectID string, docID int64, text string) error
	// SaveStepResult overwrites one step's blob on one document.
	SaveStepResult(ctx context.Context, projectID string, docID int64, stepID string, blob json.RawMessage) error
	// ListStepResults returns every stored blob of the step in id order.
	ListStepResults(ctx context.Context, projectID, stepID string) ([]json.RawMessage, error)
	// ClearStepResults removes the step's blob from every document and returns how many changed.
	ClearStepResults(ctx context.Context, projectID, stepID string) (int64, error)
	CountProject(ctx context.Context, projectID string) (int, error)
}
