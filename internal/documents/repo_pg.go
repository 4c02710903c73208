package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const rankedDocuments = `
WITH ranked AS (
    SELECT id, project_id, file_name, storage_path, extracted_text, custom_analysis_results,
           ROW_NUMBER() OVER (ORDER BY id) - 1 AS position
    FROM documents
    WHERE project_id = $1
)`

// selectionFilter returns the predicate over the ranked CTE for sel, appending its args.
func selectionFilter(sel Selection, args []any) (string, []any) {
	switch sel.Mode {
	case ModeNew:
		args = append(args, sel.AfterPosition)
		return fmt.Sprintf("position > $%d", len(args)), args
	case ModeFailed:
		args = append(args, sel.StepID)
		n := len(args)
		return fmt.Sprintf("custom_analysis_results -> $%d::text IS NOT NULL AND COALESCE(custom_analysis_results -> $%d::text ->> 'status', '') <> '%s'", n, n, StatusSuccess), args
	case ModePending:
		args = append(args, sel.StepID)
		n := len(args)
		return fmt.Sprintf("(custom_analysis_results -> $%d::text IS NULL OR custom_analysis_results -> $%d::text ->> 'status' IN ('%s', '%s'))", n, n, StatusPartialSuccess, StatusPartialSuccessNonDict), args
	}
	return "", args
}

// Count returns how many documents of the project match sel.
func (r *PGRepo) Count(ctx context.Context, projectID string, sel Selection) (int, error) {
	args := []any{projectID}
	filter, args := selectionFilter(sel, args)
	query := rankedDocuments + "\nSELECT COUNT(*) FROM ranked"
	if filter != "" {
		query += " WHERE " + filter
	}
	var count int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// ListBatch returns the next page of matching documents after afterID.
func (r *PGRepo) ListBatch(ctx context.Context, projectID string, sel Selection, afterID int64, limit int) ([]Document, error) {
	args := []any{projectID, afterID}
	where := "id > $2"
	filter, args := selectionFilter(sel, args)
	if filter != "" {
		where += " AND " + filter
	}
	args = append(args, limit)
	query := rankedDocuments + fmt.Sprintf(`
SELECT id, project_id, file_name, storage_path, extracted_text, custom_analysis_results, position
FROM ranked
WHERE %s
ORDER BY id ASC
LIMIT $%d`, where, len(args))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			doc         Document
			storagePath sql.NullString
			text        sql.NullString
			results     []byte
			position    int64
		)
		if err := rows.Scan(&doc.ID, &doc.ProjectID, &doc.FileName, &storagePath, &text, &results, &position); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if storagePath.Valid {
			doc.StoragePath = storagePath.String
		}
		if text.Valid {
			t := text.String
			doc.ExtractedText = &t
		}
		doc.Results = map[string]json.RawMessage{}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &doc.Results); err != nil {
				return nil, fmt.Errorf("decode results of document %d: %w", doc.ID, err)
			}
			if doc.Results == nil {
				doc.Results = map[string]json.RawMessage{}
			}
		}
		doc.Position = int(position)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

// SaveExtractedText caches the extracted text on the document.
func (r *PGRepo) SaveExtractedText(ctx context.Context, projectID string, docID int64, text string) error {
	const query = `UPDATE documents SET extracted_text = $3 WHERE id = $1 AND project_id = $2`
	return r.execOne(ctx, "save extracted text", query, docID, projectID, text)
}

// SaveStepResult replaces the step's entry in custom_analysis_results.
func (r *PGRepo) SaveStepResult(ctx context.Context, projectID string, docID int64, stepID string, blob json.RawMessage) error {
	const query = `
UPDATE documents
SET custom_analysis_results = jsonb_set(COALESCE(custom_analysis_results, '{}'::jsonb), ARRAY[$3::text], $4::jsonb, true)
WHERE id = $1 AND project_id = $2`
	return r.execOne(ctx, "save step result", query, docID, projectID, stepID, string(blob))
}

func (r *PGRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStepResults returns the step's blobs across the project.
func (r *PGRepo) ListStepResults(ctx context.Context, projectID, stepID string) ([]json.RawMessage, error) {
	const query = `
SELECT custom_analysis_results -> $2::text
FROM documents
WHERE project_id = $1 AND custom_analysis_results -> $2::text IS NOT NULL
ORDER BY id ASC`

	rows, err := r.DB.QueryContext(ctx, query, projectID, stepID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		out = append(out, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	return out, nil
}

// ClearStepResults drops the step's key from every document of the project.
func (r *PGRepo) ClearStepResults(ctx context.Context, projectID, stepID string) (int64, error) {
	const query = `
UPDATE documents
SET custom_analysis_results = custom_analysis_results - $2::text
WHERE project_id = $1 AND custom_analysis_results -> $2::text IS NOT NULL`

	res, err := r.DB.ExecContext(ctx, query, projectID, stepID)
	if err != nil {
		return 0, fmt.Errorf("clear step results: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear step results rows: %w", err)
	}
	return affected, nil
}

// CountProject returns the number of documents in the project regardless of results.
func (r *PGRepo) CountProject(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(*) FROM documents WHERE project_id = $1`
	var count int
	if err := r.DB.QueryRowContext(ctx, query, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count project documents: %w", err)
	}
	return count, nil
}

var _ Repo = (*PGRepo)(nil)
