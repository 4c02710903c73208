package steps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PGRepo implements StateStore on the processing_steps table.
type PGRepo struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r *PGRepo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Get returns the step scoped to its project.
func (r *PGRepo) Get(ctx context.Context, stepID, projectID string) (Step, error) {
	const query = `
SELECT id, project_id, name, description, prompts, run_status, last_reprocess_type,
       total_documents_cache, processed_count_cache, failed_count_cache,
       last_processed_document_offset, updated_at
FROM processing_steps
WHERE id = $1 AND project_id = $2`

	var (
		step        Step
		description sql.NullString
		prompts     []byte
		runStatus   sql.NullString
		reprocess   sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, query, stepID, projectID).Scan(
		&step.ID,
		&step.ProjectID,
		&step.Name,
		&description,
		&prompts,
		&runStatus,
		&reprocess,
		&step.TotalDocuments,
		&step.ProcessedCount,
		&step.FailedCount,
		&step.LastProcessedOffset,
		&step.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Step{}, ErrNotFound
		}
		return Step{}, err
	}
	if description.Valid {
		step.Description = description.String
	}
	if len(prompts) > 0 {
		step.RawPrompts = append([]byte(nil), prompts...)
	}
	step.RunStatus = StatusIdle
	if runStatus.Valid && runStatus.String != "" {
		step.RunStatus = RunStatus(runStatus.String)
	}
	if reprocess.Valid {
		step.LastReprocessType = reprocess.String
	}
	return step, nil
}

// Update writes the set fields of upd and stamps updated_at.
func (r *PGRepo) Update(ctx context.Context, stepID, projectID string, upd StateUpdate) error {
	query, args := buildUpdate(stepID, projectID, upd, r.now(), nil)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step state rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition is a compare-and-set on run_status.
func (r *PGRepo) Transition(ctx context.Context, stepID, projectID string, from []RunStatus, upd StateUpdate) error {
	if len(from) == 0 {
		return ErrStatusConflict
	}
	query, args := buildUpdate(stepID, projectID, upd, r.now(), from)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition step state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition step state rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, stepID, projectID); err != nil {
		return err
	}
	return ErrStatusConflict
}

func buildUpdate(stepID, projectID string, upd StateUpdate, now time.Time, from []RunStatus) (string, []any) {
	args := []any{stepID, projectID}
	var sets []string
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.RunStatus != nil {
		add("run_status", string(*upd.RunStatus))
	}
	if upd.LastReprocessType != nil {
		add("last_reprocess_type", *upd.LastReprocessType)
	}
	if upd.TotalDocuments != nil {
		add("total_documents_cache", *upd.TotalDocuments)
	}
	if upd.ProcessedCount != nil {
		add("processed_count_cache", *upd.ProcessedCount)
	}
	if upd.FailedCount != nil {
		add("failed_count_cache", *upd.FailedCount)
	}
	if upd.LastProcessedOffset != nil {
		add("last_processed_document_offset", *upd.LastProcessedOffset)
	}
	add("updated_at", now)

	query := "UPDATE processing_steps SET " + strings.Join(sets, ", ") + " WHERE id = $1 AND project_id = $2"
	if len(from) > 0 {
		placeholders := make([]string, 0, len(from))
		for _, s := range from {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += " AND run_status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return query, args
}

var _ StateStore = (*PGRepo)(nil)
