package steps

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var stepColumns = []string{
	"id", "project_id", "name", "description", "prompts", "run_status", "last_reprocess_type",
	"total_documents_cache", "processed_count_cache", "failed_count_cache",
	"last_processed_document_offset", "updated_at",
}

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &PGRepo{DB: db, Now: func() time.Time { return fixed }}, mock
}

func TestPGRepoGetScansStep(t *testing.T) {
	repo, mock := newMockRepo(t)
	updated := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, project_id, name").
		WithArgs("step-1", "proj-1").
		WillReturnRows(sqlmock.NewRows(stepColumns).AddRow(
			"step-1", "proj-1", "Invoices", nil, []byte(`["Extract totals"]`), "paused", "all",
			12, 4, 1, 4, updated,
		))

	step, err := repo.Get(context.Background(), "step-1", "proj-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if step.RunStatus != StatusPaused || step.LastReprocessType != "all" {
		t.Fatalf("unexpected status fields: %+v", step)
	}
	if step.TotalDocuments != 12 || step.ProcessedCount != 4 || step.FailedCount != 1 || step.LastProcessedOffset != 4 {
		t.Fatalf("unexpected counters: %+v", step)
	}
	prompts, err := step.Prompts()
	if err != nil || len(prompts) != 1 || prompts[0].Prompt.Text != "Extract totals" {
		t.Fatalf("unexpected prompts %+v err=%v", prompts, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT id, project_id, name").
		WithArgs("step-x", "proj-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.Get(context.Background(), "step-x", "proj-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoUpdateWritesOnlySetFields(t *testing.T) {
	repo, mock := newMockRepo(t)

	query := "UPDATE processing_steps SET processed_count_cache = $3, failed_count_cache = $4, updated_at = $5 WHERE id = $1 AND project_id = $2"
	mock.ExpectExec(regexp.QuoteMeta(query)).
		WithArgs("step-1", "proj-1", 3, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	processed, failed := 3, 1
	err := repo.Update(context.Background(), "step-1", "proj-1", StateUpdate{ProcessedCount: &processed, FailedCount: &failed})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateStampsUpdatedAtOnly(t *testing.T) {
	repo, mock := newMockRepo(t)

	query := "UPDATE processing_steps SET updated_at = $3 WHERE id = $1 AND project_id = $2"
	mock.ExpectExec(regexp.QuoteMeta(query)).
		WithArgs("step-1", "proj-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), "step-1", "proj-1", StateUpdate{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateOtherProjectIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE processing_steps SET run_status").
		WithArgs("step-1", "proj-other", "error", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), "step-1", "proj-other", Status(StatusError))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoTransitionConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	query := "UPDATE processing_steps SET run_status = $3, updated_at = $4 WHERE id = $1 AND project_id = $2 AND run_status IN ($5, $6)"
	mock.ExpectExec(regexp.QuoteMeta(query)).
		WithArgs("step-1", "proj-1", "running", sqlmock.AnyArg(), "idle", "paused").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, project_id, name").
		WithArgs("step-1", "proj-1").
		WillReturnRows(sqlmock.NewRows(stepColumns).AddRow(
			"step-1", "proj-1", "Invoices", "desc", nil, "running", nil,
			0, 0, 0, -1, time.Now(),
		))

	err := repo.Transition(context.Background(), "step-1", "proj-1", []RunStatus{StatusIdle, StatusPaused}, Status(StatusRunning))
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
