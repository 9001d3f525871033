package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
)

// ImportRepository records [models.ImportJob] runs.
//
// Jobs are soft deleted and listed newest first.
type ImportRepository struct {
	db *sql.DB
}

// NewImportRepository creates a new ImportRepository with the given database connection
func NewImportRepository(db *sql.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

const importColumns = `
	id, sequence, user_id, source, format, status, total, imported,
	skipped, failed, error_message, started_at, completed_at, created_at, updated_at
`

// Create inserts job with a generated ID and sequence.
func (r *ImportRepository) Create(job *models.ImportJob) error {
	if err := models.Validate(job); err != nil {
		return err
	}

	sequence, err := NextSequence(r.db, "imports")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	job.ID = shared.GenerateID()
	if job.Status == "" {
		job.Status = models.ImportPending
	}

	query := `INSERT INTO imports (` + importColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.Exec(query,
		job.ID,
		sequence,
		job.UserID,
		job.Source,
		job.Format,
		string(job.Status),
		job.Total,
		job.Imported,
		job.Skipped,
		job.Failed,
		nullString(job.Error),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert import: %w", err)
	}
	return nil
}

// Update writes the job's progress and status.
func (r *ImportRepository) Update(job *models.ImportJob) error {
	now := time.Now().UTC()
	job.UpdatedAt = now

	query := `
		UPDATE imports
		SET status = ?, total = ?, imported = ?, skipped = ?, failed = ?,
			error_message = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := r.db.Exec(query,
		string(job.Status),
		job.Total,
		job.Imported,
		job.Skipped,
		job.Failed,
		nullString(job.Error),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		now,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update import: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("import not found or already deleted: %s", job.ID)
	}
	return nil
}

// Get retrieves a job by ID, excluding deleted jobs.
func (r *ImportRepository) Get(id string) (*models.ImportJob, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE id = ? AND deleted_at IS NULL`

	job, err := scanImport(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("import not found: %s", id)
	}
	return job, err
}

// Delete soft-deletes a job by ID.
func (r *ImportRepository) Delete(id string) error {
	result, err := r.db.Exec(`UPDATE imports SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete import: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("import not found or already deleted: %s", id)
	}
	return nil
}

// List returns userID's jobs, newest first. An empty userID lists everyone's; limit <= 0 means no limit.
func (r *ImportRepository) List(userID string, limit int) ([]*models.ImportJob, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE deleted_at IS NULL`
	args := []any{}

	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY sequence DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query imports: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ImportJob
	for rows.Next() {
		job, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImport(row scanner) (*models.ImportJob, error) {
	var (
		job         models.ImportJob
		sequence    int
		status      string
		errorMsg    sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &sequence, &job.UserID, &job.Source, &job.Format, &status,
		&job.Total, &job.Imported, &job.Skipped, &job.Failed, &errorMsg,
		&startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan import: %w", err)
	}

	job.Status = models.ImportStatus(status)
	job.Error = errorMsg.String
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}
