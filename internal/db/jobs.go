package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobarin/reelsmith/internal/models"
)

const jobColumns = `id, status, progress, product_ref, product_data, script_data, video_url, error, created_at, updated_at`

// notTerminal guards every progress write so a settled job is never revisited.
const notTerminal = `status NOT IN ('completed', 'failed')`

// CreateJob inserts a pending job. It reports false when a job with the same
// id already exists, leaving that row untouched.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	query := `
		INSERT INTO video_jobs (id, status, progress, product_ref, product_data)
		VALUES ($1, $2, 0, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`

	var productData interface{}
	if job.ProductData != nil {
		productData = job.ProductData
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	err := db.QueryRowContext(ctx, query, job.ID, job.Status, job.ProductRef, productData).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	return true, nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM video_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs, newest first.
func (db *DB) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM video_jobs ORDER BY created_at DESC LIMIT $1`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus records the stage a job is in. Progress never decreases.
// It reports false when the job is already terminal or does not exist.
func (db *DB) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, progress int) (bool, error) {
	query := `
		UPDATE video_jobs
		SET status = $2, progress = GREATEST(progress, $3), updated_at = now()
		WHERE id = $1 AND ` + notTerminal

	return db.execOne(ctx, "update job status", query, id, status, progress)
}

// UpdateJobProductData replaces the enriched product data of a running job.
func (db *DB) UpdateJobProductData(ctx context.Context, id string, data *models.ProductData) (bool, error) {
	query := `
		UPDATE video_jobs
		SET product_data = $2, updated_at = now()
		WHERE id = $1 AND ` + notTerminal

	return db.execOne(ctx, "update product data", query, id, data)
}

// UpdateJobScript stores the scene list of a running job.
func (db *DB) UpdateJobScript(ctx context.Context, id string, scenes models.Scenes) (bool, error) {
	query := `
		UPDATE video_jobs
		SET script_data = $2, updated_at = now()
		WHERE id = $1 AND ` + notTerminal

	return db.execOne(ctx, "update script", query, id, scenes)
}

// CompleteJob settles a job as completed with its video URL.
func (db *DB) CompleteJob(ctx context.Context, id, videoURL string) (bool, error) {
	query := `
		UPDATE video_jobs
		SET status = 'completed', progress = 100, video_url = $2, error = NULL, updated_at = now()
		WHERE id = $1 AND ` + notTerminal

	return db.execOne(ctx, "complete job", query, id, videoURL)
}

// FailJob settles a job as failed. message must already be safe to show to
// callers.
func (db *DB) FailJob(ctx context.Context, id, message string) (bool, error) {
	query := `
		UPDATE video_jobs
		SET status = 'failed', error = $2, video_url = NULL, updated_at = now()
		WHERE id = $1 AND ` + notTerminal

	return db.execOne(ctx, "fail job", query, id, message)
}

func (db *DB) execOne(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var productData []byte
	err := row.Scan(
		&job.ID, &job.Status, &job.Progress, &job.ProductRef, &productData,
		&job.ScriptData, &job.VideoURL, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(productData) > 0 {
		job.ProductData = &models.ProductData{}
		if err := json.Unmarshal(productData, job.ProductData); err != nil {
			return nil, fmt.Errorf("failed to decode product data: %w", err)
		}
	}
	return &job, nil
}
