package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/types"
)

const (
	pgUniqueViolation   = "23505"
	openJobPerSellerIdx = "idx_scrape_jobs_one_open_per_seller"
)

const scrapeJobColumns = `
	id, job_id, seller_id, status, mode, source,
	current_page, total_pages, products_scraped, products_saved, products_updated, errors,
	created_at, started_at, completed_at, duration_ms, error_message, error_details`

// ScrapeJobRepository handles scrape job persistence
type ScrapeJobRepository struct {
	db *PostgresDB
}

// NewScrapeJobRepository creates a new scrape job repository
func NewScrapeJobRepository(db *PostgresDB) *ScrapeJobRepository {
	return &ScrapeJobRepository{db: db}
}

// Create inserts a job record. A second open job for the same seller violates
// the partial unique index and yields ErrDuplicateOpenJob.
func (r *ScrapeJobRepository) Create(ctx context.Context, job *models.ScrapeJob) error {
	query := `
		INSERT INTO scrape_jobs (job_id, seller_id, status, mode, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.JobID,
		job.SellerID,
		string(job.Status),
		string(job.Mode),
		job.Source,
	).Scan(&job.ID, &job.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == openJobPerSellerIdx {
			return fmt.Errorf("seller %s: %w", job.SellerID, ErrDuplicateOpenJob)
		}
		return fmt.Errorf("failed to create scrape job: %w", err)
	}

	return nil
}

// GetByJobID retrieves a job by its token
func (r *ScrapeJobRepository) GetByJobID(ctx context.Context, jobID string) (*models.ScrapeJob, error) {
	query := `SELECT ` + scrapeJobColumns + ` FROM scrape_jobs WHERE job_id = $1`

	job, err := scanScrapeJob(r.db.Pool().QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scrape job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get scrape job: %w", err)
	}
	return job, nil
}

// FindOpenBySeller returns the seller's non-terminal job, or nil when there is none
func (r *ScrapeJobRepository) FindOpenBySeller(ctx context.Context, sellerID string) (*models.ScrapeJob, error) {
	query := `SELECT ` + scrapeJobColumns + `
		FROM scrape_jobs
		WHERE seller_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`

	job, err := scanScrapeJob(r.db.Pool().QueryRow(ctx, query, sellerID, statusStrings(types.NonTerminalStatuses)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open scrape job: %w", err)
	}
	return job, nil
}

// FindOpenByJobID returns the non-terminal job with the given token, optionally
// scoped to a seller. It returns nil when the job is unknown or already finished.
func (r *ScrapeJobRepository) FindOpenByJobID(ctx context.Context, jobID, sellerID string) (*models.ScrapeJob, error) {
	query := `SELECT ` + scrapeJobColumns + `
		FROM scrape_jobs
		WHERE job_id = $1 AND status = ANY($2) AND ($3 = '' OR seller_id = $3)
	`

	job, err := scanScrapeJob(r.db.Pool().QueryRow(ctx, query, jobID, statusStrings(types.NonTerminalStatuses), sellerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open scrape job: %w", err)
	}
	return job, nil
}

// ApplyTransition moves a job to t.Status only while its current status is in from.
// It reports whether a row was written; a false result is a no-op, not an error.
func (r *ScrapeJobRepository) ApplyTransition(ctx context.Context, jobID string, from []types.JobStatus, t models.JobTransition) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	var details []byte
	if t.ErrorDetails != nil {
		var err error
		details, err = json.Marshal(t.ErrorDetails)
		if err != nil {
			return false, fmt.Errorf("failed to encode error details: %w", err)
		}
	}

	query := `
		UPDATE scrape_jobs
		SET status = $3,
			started_at = COALESCE(started_at, $4),
			completed_at = COALESCE($5, completed_at),
			duration_ms = COALESCE($6, duration_ms),
			total_pages = COALESCE($7, total_pages),
			products_scraped = COALESCE($8, products_scraped),
			products_saved = COALESCE($9, products_saved),
			products_updated = COALESCE($10, products_updated),
			error_message = COALESCE($11, error_message),
			error_details = COALESCE($12::jsonb, error_details),
			errors = COALESCE($13, errors)
		WHERE job_id = $1 AND status = ANY($2)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		jobID,
		statusStrings(from),
		string(t.Status),
		t.StartedAt,
		t.CompletedAt,
		t.DurationMs,
		t.TotalPages,
		t.ProductsScraped,
		t.ProductsSaved,
		t.ProductsUpdated,
		t.ErrorMessage,
		details,
		t.Errors,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition scrape job %s to %s: %w", jobID, t.Status, err)
	}

	return result.RowsAffected() == 1, nil
}

// UpdateProgress raises the progress counters of an active job. Counters never decrease.
func (r *ScrapeJobRepository) UpdateProgress(ctx context.Context, jobID string, p models.JobProgress) (bool, error) {
	query := `
		UPDATE scrape_jobs
		SET current_page = GREATEST(current_page, $2),
			total_pages = GREATEST(total_pages, $3),
			products_scraped = GREATEST(products_scraped, $4),
			products_saved = GREATEST(products_saved, $5),
			products_updated = GREATEST(products_updated, $6),
			errors = GREATEST(errors, $7)
		WHERE job_id = $1 AND status = $8
	`

	result, err := r.db.Pool().Exec(ctx, query,
		jobID,
		p.CurrentPage,
		p.TotalPages,
		p.ProductsScraped,
		p.ProductsSaved,
		p.ProductsUpdated,
		p.Errors,
		string(types.StatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update scrape job progress: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ListOpen returns every non-terminal job
func (r *ScrapeJobRepository) ListOpen(ctx context.Context) ([]*models.ScrapeJob, error) {
	query := `SELECT ` + scrapeJobColumns + `
		FROM scrape_jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`
	return r.query(ctx, query, statusStrings(types.NonTerminalStatuses))
}

// List returns a page of jobs matching filter, newest first, with the total match count
func (r *ScrapeJobRepository) List(ctx context.Context, filter models.JobFilter, page models.Page) ([]*models.ScrapeJob, int, error) {
	page = page.Normalize()

	var conditions []string
	var args []interface{}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SellerID != nil {
		args = append(args, *filter.SellerID)
		conditions = append(conditions, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if filter.Mode != nil {
		args = append(args, string(*filter.Mode))
		conditions = append(conditions, fmt.Sprintf("mode = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM scrape_jobs ` + where
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count scrape jobs: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM scrape_jobs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		scrapeJobColumns, where, len(args)-1, len(args))

	jobs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// StatusCounts returns the number of jobs per status
func (r *ScrapeJobRepository) StatusCounts(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM scrape_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count scrape jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

// CountOpenSellers returns how many sellers have a non-terminal job
func (r *ScrapeJobRepository) CountOpenSellers(ctx context.Context) (int, error) {
	var n int
	query := `SELECT COUNT(DISTINCT seller_id) FROM scrape_jobs WHERE status = ANY($1)`
	if err := r.db.Pool().QueryRow(ctx, query, statusStrings(types.NonTerminalStatuses)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count open sellers: %w", err)
	}
	return n, nil
}

// ListStale returns jobs in one of statuses created before createdBefore
func (r *ScrapeJobRepository) ListStale(ctx context.Context, statuses []types.JobStatus, createdBefore time.Time) ([]*models.ScrapeJob, error) {
	query := `SELECT ` + scrapeJobColumns + `
		FROM scrape_jobs
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
	`
	return r.query(ctx, query, statusStrings(statuses), createdBefore)
}

// DeleteTerminalBefore deletes terminal jobs completed before cutoff
func (r *ScrapeJobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM scrape_jobs WHERE status = ANY($1) AND completed_at < $2`

	result, err := r.db.Pool().Exec(ctx, query, statusStrings(types.TerminalStatuses), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scrape jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *ScrapeJobRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.ScrapeJob, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scrape jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ScrapeJob
	for rows.Next() {
		job, err := scanScrapeJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scrape job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scrape jobs: %w", err)
	}

	return jobs, nil
}

func scanScrapeJob(row pgx.Row) (*models.ScrapeJob, error) {
	var job models.ScrapeJob
	var status, mode string
	var details []byte

	err := row.Scan(
		&job.ID,
		&job.JobID,
		&job.SellerID,
		&status,
		&mode,
		&job.Source,
		&job.CurrentPage,
		&job.TotalPages,
		&job.ProductsScraped,
		&job.ProductsSaved,
		&job.ProductsUpdated,
		&job.Errors,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.DurationMs,
		&job.ErrorMessage,
		&details,
	)
	if err != nil {
		return nil, err
	}

	job.Status = types.JobStatus(status)
	job.Mode = types.JobMode(mode)

	if len(details) > 0 {
		var d models.ErrorDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("failed to decode error details: %w", err)
		}
		job.ErrorDetails = &d
	}

	return &job, nil
}
