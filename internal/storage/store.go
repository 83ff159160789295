package storage

import (
	"context"
	"errors"
	"time"

	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateOpenJob is returned when a seller already has an open scrape job
	ErrDuplicateOpenJob = errors.New("seller already has an open scrape job")
)

// JobStore is the system of record for scrape jobs. ApplyTransition is the only
// way to change a job's status; it writes only while the current status is in from.
type JobStore interface {
	Create(ctx context.Context, job *models.ScrapeJob) error
	GetByJobID(ctx context.Context, jobID string) (*models.ScrapeJob, error)
	FindOpenBySeller(ctx context.Context, sellerID string) (*models.ScrapeJob, error)
	FindOpenByJobID(ctx context.Context, jobID, sellerID string) (*models.ScrapeJob, error)
	ApplyTransition(ctx context.Context, jobID string, from []types.JobStatus, t models.JobTransition) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, p models.JobProgress) (bool, error)
	ListOpen(ctx context.Context) ([]*models.ScrapeJob, error)
	List(ctx context.Context, filter models.JobFilter, page models.Page) ([]*models.ScrapeJob, int, error)
	StatusCounts(ctx context.Context) (map[types.JobStatus]int, error)
	CountOpenSellers(ctx context.Context) (int, error)
	ListStale(ctx context.Context, statuses []types.JobStatus, createdBefore time.Time) ([]*models.ScrapeJob, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SellerStore reads sellers and records when they were last scraped
type SellerStore interface {
	Get(ctx context.Context, sellerID string) (*models.Seller, error)
	List(ctx context.Context) ([]*models.Seller, error)
	UpdateLastScraped(ctx context.Context, sellerID string, at time.Time) error
}

// ProductStore saves scraped products
type ProductStore interface {
	Persist(ctx context.Context, categoryID, sellerID string, products []models.Product) (*models.PersistResult, error)
}

// PriceStore keeps the last known price of every product pack size
type PriceStore interface {
	// LastKnown returns cents keyed by models.PriceKey
	LastKnown(ctx context.Context, sellerID string) (map[string]int64, error)
	Record(ctx context.Context, sellerID string, products []models.Product, at time.Time) error
}

// WatchlistStore resolves the users watching products
type WatchlistStore interface {
	// WatchersFor returns watchers keyed by product URL
	WatchersFor(ctx context.Context, sellerID string, productURLs []string) (map[string][]models.Watcher, error)
}

func statusStrings(statuses []types.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
