// Package memory implements the storage contracts in process. It enforces the
// same conditional-write rules as the Postgres repositories and backs the
// scheduler, pipeline and API tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// JobStore is an in-memory storage.JobStore
type JobStore struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[string]*models.ScrapeJob
	now    func() time.Time
}

// NewJobStore creates an empty job store
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*models.ScrapeJob),
		now:  time.Now,
	}
}

func copyJob(j *models.ScrapeJob) *models.ScrapeJob {
	c := *j
	return &c
}

func contains(statuses []types.JobStatus, s types.JobStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// Create stores a new job. Like the partial unique index, it refuses a second open job per seller.
func (s *JobStore) Create(ctx context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("scrape job %s already exists", job.JobID)
	}
	for _, j := range s.jobs {
		if j.SellerID == job.SellerID && !j.Status.IsTerminal() && !job.Status.IsTerminal() {
			return fmt.Errorf("seller %s: %w", job.SellerID, storage.ErrDuplicateOpenJob)
		}
	}

	s.nextID++
	job.ID = s.nextID
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	s.jobs[job.JobID] = copyJob(job)
	return nil
}

// GetByJobID returns a copy of the job
func (s *JobStore) GetByJobID(ctx context.Context, jobID string) (*models.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("scrape job %s: %w", jobID, storage.ErrNotFound)
	}
	return copyJob(j), nil
}

// FindOpenBySeller returns the seller's open job or nil
func (s *JobStore) FindOpenBySeller(ctx context.Context, sellerID string) (*models.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, j := range s.jobs {
		if j.SellerID == sellerID && !j.Status.IsTerminal() {
			return copyJob(j), nil
		}
	}
	return nil, nil
}

// FindOpenByJobID returns the open job with the token, optionally scoped to a seller
func (s *JobStore) FindOpenByJobID(ctx context.Context, jobID, sellerID string) (*models.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status.IsTerminal() || (sellerID != "" && j.SellerID != sellerID) {
		return nil, nil
	}
	return copyJob(j), nil
}

// ApplyTransition writes t only while the job's status is in from
func (s *JobStore) ApplyTransition(ctx context.Context, jobID string, from []types.JobStatus, t models.JobTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || !contains(from, j.Status) {
		return false, nil
	}
	t.Apply(j)
	return true, nil
}

// UpdateProgress raises the counters of an active job
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, p models.JobProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != types.StatusActive {
		return false, nil
	}
	j.CurrentPage = max(j.CurrentPage, p.CurrentPage)
	j.TotalPages = max(j.TotalPages, p.TotalPages)
	j.ProductsScraped = max(j.ProductsScraped, p.ProductsScraped)
	j.ProductsSaved = max(j.ProductsSaved, p.ProductsSaved)
	j.ProductsUpdated = max(j.ProductsUpdated, p.ProductsUpdated)
	j.Errors = max(j.Errors, p.Errors)
	return true, nil
}

func (s *JobStore) sorted(match func(*models.ScrapeJob) bool) []*models.ScrapeJob {
	var out []*models.ScrapeJob
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// ListOpen returns every open job, oldest first
func (s *JobStore) ListOpen(ctx context.Context) ([]*models.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(j *models.ScrapeJob) bool { return !j.Status.IsTerminal() }), nil
}

// List returns a page of matching jobs, newest first
func (s *JobStore) List(ctx context.Context, filter models.JobFilter, page models.Page) ([]*models.ScrapeJob, int, error) {
	page = page.Normalize()

	s.mu.RLock()
	matched := s.sorted(func(j *models.ScrapeJob) bool {
		if filter.Status != nil && j.Status != *filter.Status {
			return false
		}
		if filter.SellerID != nil && j.SellerID != *filter.SellerID {
			return false
		}
		if filter.Mode != nil && j.Mode != *filter.Mode {
			return false
		}
		return true
	})
	s.mu.RUnlock()

	for i, k := 0, len(matched)-1; i < k; i, k = i+1, k-1 {
		matched[i], matched[k] = matched[k], matched[i]
	}

	total := len(matched)
	if page.Offset >= total {
		return nil, total, nil
	}
	end := min(page.Offset+page.Limit, total)
	return matched[page.Offset:end], total, nil
}

// StatusCounts returns the number of jobs per status
func (s *JobStore) StatusCounts(ctx context.Context) (map[types.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// CountOpenSellers returns how many sellers have an open job
func (s *JobStore) CountOpenSellers(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sellers := make(map[string]struct{})
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() {
			sellers[j.SellerID] = struct{}{}
		}
	}
	return len(sellers), nil
}

// ListStale returns jobs in one of statuses created before createdBefore
func (s *JobStore) ListStale(ctx context.Context, statuses []types.JobStatus, createdBefore time.Time) ([]*models.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(j *models.ScrapeJob) bool {
		return contains(statuses, j.Status) && j.CreatedAt.Before(createdBefore)
	}), nil
}

// DeleteTerminalBefore deletes terminal jobs completed before cutoff
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// SellerStore is an in-memory storage.SellerStore
type SellerStore struct {
	mu      sync.RWMutex
	sellers map[string]*models.Seller
}

// NewSellerStore creates a store holding sellers
func NewSellerStore(sellers ...*models.Seller) *SellerStore {
	s := &SellerStore{sellers: make(map[string]*models.Seller)}
	for _, seller := range sellers {
		s.Put(seller)
	}
	return s
}

// Put adds or replaces a seller
func (s *SellerStore) Put(seller *models.Seller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *seller
	s.sellers[seller.ID] = &c
}

// Get returns a copy of the seller
func (s *SellerStore) Get(ctx context.Context, sellerID string) (*models.Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seller, ok := s.sellers[sellerID]
	if !ok {
		return nil, fmt.Errorf("seller %s: %w", sellerID, storage.ErrNotFound)
	}
	c := *seller
	return &c, nil
}

// List returns every seller ordered by name
func (s *SellerStore) List(ctx context.Context) ([]*models.Seller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Seller, 0, len(s.sellers))
	for _, seller := range s.sellers {
		c := *seller
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

// UpdateLastScraped sets the seller's last scraped time
func (s *SellerStore) UpdateLastScraped(ctx context.Context, sellerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seller, ok := s.sellers[sellerID]
	if !ok {
		return fmt.Errorf("seller %s: %w", sellerID, storage.ErrNotFound)
	}
	seller.LastScraped = &at
	return nil
}

// CatalogStore is an in-memory product, price and watchlist store
type CatalogStore struct {
	mu        sync.RWMutex
	products  map[string]models.Product // seller|url
	prices    map[string]map[string]int64
	watchers  map[string][]models.Watcher // seller|url
	persisted int
}

// NewCatalogStore creates an empty catalog
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		products: make(map[string]models.Product),
		prices:   make(map[string]map[string]int64),
		watchers: make(map[string][]models.Watcher),
	}
}

func catalogKey(sellerID, url string) string {
	return sellerID + "|" + url
}

// Persist upserts products
func (c *CatalogStore) Persist(ctx context.Context, categoryID, sellerID string, products []models.Product) (*models.PersistResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &models.PersistResult{}
	for _, p := range products {
		key := catalogKey(sellerID, p.URL)
		if _, exists := c.products[key]; exists {
			result.Updated++
		} else {
			result.Saved++
		}
		c.products[key] = p
	}
	c.persisted++
	return result, nil
}

// PersistCalls returns how many times Persist ran
func (c *CatalogStore) PersistCalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persisted
}

// SetPrice sets a last known price in cents
func (c *CatalogStore) SetPrice(sellerID, url, packSize string, cents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices[sellerID] == nil {
		c.prices[sellerID] = make(map[string]int64)
	}
	c.prices[sellerID][models.PriceKey(url, packSize)] = cents
}

// LastKnown returns the seller's last known prices
func (c *CatalogStore) LastKnown(ctx context.Context, sellerID string) (map[string]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.prices[sellerID]))
	for k, v := range c.prices[sellerID] {
		out[k] = v
	}
	return out, nil
}

// Record replaces snapshots with the scraped prices
func (c *CatalogStore) Record(ctx context.Context, sellerID string, products []models.Product, at time.Time) error {
	for _, p := range products {
		for _, pr := range p.Pricings {
			c.SetPrice(sellerID, p.URL, pr.PackSize, pr.Cents())
		}
	}
	return nil
}

// Watch adds a watcher for a product
func (c *CatalogStore) Watch(sellerID, url string, w models.Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := catalogKey(sellerID, url)
	c.watchers[key] = append(c.watchers[key], w)
}

// WatchersFor returns the watchers of each product URL
func (c *CatalogStore) WatchersFor(ctx context.Context, sellerID string, productURLs []string) (map[string][]models.Watcher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]models.Watcher)
	for _, url := range productURLs {
		if ws := c.watchers[catalogKey(sellerID, url)]; len(ws) > 0 {
			out[url] = append([]models.Watcher(nil), ws...)
		}
	}
	return out, nil
}

var (
	_ storage.JobStore       = (*JobStore)(nil)
	_ storage.SellerStore    = (*SellerStore)(nil)
	_ storage.ProductStore   = (*CatalogStore)(nil)
	_ storage.PriceStore     = (*CatalogStore)(nil)
	_ storage.WatchlistStore = (*CatalogStore)(nil)
)
