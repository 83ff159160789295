// Package scraper defines the scrape-site contract consumed by the scrape
// stage and a registry mapping scrape-source keys to implementations.
package scraper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seed-scraper/internal/models"
)

// SiteConfig describes the seller site to scrape
type SiteConfig struct {
	SellerID   string
	SellerName string
	Source     string
	URL        string
	Selectors  map[string]string
}

// PageRange bounds a crawl. With Full set the crawl runs from Start until a page
// yields no products or MaxPages pages were fetched.
type PageRange struct {
	Start    int
	End      int
	Full     bool
	MaxPages int
}

// Last returns the last page number to fetch, or zero when unbounded
func (r PageRange) Last() int {
	start := max(r.Start, 1)
	if r.Full {
		if r.MaxPages > 0 {
			return start + r.MaxPages - 1
		}
		return 0
	}
	return max(r.End, start)
}

// Output is the result of scraping a site
type Output struct {
	Products   []models.Product
	TotalPages int
	Duration   time.Duration
}

// ProgressFunc is called after every fetched page
type ProgressFunc func(page, totalPages, productsSoFar int)

// Scraper extracts products from a seller site
type Scraper interface {
	Scrape(ctx context.Context, site SiteConfig, pages PageRange, progress ProgressFunc) (*Output, error)
}

// Throttle paces fetches against a host. Wait blocks until a fetch is allowed.
type Throttle interface {
	Wait(ctx context.Context, host string) error
}

// Registry maps scrape-source keys to scrapers
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

// Register binds source to s, replacing any earlier binding
func (r *Registry) Register(source string, s Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[source] = s
}

// Lookup returns the scraper implementing source
func (r *Registry) Lookup(source string) (Scraper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[source]
	return s, ok
}

// Sources returns the registered source keys
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scrapers))
	for k := range r.scrapers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
