package models

import "time"

// Seller is a seed vendor whose site is scraped. The pipeline reads eligibility
// and writes LastScraped; everything else is owned by the marketplace.
type Seller struct {
	ID                      string         `json:"id" db:"id"`
	Name                    string         `json:"name" db:"name"`
	IsActive                bool           `json:"isActive" db:"is_active"`
	AutoScrapeIntervalHours *int           `json:"autoScrapeInterval,omitempty" db:"auto_scrape_interval_hours"` // nil or 0 means manual only
	CategoryID              string         `json:"categoryId" db:"category_id"`
	Sources                 []ScrapeSource `json:"sources"`
	LastScraped             *time.Time     `json:"lastScraped,omitempty" db:"last_scraped"`
}

// ScrapeSource is one configured scrape entry point of a seller
type ScrapeSource struct {
	ID        string            `json:"id" db:"id"`
	Source    string            `json:"source" db:"source"` // scraper registry key
	URL       string            `json:"url" db:"url"`
	Selectors map[string]string `json:"selectors,omitempty" db:"selectors"`
}

// Eligible reports whether the seller may be scheduled: active with at least one scrape source.
func (s *Seller) Eligible() bool {
	return s.IsActive && len(s.Sources) > 0
}

// PrimarySource returns the source scrape jobs are created for
func (s *Seller) PrimarySource() (ScrapeSource, bool) {
	if len(s.Sources) == 0 {
		return ScrapeSource{}, false
	}
	return s.Sources[0], true
}

// AutoInterval returns the auto-scrape cadence, or zero when the seller is manual only
func (s *Seller) AutoInterval() time.Duration {
	if s.AutoScrapeIntervalHours == nil || *s.AutoScrapeIntervalHours <= 0 {
		return 0
	}
	return time.Duration(*s.AutoScrapeIntervalHours) * time.Hour
}

// AutoDue reports whether an auto-mode scrape is due at now
func (s *Seller) AutoDue(now time.Time) bool {
	interval := s.AutoInterval()
	if interval == 0 || !s.Eligible() {
		return false
	}
	if s.LastScraped == nil {
		return true
	}
	return !now.Before(s.LastScraped.Add(interval))
}
