// Package pipeline implements the three queue-backed stages of the scrape
// pipeline: scrape a seller site, detect price drops, send price alerts.
// Stages only ever feed the next stage; no stage enqueues upstream work.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/seed-scraper/internal/config"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/scraper"
	"github.com/seed-scraper/internal/types"
)

// ModeConfig is the mode-specific part of a scrape payload. Each mode carries
// only the fields it uses.
type ModeConfig interface {
	Mode() types.JobMode
	PageRange(limits config.ScrapeConfig) scraper.PageRange
	fields() ModeFields
}

// BatchConfig scrapes an explicit page range
type BatchConfig struct {
	StartPage int
	EndPage   int
}

// AutoConfig crawls the whole listing up to the auto page limit
type AutoConfig struct{}

// ManualConfig scrapes the first MaxPages pages, or the whole listing with FullSiteCrawl
type ManualConfig struct {
	MaxPages      int
	FullSiteCrawl bool
}

// TestConfig scrapes the first page only
type TestConfig struct{}

func (BatchConfig) Mode() types.JobMode  { return types.ModeBatch }
func (AutoConfig) Mode() types.JobMode   { return types.ModeAuto }
func (ManualConfig) Mode() types.JobMode { return types.ModeManual }
func (TestConfig) Mode() types.JobMode   { return types.ModeTest }

func (c BatchConfig) PageRange(config.ScrapeConfig) scraper.PageRange {
	return scraper.PageRange{Start: c.StartPage, End: c.EndPage}
}

func (AutoConfig) PageRange(limits config.ScrapeConfig) scraper.PageRange {
	return scraper.PageRange{Start: 1, Full: true, MaxPages: limits.AutoMaxPages}
}

func (c ManualConfig) PageRange(limits config.ScrapeConfig) scraper.PageRange {
	if c.FullSiteCrawl {
		return scraper.PageRange{Start: 1, Full: true, MaxPages: c.MaxPages}
	}
	pages := c.MaxPages
	if pages <= 0 {
		pages = limits.ManualMaxPages
	}
	return scraper.PageRange{Start: 1, End: max(pages, 1)}
}

func (TestConfig) PageRange(config.ScrapeConfig) scraper.PageRange {
	return scraper.PageRange{Start: 1, End: 1}
}

func (c BatchConfig) fields() ModeFields {
	return ModeFields{StartPage: &c.StartPage, EndPage: &c.EndPage}
}

func (AutoConfig) fields() ModeFields { return ModeFields{} }

func (c ManualConfig) fields() ModeFields {
	f := ModeFields{}
	if c.MaxPages > 0 {
		f.MaxPages = &c.MaxPages
	}
	if c.FullSiteCrawl {
		f.FullSiteCrawl = &c.FullSiteCrawl
	}
	return f
}

func (TestConfig) fields() ModeFields { return ModeFields{} }

// ModeFields is the flat wire form of the mode-specific fields
type ModeFields struct {
	StartPage     *int  `json:"startPage,omitempty"`
	EndPage       *int  `json:"endPage,omitempty"`
	MaxPages      *int  `json:"maxPages,omitempty"`
	FullSiteCrawl *bool `json:"fullSiteCrawl,omitempty"`
}

// NewModeConfig validates the fields for mode and returns its variant.
// Fields that do not belong to the mode are rejected.
func NewModeConfig(mode types.JobMode, f ModeFields) (ModeConfig, error) {
	switch mode {
	case types.ModeBatch:
		if f.MaxPages != nil || f.FullSiteCrawl != nil {
			return nil, apperrors.NewInvalidParameterError("config", "batch mode takes only startPage and endPage")
		}
		if f.StartPage == nil || f.EndPage == nil {
			return nil, apperrors.NewInvalidParameterError("config", "batch mode requires startPage and endPage")
		}
		if *f.StartPage < 1 || *f.EndPage < *f.StartPage {
			return nil, apperrors.NewInvalidParameterError("config",
				fmt.Sprintf("invalid page range %d-%d", *f.StartPage, *f.EndPage))
		}
		return BatchConfig{StartPage: *f.StartPage, EndPage: *f.EndPage}, nil

	case types.ModeManual:
		if f.StartPage != nil || f.EndPage != nil {
			return nil, apperrors.NewInvalidParameterError("config", "manual mode takes only maxPages and fullSiteCrawl")
		}
		c := ManualConfig{}
		if f.MaxPages != nil {
			if *f.MaxPages < 1 {
				return nil, apperrors.NewInvalidParameterError("maxPages", "must be at least 1")
			}
			c.MaxPages = *f.MaxPages
		}
		if f.FullSiteCrawl != nil {
			c.FullSiteCrawl = *f.FullSiteCrawl
		}
		return c, nil

	case types.ModeAuto, types.ModeTest:
		if f != (ModeFields{}) {
			return nil, apperrors.NewInvalidParameterError("config", fmt.Sprintf("%s mode takes no page options", mode))
		}
		if mode == types.ModeAuto {
			return AutoConfig{}, nil
		}
		return TestConfig{}, nil
	}

	return nil, apperrors.NewInvalidParameterError("mode", fmt.Sprintf("unknown mode %q", mode))
}

// ScrapePayload is the stage A queue payload
type ScrapePayload struct {
	JobID     string
	SellerID  string
	Source    string
	URL       string
	Selectors map[string]string
	Config    ModeConfig
}

// NewScrapePayload builds the payload for a job scraping source of seller
func NewScrapePayload(jobID, sellerID string, source models.ScrapeSource, cfg ModeConfig) *ScrapePayload {
	return &ScrapePayload{
		JobID:     jobID,
		SellerID:  sellerID,
		Source:    source.Source,
		URL:       source.URL,
		Selectors: source.Selectors,
		Config:    cfg,
	}
}

// Mode returns the payload's job mode
func (p *ScrapePayload) Mode() types.JobMode {
	return p.Config.Mode()
}

type wireScrapePayload struct {
	JobID    string           `json:"jobId"`
	SellerID string           `json:"sellerId"`
	Source   string           `json:"source"`
	Mode     types.JobMode    `json:"mode"`
	Config   wireScrapeConfig `json:"config"`
}

type wireScrapeConfig struct {
	ScrapingSourceURL string            `json:"scrapingSourceUrl"`
	Selectors         map[string]string `json:"selectors,omitempty"`
	ModeFields
}

// MarshalJSON writes the flat payload shape consumed by workers
func (p ScrapePayload) MarshalJSON() ([]byte, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("scrape payload %s has no mode config", p.JobID)
	}
	return json.Marshal(wireScrapePayload{
		JobID:    p.JobID,
		SellerID: p.SellerID,
		Source:   p.Source,
		Mode:     p.Config.Mode(),
		Config: wireScrapeConfig{
			ScrapingSourceURL: p.URL,
			Selectors:         p.Selectors,
			ModeFields:        p.Config.fields(),
		},
	})
}

// UnmarshalJSON reads the flat payload shape and validates it against its mode
func (p *ScrapePayload) UnmarshalJSON(data []byte) error {
	var w wireScrapePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.SellerID == "" || w.Config.ScrapingSourceURL == "" {
		return apperrors.NewInvalidParameterError("payload", "sellerId and config.scrapingSourceUrl are required")
	}
	cfg, err := NewModeConfig(w.Mode, w.Config.ModeFields)
	if err != nil {
		return err
	}

	*p = ScrapePayload{
		JobID:     w.JobID,
		SellerID:  w.SellerID,
		Source:    w.Source,
		URL:       w.Config.ScrapingSourceURL,
		Selectors: w.Config.Selectors,
		Config:    cfg,
	}
	return nil
}

// ScrapeResult is the stage A result carried by the completed event
type ScrapeResult struct {
	Success       bool             `json:"success"`
	SellerID      string           `json:"sellerId"`
	SellerName    string           `json:"sellerName"`
	TotalProducts int              `json:"totalProducts"`
	TotalPages    int              `json:"totalPages"`
	Products      []models.Product `json:"products"`
	Saved         int              `json:"saved"`
	Updated       int              `json:"updated"`
	Errors        int              `json:"errors"`
	DurationMs    int64            `json:"durationMs"`
}

// DetectPayload is the stage B queue payload
type DetectPayload struct {
	ScrapeJobID string           `json:"scrapeJobId"`
	SellerID    string           `json:"sellerId"`
	SellerName  string           `json:"sellerName"`
	Products    []models.Product `json:"products"`
}

// DetectResult is the stage B result
type DetectResult struct {
	SellerID     string   `json:"sellerId"`
	PriceDrops   int      `json:"priceDrops"`
	AlertsQueued int      `json:"alertsQueued"`
	Users        []string `json:"users"`
}

// AlertPayload is the stage C queue payload: the drops one user is watching
type AlertPayload struct {
	DetectJobID string             `json:"detectJobId"`
	UserID      string             `json:"userId"`
	Email       string             `json:"email"`
	SellerID    string             `json:"sellerId"`
	SellerName  string             `json:"sellerName"`
	Drops       []models.PriceDrop `json:"drops"`
}

// AlertResult is the stage C result
type AlertResult struct {
	EmailSent bool   `json:"emailSent"`
	MessageID string `json:"messageId"`
}

// DetectJobID returns the stage B job id derived from a stage A job id
func DetectJobID(scrapeJobID string) string {
	return "detect-" + scrapeJobID
}

// AlertJobID returns the stage C job id for one user of a stage B job
func AlertJobID(detectJobID, userID string) string {
	return "alert-" + detectJobID + "-" + userID
}
