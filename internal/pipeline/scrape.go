package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/seed-scraper/internal/config"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/ratelimit"
	"github.com/seed-scraper/internal/scraper"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// ProgressRecorder receives page-level progress of a running scrape
type ProgressRecorder interface {
	UpdateProgress(ctx context.Context, jobID string, p models.JobProgress) (bool, error)
}

// ScrapeProcessor runs stage A: scrape a seller site and persist its products
type ScrapeProcessor struct {
	registry *scraper.Registry
	sellers  storage.SellerStore
	products storage.ProductStore
	progress ProgressRecorder
	limits   config.ScrapeConfig
	logger   *logging.Logger
}

// NewScrapeProcessor creates the stage A processor
func NewScrapeProcessor(
	registry *scraper.Registry,
	sellers storage.SellerStore,
	products storage.ProductStore,
	progress ProgressRecorder,
	limits config.ScrapeConfig,
	logger *logging.Logger,
) *ScrapeProcessor {
	return &ScrapeProcessor{
		registry: registry,
		sellers:  sellers,
		products: products,
		progress: progress,
		limits:   limits,
		logger:   logger,
	}
}

// Process implements queue.Processor. Errors that a retry cannot fix fail the
// entry without using up its remaining attempts.
func (p *ScrapeProcessor) Process(ctx context.Context, h *queue.Handle) (interface{}, error) {
	result, err := p.process(ctx, h)
	if err != nil {
		if !apperrors.IsRetryable(err) {
			return nil, queue.Unrecoverable(err)
		}
		return nil, err
	}
	return result, nil
}

func (p *ScrapeProcessor) process(ctx context.Context, h *queue.Handle) (*ScrapeResult, error) {
	var payload ScrapePayload
	if err := h.Decode(&payload); err != nil {
		return nil, apperrors.NewInvalidParameterError("payload", fmt.Sprintf("invalid scrape payload: %v", err))
	}

	logger := p.logger.WithJob(h.ID, payload.SellerID, string(types.StageScrape))
	ctx = logging.WithLogger(ctx, logger)
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityFor(payload.Mode()))

	seller, err := p.sellers.Get(ctx, payload.SellerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("seller", payload.SellerID)
		}
		return nil, apperrors.NewDatabaseError("load seller", err)
	}

	s, ok := p.registry.Lookup(payload.Source)
	if !ok {
		return nil, apperrors.NewScraperNotImplementedError(payload.Source)
	}

	pages := payload.Config.PageRange(p.limits)
	logger.WithFields(map[string]interface{}{
		"mode":      string(payload.Mode()),
		"startPage": pages.Start,
		"lastPage":  pages.Last(),
	}).Info("Starting scrape")

	out, err := s.Scrape(ctx, scraper.SiteConfig{
		SellerID:   seller.ID,
		SellerName: seller.Name,
		Source:     payload.Source,
		URL:        payload.URL,
		Selectors:  payload.Selectors,
	}, pages, p.reportProgress(ctx, h, logger))
	if err != nil {
		return nil, apperrors.NewScrapeFailedError("scrape", err)
	}

	result := &ScrapeResult{
		Success:       true,
		SellerID:      seller.ID,
		SellerName:    seller.Name,
		TotalProducts: len(out.Products),
		TotalPages:    out.TotalPages,
		Products:      out.Products,
		DurationMs:    out.Duration.Milliseconds(),
	}
	if result.Products == nil {
		result.Products = []models.Product{}
	}

	if len(out.Products) > 0 {
		saved, err := p.products.Persist(ctx, seller.CategoryID, seller.ID, out.Products)
		if err != nil {
			return nil, apperrors.NewScrapeFailedError("persist", err)
		}
		result.Saved = saved.Saved
		result.Updated = saved.Updated
		result.Errors = saved.Errors
	}

	logger.WithFields(map[string]interface{}{
		"products": result.TotalProducts,
		"pages":    result.TotalPages,
		"saved":    result.Saved,
		"updated":  result.Updated,
		"errors":   result.Errors,
	}).Info("Scrape finished")

	return result, nil
}

func (p *ScrapeProcessor) reportProgress(ctx context.Context, h *queue.Handle, logger *logging.Logger) scraper.ProgressFunc {
	return func(page, totalPages, productsSoFar int) {
		progress := models.JobProgress{
			CurrentPage:     page,
			TotalPages:      totalPages,
			ProductsScraped: productsSoFar,
		}
		if err := h.UpdateProgress(ctx, progress); err != nil {
			logger.WithError(err).Warn("Failed to update queue progress")
		}
		if p.progress == nil {
			return
		}
		if _, err := p.progress.UpdateProgress(ctx, h.ID, progress); err != nil {
			logger.WithError(err).Warn("Failed to record job progress")
		}
	}
}
