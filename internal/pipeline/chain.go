package pipeline

import (
	"context"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/types"
)

// Chain hands a completed scrape to the detect stage
type Chain struct {
	detect *queue.Queue
	logger *logging.Logger
}

// NewChain creates the A to B hand-off
func NewChain(detect *queue.Queue, logger *logging.Logger) *Chain {
	return &Chain{detect: detect, logger: logger}
}

// OnScrapeCompleted enqueues the detect job for a successful, non-empty scrape.
// The detect job id is derived from the scrape job id, so repeated calls for the
// same completion enqueue it once.
func (c *Chain) OnScrapeCompleted(ctx context.Context, scrapeJobID string, result *ScrapeResult) (bool, error) {
	logger := c.logger.WithJob(scrapeJobID, result.SellerID, string(types.StageDetect))

	if !result.Success || result.TotalProducts == 0 || len(result.Products) == 0 {
		logger.WithFields(map[string]interface{}{
			"success":       result.Success,
			"totalProducts": result.TotalProducts,
		}).Info("Skipping price detection for empty or unsuccessful scrape")
		return false, nil
	}

	payload := DetectPayload{
		ScrapeJobID: scrapeJobID,
		SellerID:    result.SellerID,
		SellerName:  result.SellerName,
		Products:    result.Products,
	}
	h, err := c.detect.Enqueue(ctx, DetectJobID(scrapeJobID), payload, queue.Options{})
	if err != nil {
		return false, apperrors.NewQueueUnavailableError("enqueue detect job", err)
	}

	logger.WithFields(map[string]interface{}{
		"detectJobId": h.ID,
		"products":    len(result.Products),
	}).Info("Queued price detection")
	return true, nil
}
