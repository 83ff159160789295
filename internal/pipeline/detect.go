package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// DetectPriceDrops compares freshly scraped prices with the last known ones
// (cents keyed by models.PriceKey) and returns the decreases in scrape order.
// Pack sizes without a previous price are not drops.
func DetectPriceDrops(previous map[string]int64, products []models.Product) []models.PriceDrop {
	var drops []models.PriceDrop
	for _, product := range products {
		for _, pricing := range product.Pricings {
			old, ok := previous[models.PriceKey(product.URL, pricing.PackSize)]
			if !ok {
				continue
			}
			current := pricing.Cents()
			if current < old {
				drops = append(drops, models.PriceDrop{
					ProductName: product.Name,
					ProductURL:  product.URL,
					PackSize:    pricing.PackSize,
					OldPrice:    old,
					NewPrice:    current,
				})
			}
		}
	}
	return drops
}

// GroupByWatcher returns one alert per watching user with the drops they watch,
// ordered by user id. Users without an email address are left out.
func GroupByWatcher(drops []models.PriceDrop, watchers map[string][]models.Watcher) []AlertPayload {
	byUser := make(map[string]*AlertPayload)
	for _, drop := range drops {
		for _, w := range watchers[drop.ProductURL] {
			if w.Email == "" {
				continue
			}
			alert, ok := byUser[w.UserID]
			if !ok {
				alert = &AlertPayload{UserID: w.UserID, Email: w.Email}
				byUser[w.UserID] = alert
			}
			alert.Drops = append(alert.Drops, drop)
		}
	}

	alerts := make([]AlertPayload, 0, len(byUser))
	for _, a := range byUser {
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].UserID < alerts[j].UserID })
	return alerts
}

// DetectProcessor runs stage B: find price drops and queue one alert per user
type DetectProcessor struct {
	prices     storage.PriceStore
	watchlists storage.WatchlistStore
	alerts     *queue.Queue
	now        func() time.Time
	logger     *logging.Logger
}

// NewDetectProcessor creates the stage B processor
func NewDetectProcessor(prices storage.PriceStore, watchlists storage.WatchlistStore, alerts *queue.Queue, logger *logging.Logger) *DetectProcessor {
	return &DetectProcessor{
		prices:     prices,
		watchlists: watchlists,
		alerts:     alerts,
		now:        time.Now,
		logger:     logger,
	}
}

// Process implements queue.Processor. Alerts are queued before the new prices
// are recorded, so a retry finds the same drops and re-queues the same alert ids.
func (p *DetectProcessor) Process(ctx context.Context, h *queue.Handle) (interface{}, error) {
	var payload DetectPayload
	if err := h.Decode(&payload); err != nil {
		return nil, queue.Unrecoverable(fmt.Errorf("invalid detect payload: %w", err))
	}

	logger := p.logger.WithJob(h.ID, payload.SellerID, string(types.StageDetect))

	previous, err := p.prices.LastKnown(ctx, payload.SellerID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load last known prices", err)
	}

	drops := DetectPriceDrops(previous, payload.Products)
	result := &DetectResult{SellerID: payload.SellerID, PriceDrops: len(drops), Users: []string{}}

	if len(drops) > 0 {
		urls := make([]string, 0, len(drops))
		seen := make(map[string]bool)
		for _, d := range drops {
			if !seen[d.ProductURL] {
				seen[d.ProductURL] = true
				urls = append(urls, d.ProductURL)
			}
		}

		watchers, err := p.watchlists.WatchersFor(ctx, payload.SellerID, urls)
		if err != nil {
			return nil, apperrors.NewDatabaseError("resolve watchers", err)
		}

		for _, alert := range GroupByWatcher(drops, watchers) {
			alert.DetectJobID = h.ID
			alert.SellerID = payload.SellerID
			alert.SellerName = payload.SellerName

			if _, err := p.alerts.Enqueue(ctx, AlertJobID(h.ID, alert.UserID), alert, queue.Options{}); err != nil {
				return nil, apperrors.NewQueueUnavailableError("enqueue alert job", err)
			}
			result.AlertsQueued++
			result.Users = append(result.Users, alert.UserID)
		}
	}

	if err := p.prices.Record(ctx, payload.SellerID, payload.Products, p.now()); err != nil {
		return nil, apperrors.NewDatabaseError("record prices", err)
	}

	logger.WithFields(map[string]interface{}{
		"products":     len(payload.Products),
		"priceDrops":   result.PriceDrops,
		"alertsQueued": result.AlertsQueued,
	}).Info("Price detection finished")

	return result, nil
}
