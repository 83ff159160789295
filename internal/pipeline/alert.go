package pipeline

import (
	"context"
	"fmt"

	"github.com/seed-scraper/internal/circuitbreaker"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/notify"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/types"
)

// AlertProcessor runs stage C: send one price-drop email. It is the end of
// the chain and holds no queue to enqueue into.
type AlertProcessor struct {
	renderer *notify.Renderer
	sender   notify.Sender
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logging.Logger
}

// NewAlertProcessor creates the stage C processor
func NewAlertProcessor(renderer *notify.Renderer, sender notify.Sender, breaker *circuitbreaker.CircuitBreaker, logger *logging.Logger) *AlertProcessor {
	return &AlertProcessor{
		renderer: renderer,
		sender:   sender,
		breaker:  breaker,
		logger:   logger,
	}
}

// Process implements queue.Processor. Send failures are returned to the queue
// and retried with its backoff; an open breaker fails the attempt fast.
func (p *AlertProcessor) Process(ctx context.Context, h *queue.Handle) (interface{}, error) {
	var payload AlertPayload
	if err := h.Decode(&payload); err != nil {
		return nil, queue.Unrecoverable(fmt.Errorf("invalid alert payload: %w", err))
	}

	logger := p.logger.WithJob(h.ID, payload.SellerID, string(types.StageAlert)).
		WithField("userId", payload.UserID)

	msg, err := p.renderer.RenderPriceDrop(notify.AlertData{
		UserID:     payload.UserID,
		Email:      payload.Email,
		SellerID:   payload.SellerID,
		SellerName: payload.SellerName,
		Drops:      payload.Drops,
	})
	if err != nil {
		return nil, queue.Unrecoverable(err)
	}

	var messageID string
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		id, err := p.sender.Send(ctx, msg)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Price alert email not sent")
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"messageId": messageID,
		"drops":     len(payload.Drops),
	}).Info("Price alert email sent")

	return &AlertResult{EmailSent: true, MessageID: messageID}, nil
}
