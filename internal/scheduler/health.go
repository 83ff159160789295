package scheduler

import (
	"context"
	"math"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/types"
)

// Health is a read-only summary of scrape activity
type Health struct {
	ActiveScrapers    int                      `json:"activeScrapers"`
	ScheduledScrapers int                      `json:"scheduledScrapers"`
	TotalJobs         int                      `json:"totalJobs"`
	TotalErrors       int                      `json:"totalErrors"`
	EligibleSellers   int                      `json:"eligibleSellers"`
	SellersWithJobs   int                      `json:"sellersWithOpenJobs"`
	Coverage          float64                  `json:"coverage"` // percent of eligible sellers with an open job
	StatusCounts      map[types.JobStatus]int  `json:"statusCounts"`
	Queues            map[string]*queue.Counts `json:"queues"`
	QueueErrors       map[string]string        `json:"queueErrors,omitempty"`
}

// Health computes the summary from job record counts and queue counts
func (b *Bulk) Health(ctx context.Context, queues ...*queue.Queue) (*Health, error) {
	counts, err := b.jobs.StatusCounts(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count jobs", err)
	}
	sellers, err := b.sellers.List(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sellers", err)
	}
	open, err := b.jobs.ListOpen(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list open jobs", err)
	}
	withJobs, err := b.jobs.CountOpenSellers(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count open sellers", err)
	}

	h := &Health{
		ActiveScrapers:    counts[types.StatusActive],
		ScheduledScrapers: counts[types.StatusCreated] + counts[types.StatusWaiting] + counts[types.StatusDelayed],
		TotalErrors:       counts[types.StatusFailed],
		SellersWithJobs:   withJobs,
		StatusCounts:      counts,
		Queues:            make(map[string]*queue.Counts),
	}
	for _, n := range counts {
		h.TotalJobs += n
	}

	openSellers := make(map[string]bool, len(open))
	for _, j := range open {
		openSellers[j.SellerID] = true
	}
	covered := 0
	for _, s := range sellers {
		if !s.Eligible() {
			continue
		}
		h.EligibleSellers++
		if openSellers[s.ID] {
			covered++
		}
	}
	if h.EligibleSellers > 0 {
		h.Coverage = math.Round(float64(covered)/float64(h.EligibleSellers)*10000) / 100
	}

	if len(queues) == 0 {
		queues = []*queue.Queue{b.queue}
	}
	for _, q := range queues {
		c, err := q.Counts(ctx)
		if err != nil {
			if h.QueueErrors == nil {
				h.QueueErrors = make(map[string]string)
			}
			h.QueueErrors[q.Name()] = err.Error()
			continue
		}
		h.Queues[q.Name()] = c
	}

	return h, nil
}
