package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/ratelimit"
	"github.com/seed-scraper/internal/scraper"
	"github.com/stretchr/testify/require"
)

type testQueues struct {
	scrape *queue.Queue
	detect *queue.Queue
	alert  *queue.Queue
}

func setupTestQueues(t *testing.T) *testQueues {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	newQueue := func(name string) *queue.Queue {
		return queue.New(client, name, queue.Config{
			Prefix:       "test",
			Attempts:     2,
			Backoff:      10 * time.Millisecond,
			LockDuration: 30 * time.Second,
			EventBlock:   20 * time.Millisecond,
			Logger:       logging.Discard(),
		})
	}
	return &testQueues{
		scrape: newQueue("scrape"),
		detect: newQueue("detect"),
		alert:  newQueue("alert"),
	}
}

// enqueueAndGet puts payload on q and returns its handle as a worker would see it
func enqueueAndGet(t *testing.T, q *queue.Queue, jobID string, payload interface{}) *queue.Handle {
	t.Helper()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, jobID, payload, queue.Options{})
	require.NoError(t, err)
	h, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

type fakeScraper struct {
	out   *scraper.Output
	err   error
	calls int
	pages scraper.PageRange
	site  scraper.SiteConfig
	prio  ratelimit.Priority
}

func (f *fakeScraper) Scrape(ctx context.Context, site scraper.SiteConfig, pages scraper.PageRange, progress scraper.ProgressFunc) (*scraper.Output, error) {
	f.calls++
	f.prio = ratelimit.PriorityFromContext(ctx)
	f.pages = pages
	f.site = site
	if f.err != nil {
		return nil, f.err
	}
	if progress != nil {
		progress(pages.Start, 1, len(f.out.Products))
	}
	return f.out, nil
}
