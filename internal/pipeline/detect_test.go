package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/seed-scraper/internal/circuitbreaker"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/notify"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priced(p models.Product, total float64) models.Product {
	p.Pricings = []models.Pricing{{PackSize: p.Pricings[0].PackSize, TotalPrice: total}}
	return p
}

func TestDetectPriceDrops(t *testing.T) {
	previous := map[string]int64{models.PriceKey(tomato.URL, "10 seeds"): 1000}

	tests := []struct {
		name  string
		price float64
		drops int
	}{
		{"decrease", 8.00, 1},
		{"unchanged", 10.00, 0},
		{"increase", 12.00, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drops := DetectPriceDrops(previous, []models.Product{priced(tomato, tt.price)})
			assert.Len(t, drops, tt.drops)
		})
	}

	drops := DetectPriceDrops(previous, []models.Product{priced(tomato, 8.00), basil})
	require.Len(t, drops, 1, "products without a previous price are not drops")
	assert.Equal(t, models.PriceDrop{
		ProductName: tomato.Name,
		ProductURL:  tomato.URL,
		PackSize:    "10 seeds",
		OldPrice:    1000,
		NewPrice:    800,
	}, drops[0])
	assert.InDelta(t, 20.0, drops[0].PercentOff(), 0.001)
}

func TestDetectPriceDropsProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("a drop is reported exactly when the price decreased", prop.ForAll(
		func(oldCents, newCents int64) bool {
			previous := map[string]int64{models.PriceKey(tomato.URL, "10 seeds"): oldCents}
			drops := DetectPriceDrops(previous, []models.Product{priced(tomato, float64(newCents)/100)})
			if newCents < oldCents {
				return len(drops) == 1 && drops[0].OldPrice == oldCents && drops[0].NewPrice == newCents
			}
			return len(drops) == 0
		},
		gen.Int64Range(1, 100000),
		gen.Int64Range(1, 100000),
	))

	properties.Property("every drop is a strict decrease of a known price", prop.ForAll(
		func(prices []int64) bool {
			previous := make(map[string]int64)
			var products []models.Product
			for i, cents := range prices {
				url := tomato.URL + "/" + string(rune('a'+i%26))
				if i%2 == 0 {
					previous[models.PriceKey(url, "pack")] = 5000
				}
				products = append(products, models.Product{
					Name:     "p",
					URL:      url,
					Pricings: []models.Pricing{{PackSize: "pack", TotalPrice: float64(cents) / 100}},
				})
			}
			for _, d := range DetectPriceDrops(previous, products) {
				old, ok := previous[models.PriceKey(d.ProductURL, d.PackSize)]
				if !ok || d.OldPrice != old || d.NewPrice >= d.OldPrice {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 10000)),
	))

	properties.TestingRun(t)
}

func TestGroupByWatcher(t *testing.T) {
	drops := []models.PriceDrop{
		{ProductURL: tomato.URL, OldPrice: 1000, NewPrice: 800},
		{ProductURL: basil.URL, OldPrice: 500, NewPrice: 350},
	}
	watchers := map[string][]models.Watcher{
		tomato.URL: {{UserID: "u2", Email: "u2@example.com"}, {UserID: "u1", Email: "u1@example.com"}},
		basil.URL:  {{UserID: "u1", Email: "u1@example.com"}, {UserID: "u3"}},
	}

	alerts := GroupByWatcher(drops, watchers)
	require.Len(t, alerts, 2, "watchers without an email are left out")
	assert.Equal(t, "u1", alerts[0].UserID)
	assert.Len(t, alerts[0].Drops, 2)
	assert.Equal(t, "u2", alerts[1].UserID)
	assert.Len(t, alerts[1].Drops, 1)
}

type detectFixture struct {
	processor *DetectProcessor
	catalog   *memory.CatalogStore
	queues    *testQueues
}

func setupDetect(t *testing.T) *detectFixture {
	t.Helper()
	f := &detectFixture{catalog: memory.NewCatalogStore(), queues: setupTestQueues(t)}
	f.processor = NewDetectProcessor(f.catalog, f.catalog, f.queues.alert, logging.Discard())
	f.processor.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	f.catalog.SetPrice("seller-1", tomato.URL, "10 seeds", 1000)
	f.catalog.Watch("seller-1", tomato.URL, models.Watcher{UserID: "u1", Email: "u1@example.com"})
	f.catalog.Watch("seller-1", tomato.URL, models.Watcher{UserID: "u2", Email: "u2@example.com"})
	return f
}

func TestDetectProcessor_OneAlertJobPerWatcher(t *testing.T) {
	f := setupDetect(t)
	ctx := context.Background()

	payload := DetectPayload{ScrapeJobID: "job-1", SellerID: "seller-1", SellerName: "Heirloom Seeds", Products: []models.Product{priced(tomato, 8.00)}}
	h := enqueueAndGet(t, f.queues.detect, "detect-job-1", payload)

	out, err := f.processor.Process(ctx, h)
	require.NoError(t, err)

	result := out.(*DetectResult)
	assert.Equal(t, 1, result.PriceDrops)
	assert.Equal(t, 2, result.AlertsQueued)
	assert.Equal(t, []string{"u1", "u2"}, result.Users)

	counts, err := f.queues.alert.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)

	for _, user := range []string{"u1", "u2"} {
		ah, err := f.queues.alert.Get(ctx, AlertJobID("detect-job-1", user))
		require.NoError(t, err)
		require.NotNil(t, ah)

		var alert AlertPayload
		require.NoError(t, ah.Decode(&alert))
		assert.Equal(t, user, alert.UserID)
		assert.Equal(t, "Heirloom Seeds", alert.SellerName)
		require.Len(t, alert.Drops, 1)
		assert.Equal(t, int64(800), alert.Drops[0].NewPrice)
	}

	prices, err := f.catalog.LastKnown(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), prices[models.PriceKey(tomato.URL, "10 seeds")], "new prices are recorded")
}

func TestDetectProcessor_NoAlertsWithoutDecrease(t *testing.T) {
	for _, price := range []float64{10.00, 12.00} {
		f := setupDetect(t)
		ctx := context.Background()

		payload := DetectPayload{SellerID: "seller-1", Products: []models.Product{priced(tomato, price)}}
		h := enqueueAndGet(t, f.queues.detect, "detect-job-1", payload)

		out, err := f.processor.Process(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, 0, out.(*DetectResult).AlertsQueued)

		counts, err := f.queues.alert.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), counts.Waiting)
	}
}

type fakeSender struct {
	err   error
	calls int
}

func (s *fakeSender) Send(ctx context.Context, msg *notify.Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "msg-1@test", nil
}

func newAlertProcessor(t *testing.T, sender notify.Sender) *AlertProcessor {
	t.Helper()
	renderer, err := notify.NewRenderer("https://market.example")
	require.NoError(t, err)
	cfg := circuitbreaker.DefaultConfig("email")
	cfg.Logger = logging.Discard()
	return NewAlertProcessor(renderer, sender, circuitbreaker.New(cfg), logging.Discard())
}

func alertFor(user string) AlertPayload {
	return AlertPayload{
		DetectJobID: "detect-job-1",
		UserID:      user,
		Email:       user + "@example.com",
		SellerID:    "seller-1",
		SellerName:  "Heirloom Seeds",
		Drops:       []models.PriceDrop{{ProductName: tomato.Name, ProductURL: tomato.URL, PackSize: "10 seeds", OldPrice: 1000, NewPrice: 800}},
	}
}

func TestAlertProcessor_SendsEmail(t *testing.T) {
	queues := setupTestQueues(t)
	sender := &fakeSender{}
	p := newAlertProcessor(t, sender)

	h := enqueueAndGet(t, queues.alert, "alert-detect-job-1-u1", alertFor("u1"))
	out, err := p.Process(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, &AlertResult{EmailSent: true, MessageID: "msg-1@test"}, out)
	assert.Equal(t, 1, sender.calls)
}

func TestAlertProcessor_InvalidRecipientIsUnrecoverable(t *testing.T) {
	queues := setupTestQueues(t)
	sender := &fakeSender{}
	p := newAlertProcessor(t, sender)

	alert := alertFor("u1")
	alert.Email = ""
	h := enqueueAndGet(t, queues.alert, "alert-x", alert)

	_, err := p.Process(context.Background(), h)
	assert.True(t, queue.IsUnrecoverable(err))
	assert.Equal(t, 0, sender.calls)
}

// A failing alert is retried by its own queue and never creates upstream work.
func TestAlertFailure_NeverTriggersUpstreamStages(t *testing.T) {
	queues := setupTestQueues(t)
	sender := &fakeSender{err: errors.New("421 service not available")}
	p := newAlertProcessor(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := queues.alert.Enqueue(ctx, "alert-detect-job-1-u1", alertFor("u1"), queue.Options{})
	require.NoError(t, err)

	worker := queues.alert.NewWorker(p.Process, queue.WorkerOptions{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := queues.alert.Counts(ctx)
		return err == nil && counts.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, sender.calls, "sent once per attempt")
	for _, q := range []*queue.Queue{queues.scrape, queues.detect} {
		counts, err := q.Counts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, queue.Counts{}, *counts)
	}
}
