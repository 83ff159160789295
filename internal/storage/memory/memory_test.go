package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStore_OneOpenJobPerSeller(t *testing.T) {
	s := NewJobStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &models.ScrapeJob{JobID: "j1", SellerID: "s1", Status: types.StatusCreated}))
	err := s.Create(ctx, &models.ScrapeJob{JobID: "j2", SellerID: "s1", Status: types.StatusCreated})
	assert.True(t, errors.Is(err, storage.ErrDuplicateOpenJob))

	assert.NoError(t, s.Create(ctx, &models.ScrapeJob{JobID: "j3", SellerID: "s2", Status: types.StatusCreated}))
}

func TestJobStore_ConditionalTransitions(t *testing.T) {
	s := NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &models.ScrapeJob{JobID: "j1", SellerID: "s1", Status: types.StatusCreated}))

	ok, err := s.ApplyTransition(ctx, "j1", types.SourcesFor(types.StatusFailed), models.JobTransition{Status: types.StatusFailed})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplyTransition(ctx, "j1", types.SourcesFor(types.StatusActive), models.JobTransition{Status: types.StatusActive})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ApplyTransition(ctx, "missing", types.SourcesFor(types.StatusActive), models.JobTransition{Status: types.StatusActive})
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := s.GetByJobID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
}

func TestJobStore_RetryKeepsStartTimeAndCompletionCopiesErrors(t *testing.T) {
	s := NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &models.ScrapeJob{JobID: "j1", SellerID: "s1", Status: types.StatusCreated}))

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	retried := first.Add(time.Minute)
	steps := []models.JobTransition{
		{Status: types.StatusActive, StartedAt: &first},
		{Status: types.StatusDelayed},
		{Status: types.StatusActive, StartedAt: &retried},
	}
	for _, step := range steps {
		ok, err := s.ApplyTransition(ctx, "j1", types.SourcesFor(step.Status), step)
		require.NoError(t, err)
		require.True(t, ok)
	}

	errs := 3
	ok, err := s.ApplyTransition(ctx, "j1", types.SourcesFor(types.StatusCompleted), models.JobTransition{Status: types.StatusCompleted, Errors: &errs})
	require.NoError(t, err)
	require.True(t, ok)

	job, err := s.GetByJobID(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	assert.True(t, first.Equal(*job.StartedAt))
	assert.Equal(t, 3, job.Errors)
}

func TestJobStore_ProgressOnlyIncreases(t *testing.T) {
	s := NewJobStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &models.ScrapeJob{JobID: "j1", SellerID: "s1", Status: types.StatusActive}))

	_, err := s.UpdateProgress(ctx, "j1", models.JobProgress{CurrentPage: 4, ProductsScraped: 20})
	require.NoError(t, err)
	_, err = s.UpdateProgress(ctx, "j1", models.JobProgress{CurrentPage: 2, ProductsScraped: 30})
	require.NoError(t, err)

	job, err := s.GetByJobID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 4, job.CurrentPage)
	assert.Equal(t, 30, job.ProductsScraped)
}

func TestJobStore_ListAndRetention(t *testing.T) {
	s := NewJobStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, s.Create(ctx, &models.ScrapeJob{
			JobID:     id,
			SellerID:  id,
			Status:    types.StatusCreated,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	jobs, total, err := s.List(ctx, models.JobFilter{}, models.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j3", jobs[0].JobID, "newest first")

	done := base.Add(time.Hour)
	_, err = s.ApplyTransition(ctx, "j1", types.SourcesFor(types.StatusCompleted), models.JobTransition{
		Status:      types.StatusCompleted,
		CompletedAt: &done,
	})
	require.NoError(t, err)

	n, err := s.DeleteTerminalBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	open, err := s.CountOpenSellers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, open)
}

func TestCatalogStore(t *testing.T) {
	c := NewCatalogStore()
	ctx := context.Background()
	products := []models.Product{{Name: "Tomato", URL: "/tomato", Pricings: []models.Pricing{{PackSize: "10", TotalPrice: 8}}}}

	res, err := c.Persist(ctx, "seeds", "s1", products)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)

	res, err = c.Persist(ctx, "seeds", "s1", products)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	require.NoError(t, c.Record(ctx, "s1", products, time.Now()))
	prices, err := c.LastKnown(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), prices[models.PriceKey("/tomato", "10")])

	c.Watch("s1", "/tomato", models.Watcher{UserID: "u1", Email: "u1@example.com"})
	watchers, err := c.WatchersFor(ctx, "s1", []string{"/tomato", "/basil"})
	require.NoError(t, err)
	assert.Len(t, watchers["/tomato"], 1)
	assert.NotContains(t, watchers, "/basil")
}
