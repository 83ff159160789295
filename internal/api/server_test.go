package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/scheduler"
	"github.com/seed-scraper/internal/scraper"
	"github.com/seed-scraper/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv wires the real scheduler onto miniredis and in-memory stores
type testEnv struct {
	server  *Server
	jobs    *memory.JobStore
	sellers *memory.SellerStore
	queue   *queue.Queue
}

func testSellers() []*models.Seller {
	return []*models.Seller{
		{ID: "A", Name: "Alpha Seeds", IsActive: true, Sources: []models.ScrapeSource{{ID: "a1", Source: scraper.SourceSelector, URL: "https://alpha.example/seeds"}}},
		{ID: "B", Name: "Beta Seeds", IsActive: false, Sources: []models.ScrapeSource{{ID: "b1", Source: scraper.SourceSelector, URL: "https://beta.example/seeds"}}},
		{ID: "C", Name: "Gamma Seeds", IsActive: true, Sources: []models.ScrapeSource{{ID: "c1", Source: "vendor-x", URL: "https://gamma.example"}}},
	}
}

func createTestEnv(t *testing.T, cfg *ServerConfig) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		jobs:    memory.NewJobStore(),
		sellers: memory.NewSellerStore(testSellers()...),
		queue: queue.New(client, "scrape", queue.Config{
			Prefix: "test",
			Logger: logging.Discard(),
		}),
	}

	registry := scraper.NewRegistry()
	registry.Register(scraper.SourceSelector, scraper.NewSelectorScraper(nil))

	orch := scheduler.NewOrchestrator(env.jobs, env.sellers, env.queue, registry, logging.Discard())
	if cfg == nil {
		cfg = &ServerConfig{Host: "localhost", Port: "0"}
	}
	env.server = NewServer(cfg, Deps{
		Scheduler: orch,
		Bulk:      scheduler.NewBulk(orch, logging.Discard()),
		Canceller: scheduler.NewCanceller(env.jobs, env.queue, logging.Discard()),
		Jobs:      env.jobs,
		Queues:    []*queue.Queue{env.queue},
		Logger:    logging.Discard(),
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestEnv(t, nil)

	w := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "seed-scraper", body["service"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHealthEndpoint_FailingCheck(t *testing.T) {
	server := NewServer(&ServerConfig{}, Deps{
		Logger: logging.Discard(),
		Checks: map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
		},
	})

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &body)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestCORSHeaders(t *testing.T) {
	env := createTestEnv(t, nil)

	w := env.do(t, "OPTIONS", "/api/jobs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	// preflight for a POST-only route
	w = env.do(t, "OPTIONS", "/api/jobs/job-1/cancel", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = env.do(t, "GET", "/health", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitMiddleware(t *testing.T) {
	env := createTestEnv(t, &ServerConfig{RateLimitRPS: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, "GET", "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	now = now.Add(idleLimiterTTL + time.Minute)
	assert.True(t, rl.Allow("10.0.0.2"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "10.0.0.1")
	assert.Contains(t, rl.limiters, "10.0.0.2")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body ErrorResponse
	decode(t, w, &body)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}

// refusingCanceller reports every job as executing
type refusingCanceller struct{}

func (refusingCanceller) Cancel(ctx context.Context, jobID, sellerID, reason string) (*scheduler.CancelResult, error) {
	return &scheduler.CancelResult{
		JobID:     jobID,
		SellerID:  "A",
		Reason:    reason,
		ElapsedMs: 4200,
		Message:   "job is executing and cannot be stopped; wait for it to finish",
	}, nil
}

func TestCancelJob_ExecutingIsConflict(t *testing.T) {
	server := NewServer(&ServerConfig{}, Deps{Canceller: refusingCanceller{}, Logger: logging.Discard()})

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/jobs/job-1/cancel", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	var body scheduler.CancelResult
	decode(t, w, &body)
	assert.False(t, body.Cancelled)
	assert.False(t, body.CanStop)
	assert.Equal(t, int64(4200), body.ElapsedMs)
	assert.NotEmpty(t, body.Message)
}
