package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/retry"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	return &config.PostgresConfig{
		Host:           get("TEST_POSTGRES_HOST", "localhost"),
		Port:           get("TEST_POSTGRES_PORT", "5432"),
		Database:       get("TEST_POSTGRES_DB", "seed_market_test"),
		User:           get("TEST_POSTGRES_USER", "seed"),
		Password:       get("TEST_POSTGRES_PASSWORD", "seed_dev_password"),
		MaxConnections: 5,
	}
}

// openTestDB connects to the test database, applies migrations and empties
// the tables. The test is skipped when Postgres is not reachable.
func openTestDB(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg, retry.Policy{MaxAttempts: 1})
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE wishlist_items, users, price_snapshots, products, scrape_jobs, seller_scrape_sources, sellers
	`)
	if err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}

	return db
}

func insertTestSeller(t *testing.T, db *PostgresDB, id string, active bool, sources ...string) {
	t.Helper()
	ctx := testContext(t)

	_, err := db.Pool().Exec(ctx,
		`INSERT INTO sellers (id, name, is_active, category_id) VALUES ($1, $2, $3, 'seeds')`,
		id, "Seller "+id, active)
	if err != nil {
		t.Fatalf("failed to insert seller: %v", err)
	}

	for i, src := range sources {
		_, err := db.Pool().Exec(ctx,
			`INSERT INTO seller_scrape_sources (id, seller_id, source, url, position) VALUES ($1, $2, $3, $4, $5)`,
			id+"-"+src, id, src, "https://"+src+".example/shop", i)
		if err != nil {
			t.Fatalf("failed to insert scrape source: %v", err)
		}
	}
}
