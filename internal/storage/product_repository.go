package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
)

// ProductRepository upserts scraped products
type ProductRepository struct {
	db *PostgresDB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *PostgresDB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Persist upserts products keyed by (seller, url) in one batch. A failing row is
// counted in Errors and does not stop the others.
func (r *ProductRepository) Persist(ctx context.Context, categoryID, sellerID string, products []models.Product) (*models.PersistResult, error) {
	result := &models.PersistResult{}
	if len(products) == 0 {
		return result, nil
	}

	query := `
		INSERT INTO products (seller_id, category_id, name, url, pricings)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (seller_id, url) DO UPDATE
		SET name = EXCLUDED.name,
			category_id = EXCLUDED.category_id,
			pricings = EXCLUDED.pricings,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	batch := &pgx.Batch{}
	queued := 0
	for _, p := range products {
		pricings, err := json.Marshal(p.Pricings)
		if err != nil {
			result.Errors++
			continue
		}
		batch.Queue(query, sellerID, categoryID, p.Name, p.URL, pricings)
		queued++
	}

	br := r.db.Pool().SendBatch(ctx, batch)
	defer func() {
		_ = br.Close() // nolint:errcheck // per-row errors already counted
	}()

	logger := logging.FromContext(ctx)
	for i := 0; i < queued; i++ {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			result.Errors++
			logger.WithError(err).Warn("Failed to persist product")
			continue
		}
		if inserted {
			result.Saved++
		} else {
			result.Updated++
		}
	}

	if result.Errors == len(products) {
		return result, fmt.Errorf("failed to persist any of %d products", len(products))
	}

	return result, nil
}
