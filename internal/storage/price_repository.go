package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seed-scraper/internal/models"
)

// PriceRepository stores the last known price per product pack size
type PriceRepository struct {
	db *PostgresDB
}

// NewPriceRepository creates a new price snapshot repository
func NewPriceRepository(db *PostgresDB) *PriceRepository {
	return &PriceRepository{db: db}
}

// LastKnown returns the seller's last known prices in cents keyed by models.PriceKey
func (r *PriceRepository) LastKnown(ctx context.Context, sellerID string) (map[string]int64, error) {
	query := `
		SELECT product_url, pack_size, price_cents
		FROM price_snapshots
		WHERE seller_id = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load price snapshots: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]int64)
	for rows.Next() {
		var url, packSize string
		var cents int64
		if err := rows.Scan(&url, &packSize, &cents); err != nil {
			return nil, fmt.Errorf("failed to scan price snapshot: %w", err)
		}
		prices[models.PriceKey(url, packSize)] = cents
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price snapshots: %w", err)
	}

	return prices, nil
}

// Record replaces the snapshots of every scraped pack size with the new prices
func (r *PriceRepository) Record(ctx context.Context, sellerID string, products []models.Product, at time.Time) error {
	query := `
		INSERT INTO price_snapshots (seller_id, product_url, pack_size, product_name, price_cents, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seller_id, product_url, pack_size) DO UPDATE
		SET product_name = EXCLUDED.product_name,
			price_cents = EXCLUDED.price_cents,
			observed_at = EXCLUDED.observed_at
	`

	batch := &pgx.Batch{}
	for _, p := range products {
		for _, pr := range p.Pricings {
			batch.Queue(query, sellerID, p.URL, pr.PackSize, p.Name, pr.Cents(), at)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	br := r.db.Pool().SendBatch(ctx, batch)
	defer func() {
		_ = br.Close() // nolint:errcheck // first error already returned
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to record price snapshot: %w", err)
		}
	}

	return nil
}
