package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seed-scraper/internal/models"
)

// SellerRepository reads sellers and their scrape sources
type SellerRepository struct {
	db *PostgresDB
}

// NewSellerRepository creates a new seller repository
func NewSellerRepository(db *PostgresDB) *SellerRepository {
	return &SellerRepository{db: db}
}

// Get retrieves a seller with its scrape sources
func (r *SellerRepository) Get(ctx context.Context, sellerID string) (*models.Seller, error) {
	query := `
		SELECT id, name, is_active, auto_scrape_interval_hours, category_id, last_scraped
		FROM sellers
		WHERE id = $1
	`

	seller, err := scanSeller(r.db.Pool().QueryRow(ctx, query, sellerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("seller %s: %w", sellerID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get seller: %w", err)
	}

	sources, err := r.sources(ctx, []string{sellerID})
	if err != nil {
		return nil, err
	}
	seller.Sources = sources[sellerID]

	return seller, nil
}

// List returns every seller with its scrape sources
func (r *SellerRepository) List(ctx context.Context) ([]*models.Seller, error) {
	query := `
		SELECT id, name, is_active, auto_scrape_interval_hours, category_id, last_scraped
		FROM sellers
		ORDER BY name ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers: %w", err)
	}
	defer rows.Close()

	var sellers []*models.Seller
	var ids []string
	for rows.Next() {
		seller, err := scanSeller(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan seller: %w", err)
		}
		sellers = append(sellers, seller)
		ids = append(ids, seller.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sellers: %w", err)
	}

	if len(ids) == 0 {
		return sellers, nil
	}

	sources, err := r.sources(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range sellers {
		s.Sources = sources[s.ID]
	}

	return sellers, nil
}

// UpdateLastScraped records when a scrape was last scheduled for the seller
func (r *SellerRepository) UpdateLastScraped(ctx context.Context, sellerID string, at time.Time) error {
	query := `UPDATE sellers SET last_scraped = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, sellerID, at)
	if err != nil {
		return fmt.Errorf("failed to update seller last scraped: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("seller %s: %w", sellerID, ErrNotFound)
	}
	return nil
}

func (r *SellerRepository) sources(ctx context.Context, sellerIDs []string) (map[string][]models.ScrapeSource, error) {
	query := `
		SELECT seller_id, id, source, url, selectors
		FROM seller_scrape_sources
		WHERE seller_id = ANY($1)
		ORDER BY seller_id, position, created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, sellerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list scrape sources: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.ScrapeSource)
	for rows.Next() {
		var sellerID string
		var src models.ScrapeSource
		var selectors []byte
		if err := rows.Scan(&sellerID, &src.ID, &src.Source, &src.URL, &selectors); err != nil {
			return nil, fmt.Errorf("failed to scan scrape source: %w", err)
		}
		if len(selectors) > 0 {
			if err := json.Unmarshal(selectors, &src.Selectors); err != nil {
				return nil, fmt.Errorf("failed to decode selectors of source %s: %w", src.ID, err)
			}
		}
		out[sellerID] = append(out[sellerID], src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scrape sources: %w", err)
	}

	return out, nil
}

func scanSeller(row pgx.Row) (*models.Seller, error) {
	var s models.Seller
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.IsActive,
		&s.AutoScrapeIntervalHours,
		&s.CategoryID,
		&s.LastScraped,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
