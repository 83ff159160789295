package storage

import (
	"context"
	"fmt"

	"github.com/seed-scraper/internal/models"
)

// WatchlistRepository resolves users who hold products in their wishlist
type WatchlistRepository struct {
	db *PostgresDB
}

// NewWatchlistRepository creates a new watchlist repository
func NewWatchlistRepository(db *PostgresDB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

// WatchersFor returns the watchers of each product URL
func (r *WatchlistRepository) WatchersFor(ctx context.Context, sellerID string, productURLs []string) (map[string][]models.Watcher, error) {
	out := make(map[string][]models.Watcher)
	if len(productURLs) == 0 {
		return out, nil
	}

	query := `
		SELECT w.product_url, u.id, u.email
		FROM wishlist_items w
		JOIN users u ON u.id = w.user_id
		WHERE w.seller_id = $1 AND w.product_url = ANY($2)
		ORDER BY w.product_url, u.id
	`

	rows, err := r.db.Pool().Query(ctx, query, sellerID, productURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watchers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var url string
		var w models.Watcher
		if err := rows.Scan(&url, &w.UserID, &w.Email); err != nil {
			return nil, fmt.Errorf("failed to scan watcher: %w", err)
		}
		out[url] = append(out[url], w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchers: %w", err)
	}

	return out, nil
}
