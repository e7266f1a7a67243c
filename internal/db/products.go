package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobarin/reelsmith/internal/models"
)

// GetProduct loads the catalogue entry a job's product reference points at.
func (db *DB) GetProduct(ctx context.Context, ref string) (*models.ProductData, error) {
	query := `
		SELECT title, price, currency, description, images
		FROM products
		WHERE id = $1
	`

	var p models.ProductData
	var images []byte
	err := db.QueryRowContext(ctx, query, ref).Scan(&p.Title, &p.Price, &p.Currency, &p.Description, &images)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if err := json.Unmarshal(images, &p.Images); err != nil {
		return nil, fmt.Errorf("failed to decode product images: %w", err)
	}
	return &p, nil
}

// UpsertProduct stores a catalogue entry; used by the CLI to seed products.
func (db *DB) UpsertProduct(ctx context.Context, ref string, p *models.ProductData) error {
	images, err := json.Marshal(p.Images)
	if err != nil {
		return fmt.Errorf("failed to encode images: %w", err)
	}
	query := `
		INSERT INTO products (id, title, price, currency, description, images)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, price = EXCLUDED.price, currency = EXCLUDED.currency,
			description = EXCLUDED.description, images = EXCLUDED.images
	`
	_, err = db.ExecContext(ctx, query, ref, p.Title, p.Price, p.Currency, p.Description, images)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}
