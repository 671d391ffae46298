package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLiteProductRepository implements ProductRepository for SQLite.
type SQLiteProductRepository struct {
	db *sql.DB
}

// NewSQLiteProductRepository creates a new SQLite product repository.
func NewSQLiteProductRepository(db *sql.DB) *SQLiteProductRepository {
	return &SQLiteProductRepository{db: db}
}

const productColumns = `id, canonical_name, brand, ean, upc, isbn, image_url, subscriber_count,
	created_at, updated_at`

func (r *SQLiteProductRepository) Create(ctx context.Context, product *models.Product) error {
	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		product.ID,
		product.CanonicalName,
		nullStringPtr(product.Brand),
		nullStringPtr(product.EAN),
		nullStringPtr(product.UPC),
		nullStringPtr(product.ISBN),
		nullStringPtr(product.ImageURL),
		product.SubscriberCount,
		product.CreatedAt.Format(time.RFC3339),
		product.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

func (r *SQLiteProductRepository) GetByID(ctx context.Context, id string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`

	var p models.Product
	var brand, ean, upc, isbn, imageURL sql.NullString
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.CanonicalName, &brand, &ean, &upc, &isbn, &imageURL,
		&p.SubscriberCount, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}

	if brand.Valid {
		p.Brand = &brand.String
	}
	if ean.Valid {
		p.EAN = &ean.String
	}
	if upc.Valid {
		p.UPC = &upc.String
	}
	if isbn.Valid {
		p.ISBN = &isbn.String
	}
	if imageURL.Valid {
		p.ImageURL = &imageURL.String
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func (r *SQLiteProductRepository) Update(ctx context.Context, product *models.Product) error {
	query := `
		UPDATE products SET canonical_name = ?, brand = ?, ean = ?, upc = ?, isbn = ?,
			image_url = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		product.CanonicalName,
		nullStringPtr(product.Brand),
		nullStringPtr(product.EAN),
		nullStringPtr(product.UPC),
		nullStringPtr(product.ISBN),
		nullStringPtr(product.ImageURL),
		time.Now().UTC().Format(time.RFC3339),
		product.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return nil
}

func (r *SQLiteProductRepository) UpdateImageURL(ctx context.Context, id, imageURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET image_url = ?, updated_at = ? WHERE id = ?`,
		imageURL, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update product image: %w", err)
	}
	return nil
}

func (r *SQLiteProductRepository) RecomputeSubscriberCount(ctx context.Context, productID string) (int, error) {
	query := `
		UPDATE products SET
			subscriber_count = (SELECT COUNT(*) FROM user_subscriptions WHERE product_id = ? AND active = 1),
			updated_at = ?
		WHERE id = ?
		RETURNING subscriber_count
	`
	var count int
	err := r.db.QueryRowContext(ctx, query,
		productID, time.Now().UTC().Format(time.RFC3339), productID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to recompute subscriber count: %w", err)
	}
	return count, nil
}
