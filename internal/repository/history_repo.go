package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLitePriceHistoryRepository implements PriceHistoryRepository for SQLite.
type SQLitePriceHistoryRepository struct {
	db *sql.DB
}

// NewSQLitePriceHistoryRepository creates a new SQLite price history repository.
func NewSQLitePriceHistoryRepository(db *sql.DB) *SQLitePriceHistoryRepository {
	return &SQLitePriceHistoryRepository{db: db}
}

const historyColumns = `id, listing_id, price, currency, available, recorded_at, extraction_method, confidence`

func (r *SQLitePriceHistoryRepository) Create(ctx context.Context, entry *models.PriceHistory) error {
	query := `
		INSERT INTO price_history (` + historyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ListingID,
		entry.Price,
		nullStringPtr(entry.Currency),
		boolToInt(entry.Available),
		entry.RecordedAt.UTC().Format(time.RFC3339),
		entry.ExtractionMethod,
		entry.Confidence,
	)
	if err != nil {
		return fmt.Errorf("failed to create price history entry: %w", err)
	}
	return nil
}

func (r *SQLitePriceHistoryRepository) LatestForListing(ctx context.Context, listingID string) (*models.PriceHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM price_history
		WHERE listing_id = ? ORDER BY recorded_at DESC LIMIT 1`
	return scanHistory(r.db.QueryRowContext(ctx, query, listingID))
}

func (r *SQLitePriceHistoryRepository) ListForListing(ctx context.Context, listingID string, limit int) ([]*models.PriceHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM price_history
		WHERE listing_id = ? ORDER BY recorded_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var entries []*models.PriceHistory
	for rows.Next() {
		entry, err := scanHistoryFromRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteOlderThan prunes aged rows. The newest row per listing survives
// regardless of age so current_price always has a history anchor; ULIDs
// sort by creation time, so MAX(id) picks the newest row.
func (r *SQLitePriceHistoryRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM price_history
		WHERE recorded_at < ?
		AND id NOT IN (SELECT MAX(id) FROM price_history GROUP BY listing_id)
	`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to prune price history: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

func scanHistory(row *sql.Row) (*models.PriceHistory, error) {
	var h models.PriceHistory
	var currency sql.NullString
	var available int
	var recordedAt string

	err := row.Scan(&h.ID, &h.ListingID, &h.Price, &currency, &available,
		&recordedAt, &h.ExtractionMethod, &h.Confidence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan price history entry: %w", err)
	}

	if currency.Valid {
		h.Currency = &currency.String
	}
	h.Available = available != 0
	h.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
	return &h, nil
}

func scanHistoryFromRows(rows *sql.Rows) (*models.PriceHistory, error) {
	var h models.PriceHistory
	var currency sql.NullString
	var available int
	var recordedAt string

	err := rows.Scan(&h.ID, &h.ListingID, &h.Price, &currency, &available,
		&recordedAt, &h.ExtractionMethod, &h.Confidence)
	if err != nil {
		return nil, fmt.Errorf("failed to scan price history entry: %w", err)
	}

	if currency.Valid {
		h.Currency = &currency.String
	}
	h.Available = available != 0
	h.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
	return &h, nil
}
