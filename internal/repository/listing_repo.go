package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLiteListingRepository implements ListingRepository for SQLite.
type SQLiteListingRepository struct {
	db *sql.DB
}

// NewSQLiteListingRepository creates a new SQLite listing repository.
func NewSQLiteListingRepository(db *sql.DB) *SQLiteListingRepository {
	return &SQLiteListingRepository{db: db}
}

const listingColumns = `id, product_id, store_id, url, url_base, current_price, currency, available,
	last_checked, last_available, extractor_version_id, consecutive_failures, claimed_at, active,
	created_at, updated_at`

func (r *SQLiteListingRepository) Create(ctx context.Context, listing *models.ProductListing) error {
	query := `
		INSERT INTO product_listings (` + listingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		listing.ID,
		listing.ProductID,
		listing.StoreID,
		listing.URL,
		listing.URLBase,
		nullFloatPtr(listing.CurrentPrice),
		nullStringPtr(listing.Currency),
		boolToInt(listing.Available),
		nullTime(listing.LastChecked),
		nullTime(listing.LastAvailable),
		nullStringPtr(listing.ExtractorVersionID),
		listing.ConsecutiveFailures,
		nullTime(listing.ClaimedAt),
		boolToInt(listing.Active),
		listing.CreatedAt.Format(time.RFC3339),
		listing.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

func (r *SQLiteListingRepository) GetByID(ctx context.Context, id string) (*models.ProductListing, error) {
	query := `SELECT ` + listingColumns + ` FROM product_listings WHERE id = ?`
	return scanListing(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteListingRepository) GetByStoreAndURLBase(ctx context.Context, storeID, urlBase string) (*models.ProductListing, error) {
	query := `SELECT ` + listingColumns + ` FROM product_listings
		WHERE store_id = ? AND url_base = ? AND active = 1`
	return scanListing(r.db.QueryRowContext(ctx, query, storeID, urlBase))
}

func (r *SQLiteListingRepository) ListByProduct(ctx context.Context, productID string) ([]*models.ProductListing, error) {
	query := `SELECT ` + listingColumns + ` FROM product_listings
		WHERE product_id = ? AND active = 1 ORDER BY created_at ASC`
	return r.queryListings(ctx, query, productID)
}

func (r *SQLiteListingRepository) ListActive(ctx context.Context) ([]*models.ProductListing, error) {
	query := `SELECT ` + listingColumns + ` FROM product_listings
		WHERE active = 1 ORDER BY created_at ASC`
	return r.queryListings(ctx, query)
}

// Due selects the listings whose next check has come around. A listing
// refreshes at the interval of the highest-priority active subscription
// on its product; listings nobody subscribes to fall back to the low
// tier. Never-checked listings are always due and sort first within
// their tier (RFC3339 strings compare lexicographically, and SQLite
// sorts NULLs first on ASC).
func (r *SQLiteListingRepository) Due(ctx context.Context, now time.Time, intervals map[models.Priority]time.Duration, limit int) ([]*models.ProductListing, error) {
	cutoff := func(p models.Priority) string {
		return now.Add(-intervals[p]).UTC().Format(time.RFC3339)
	}

	query := `
		SELECT pl.id, pl.product_id, pl.store_id, pl.url, pl.url_base, pl.current_price, pl.currency,
			pl.available, pl.last_checked, pl.last_available, pl.extractor_version_id,
			pl.consecutive_failures, pl.claimed_at, pl.active, pl.created_at, pl.updated_at
		FROM product_listings pl
		JOIN stores s ON s.id = pl.store_id
		LEFT JOIN user_subscriptions us ON us.product_id = pl.product_id AND us.active = 1
		WHERE pl.active = 1 AND s.active = 1 AND pl.claimed_at IS NULL
		GROUP BY pl.id
		HAVING pl.last_checked IS NULL
			OR CASE COALESCE(MAX(us.priority), 1)
				WHEN 3 THEN pl.last_checked <= ?
				WHEN 2 THEN pl.last_checked <= ?
				ELSE pl.last_checked <= ?
			END
		ORDER BY COALESCE(MAX(us.priority), 1) DESC, pl.last_checked ASC
		LIMIT ?
	`
	return r.queryListings(ctx, query,
		cutoff(models.PriorityHigh),
		cutoff(models.PriorityNormal),
		cutoff(models.PriorityLow),
		limit,
	)
}

func (r *SQLiteListingRepository) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE product_listings SET claimed_at = ?, updated_at = ? WHERE id = ? AND claimed_at IS NULL`,
		at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim listing: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteListingRepository) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE product_listings SET claimed_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a listing. The partial unique index on
// (store_id, url_base) only covers active rows, so a later re-track
// creates a fresh listing.
func (r *SQLiteListingRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE product_listings SET active = 0, claimed_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate listing: %w", err)
	}
	return nil
}

// AdvanceChecked moves a listing to the back of the queue without counting
// a failure. Used when a check could not run for reasons that are not the
// listing's fault, like a missing pattern.
func (r *SQLiteListingRepository) AdvanceChecked(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE product_listings SET last_checked = ?, consecutive_failures = 0, claimed_at = NULL, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to advance last checked: %w", err)
	}
	return nil
}

func (r *SQLiteListingRepository) ClearStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE product_listings SET claimed_at = NULL, updated_at = ?
		WHERE claimed_at IS NOT NULL AND claimed_at < ?`,
		time.Now().UTC().Format(time.RFC3339), olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale claims: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

func (r *SQLiteListingRepository) queryListings(ctx context.Context, query string, args ...any) ([]*models.ProductListing, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []*models.ProductListing
	for rows.Next() {
		listing, err := scanListingFromRows(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	return listings, rows.Err()
}

func scanListing(row *sql.Row) (*models.ProductListing, error) {
	var l models.ProductListing
	var currentPrice sql.NullFloat64
	var currency, lastChecked, lastAvailable, extractorVersionID, claimedAt sql.NullString
	var available, active int
	var createdAt, updatedAt string

	err := row.Scan(&l.ID, &l.ProductID, &l.StoreID, &l.URL, &l.URLBase,
		&currentPrice, &currency, &available, &lastChecked, &lastAvailable,
		&extractorVersionID, &l.ConsecutiveFailures, &claimedAt, &active,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}

	applyListingNulls(&l, currentPrice, currency, lastChecked, lastAvailable, extractorVersionID, claimedAt)
	l.Available = available != 0
	l.Active = active != 0
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &l, nil
}

func scanListingFromRows(rows *sql.Rows) (*models.ProductListing, error) {
	var l models.ProductListing
	var currentPrice sql.NullFloat64
	var currency, lastChecked, lastAvailable, extractorVersionID, claimedAt sql.NullString
	var available, active int
	var createdAt, updatedAt string

	err := rows.Scan(&l.ID, &l.ProductID, &l.StoreID, &l.URL, &l.URLBase,
		&currentPrice, &currency, &available, &lastChecked, &lastAvailable,
		&extractorVersionID, &l.ConsecutiveFailures, &claimedAt, &active,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}

	applyListingNulls(&l, currentPrice, currency, lastChecked, lastAvailable, extractorVersionID, claimedAt)
	l.Available = available != 0
	l.Active = active != 0
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &l, nil
}

func applyListingNulls(l *models.ProductListing, currentPrice sql.NullFloat64, currency, lastChecked, lastAvailable, extractorVersionID, claimedAt sql.NullString) {
	if currentPrice.Valid {
		l.CurrentPrice = &currentPrice.Float64
	}
	if currency.Valid {
		l.Currency = &currency.String
	}
	l.LastChecked = parseNullTime(lastChecked)
	l.LastAvailable = parseNullTime(lastAvailable)
	if extractorVersionID.Valid {
		l.ExtractorVersionID = &extractorVersionID.String
	}
	l.ClaimedAt = parseNullTime(claimedAt)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
