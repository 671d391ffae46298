package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLiteStoreRepository implements StoreRepository for SQLite.
type SQLiteStoreRepository struct {
	db *sql.DB
}

// NewSQLiteStoreRepository creates a new SQLite store repository.
func NewSQLiteStoreRepository(db *sql.DB) *SQLiteStoreRepository {
	return &SQLiteStoreRepository{db: db}
}

func (r *SQLiteStoreRepository) Create(ctx context.Context, store *models.Store) error {
	query := `
		INSERT INTO stores (id, domain, active, rate_limit_seconds, currency_hint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		store.ID,
		store.Domain,
		boolToInt(store.Active),
		nullFloatPtr(store.RateLimitSeconds),
		nullStringPtr(store.CurrencyHint),
		store.CreatedAt.Format(time.RFC3339),
		store.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	return nil
}

func (r *SQLiteStoreRepository) GetByID(ctx context.Context, id string) (*models.Store, error) {
	query := `
		SELECT id, domain, active, rate_limit_seconds, currency_hint, created_at, updated_at
		FROM stores WHERE id = ?
	`
	return r.scanStore(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteStoreRepository) GetByDomain(ctx context.Context, domain string) (*models.Store, error) {
	query := `
		SELECT id, domain, active, rate_limit_seconds, currency_hint, created_at, updated_at
		FROM stores WHERE domain = ?
	`
	return r.scanStore(r.db.QueryRowContext(ctx, query, domain))
}

func (r *SQLiteStoreRepository) GetOrCreateByDomain(ctx context.Context, domain string) (*models.Store, error) {
	store, err := r.GetByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	if store != nil {
		return store, nil
	}

	now := time.Now().UTC()
	store = &models.Store{
		ID:        ulid.Make().String(),
		Domain:    domain,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Create(ctx, store); err != nil {
		// Lost a race with a concurrent insert on the unique domain.
		existing, getErr := r.GetByDomain(ctx, domain)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return store, nil
}

func (r *SQLiteStoreRepository) List(ctx context.Context) ([]*models.Store, error) {
	query := `
		SELECT id, domain, active, rate_limit_seconds, currency_hint, created_at, updated_at
		FROM stores ORDER BY domain ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stores: %w", err)
	}
	defer rows.Close()

	var stores []*models.Store
	for rows.Next() {
		store, err := r.scanStoreFromRows(rows)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	return stores, rows.Err()
}

func (r *SQLiteStoreRepository) Update(ctx context.Context, store *models.Store) error {
	query := `
		UPDATE stores SET active = ?, rate_limit_seconds = ?, currency_hint = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		boolToInt(store.Active),
		nullFloatPtr(store.RateLimitSeconds),
		nullStringPtr(store.CurrencyHint),
		time.Now().UTC().Format(time.RFC3339),
		store.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update store: %w", err)
	}
	return nil
}

func (r *SQLiteStoreRepository) scanStore(row *sql.Row) (*models.Store, error) {
	var store models.Store
	var active int
	var rateLimit sql.NullFloat64
	var currencyHint sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&store.ID, &store.Domain, &active, &rateLimit, &currencyHint, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	store.Active = active != 0
	if rateLimit.Valid {
		store.RateLimitSeconds = &rateLimit.Float64
	}
	if currencyHint.Valid {
		store.CurrencyHint = &currencyHint.String
	}
	store.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	store.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &store, nil
}

func (r *SQLiteStoreRepository) scanStoreFromRows(rows *sql.Rows) (*models.Store, error) {
	var store models.Store
	var active int
	var rateLimit sql.NullFloat64
	var currencyHint sql.NullString
	var createdAt, updatedAt string

	err := rows.Scan(&store.ID, &store.Domain, &active, &rateLimit, &currencyHint, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan store: %w", err)
	}

	store.Active = active != 0
	if rateLimit.Valid {
		store.RateLimitSeconds = &rateLimit.Float64
	}
	if currencyHint.Valid {
		store.CurrencyHint = &currencyHint.String
	}
	store.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	store.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &store, nil
}
