package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// SQLiteCycleRepository implements CycleRepository for SQLite.
type SQLiteCycleRepository struct {
	db *sql.DB
}

// NewSQLiteCycleRepository creates a new SQLite cycle repository.
func NewSQLiteCycleRepository(db *sql.DB) *SQLiteCycleRepository {
	return &SQLiteCycleRepository{db: db}
}

func (r *SQLiteCycleRepository) ApplySuccess(ctx context.Context, cycle SuccessfulCycle) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkedAt := cycle.CheckedAt.UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `
		UPDATE product_listings SET
			current_price = ?,
			currency = ?,
			available = ?,
			last_checked = ?,
			last_available = CASE WHEN ? THEN ? ELSE last_available END,
			extractor_version_id = ?,
			consecutive_failures = 0,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ?
	`,
		cycle.Price,
		nullStringPtr(cycle.Currency),
		boolToInt(cycle.Available),
		checkedAt,
		boolToInt(cycle.Available), checkedAt,
		nullString(cycle.VersionID),
		checkedAt,
		cycle.ListingID,
	); err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO price_history (id, listing_id, price, currency, available, recorded_at, extraction_method, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ulid.Make().String(),
		cycle.ListingID,
		cycle.Price,
		nullStringPtr(cycle.Currency),
		boolToInt(cycle.Available),
		checkedAt,
		cycle.Method,
		cycle.Confidence,
	); err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}

	if err := recordAttemptTx(ctx, tx, cycle.Domain, true, checkedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteCycleRepository) ApplyFailure(ctx context.Context, cycle FailedCycle) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkedAt := cycle.CheckedAt.UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `
		UPDATE product_listings SET
			consecutive_failures = consecutive_failures + 1,
			claimed_at = NULL,
			last_checked = CASE WHEN ? THEN ? ELSE last_checked END,
			updated_at = ?
		WHERE id = ?
	`,
		boolToInt(cycle.AdvanceLastChecked), checkedAt,
		checkedAt,
		cycle.ListingID,
	); err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}

	if cycle.CountAttempt {
		if err := recordAttemptTx(ctx, tx, cycle.Domain, false, checkedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// recordAttemptTx bumps the attempt counters on the mutable pattern row
// and the active version. The arithmetic runs inside the statements so
// concurrent workers never lose an increment.
func recordAttemptTx(ctx context.Context, ex execContext, domain string, success bool, nowStr string) error {
	inc := 0
	if success {
		inc = 1
	}

	if _, err := ex.ExecContext(ctx, `
		UPDATE patterns SET
			total_attempts = total_attempts + 1,
			successful_attempts = successful_attempts + ?,
			success_rate = CAST(successful_attempts + ? AS REAL) / (total_attempts + 1),
			last_validated = CASE WHEN ? THEN ? ELSE last_validated END,
			updated_at = ?
		WHERE domain = ?
	`, inc, inc, inc, nowStr, nowStr, domain); err != nil {
		return fmt.Errorf("failed to record pattern attempt: %w", err)
	}

	if _, err := ex.ExecContext(ctx, `
		UPDATE pattern_versions SET
			total_attempts = total_attempts + 1,
			successful_attempts = successful_attempts + ?,
			success_rate = CAST(successful_attempts + ? AS REAL) / (total_attempts + 1)
		WHERE domain = ? AND is_active = 1
	`, inc, inc, domain); err != nil {
		return fmt.Errorf("failed to record version attempt: %w", err)
	}

	return nil
}
