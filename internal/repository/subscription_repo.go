package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLiteSubscriptionRepository implements SubscriptionRepository for SQLite.
type SQLiteSubscriptionRepository struct {
	db *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new SQLite subscription repository.
func NewSQLiteSubscriptionRepository(db *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{db: db}
}

const subscriptionColumns = `id, user_id, product_id, priority, target_price, notify_on_drop,
	notify_on_restock, notify_on_target, active, created_at, updated_at`

// Upsert inserts a subscription or, when the (user, product) pair already
// exists, refreshes its settings and reactivates it. Tracking a product
// again after untracking picks up where it left off.
func (r *SQLiteSubscriptionRepository) Upsert(ctx context.Context, sub *models.UserSubscription) error {
	query := `
		INSERT INTO user_subscriptions (` + subscriptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, product_id) DO UPDATE SET
			priority = excluded.priority,
			target_price = excluded.target_price,
			notify_on_drop = excluded.notify_on_drop,
			notify_on_restock = excluded.notify_on_restock,
			notify_on_target = excluded.notify_on_target,
			active = 1,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.ProductID,
		int(sub.Priority),
		nullFloatPtr(sub.TargetPrice),
		boolToInt(sub.NotifyOnDrop),
		boolToInt(sub.NotifyOnRestock),
		boolToInt(sub.NotifyOnTarget),
		sub.CreatedAt.Format(time.RFC3339),
		sub.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (r *SQLiteSubscriptionRepository) Deactivate(ctx context.Context, userID, productID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE user_subscriptions SET active = 0, updated_at = ?
		WHERE user_id = ? AND product_id = ? AND active = 1`,
		time.Now().UTC().Format(time.RFC3339), userID, productID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteSubscriptionRepository) GetByUserAndProduct(ctx context.Context, userID, productID string) (*models.UserSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions
		WHERE user_id = ? AND product_id = ?`
	return scanSubscription(r.db.QueryRowContext(ctx, query, userID, productID))
}

func (r *SQLiteSubscriptionRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.UserSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions
		WHERE user_id = ? AND active = 1 ORDER BY created_at DESC`
	return r.querySubscriptions(ctx, query, userID)
}

func (r *SQLiteSubscriptionRepository) ListActiveByProduct(ctx context.Context, productID string) ([]*models.UserSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions
		WHERE product_id = ? AND active = 1 ORDER BY created_at ASC`
	return r.querySubscriptions(ctx, query, productID)
}

func (r *SQLiteSubscriptionRepository) querySubscriptions(ctx context.Context, query string, args ...any) ([]*models.UserSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.UserSubscription
	for rows.Next() {
		sub, err := scanSubscriptionFromRows(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row *sql.Row) (*models.UserSubscription, error) {
	var s models.UserSubscription
	var priority int
	var targetPrice sql.NullFloat64
	var notifyDrop, notifyRestock, notifyTarget, active int
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.UserID, &s.ProductID, &priority, &targetPrice,
		&notifyDrop, &notifyRestock, &notifyTarget, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	s.Priority = models.Priority(priority)
	if targetPrice.Valid {
		s.TargetPrice = &targetPrice.Float64
	}
	s.NotifyOnDrop = notifyDrop != 0
	s.NotifyOnRestock = notifyRestock != 0
	s.NotifyOnTarget = notifyTarget != 0
	s.Active = active != 0
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

func scanSubscriptionFromRows(rows *sql.Rows) (*models.UserSubscription, error) {
	var s models.UserSubscription
	var priority int
	var targetPrice sql.NullFloat64
	var notifyDrop, notifyRestock, notifyTarget, active int
	var createdAt, updatedAt string

	err := rows.Scan(&s.ID, &s.UserID, &s.ProductID, &priority, &targetPrice,
		&notifyDrop, &notifyRestock, &notifyTarget, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	s.Priority = models.Priority(priority)
	if targetPrice.Valid {
		s.TargetPrice = &targetPrice.Float64
	}
	s.NotifyOnDrop = notifyDrop != 0
	s.NotifyOnRestock = notifyRestock != 0
	s.NotifyOnTarget = notifyTarget != 0
	s.Active = active != 0
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}
