package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLiteNotificationRepository implements NotificationRepository for SQLite.
type SQLiteNotificationRepository struct {
	db *sql.DB
}

// NewSQLiteNotificationRepository creates a new SQLite notification repository.
func NewSQLiteNotificationRepository(db *sql.DB) *SQLiteNotificationRepository {
	return &SQLiteNotificationRepository{db: db}
}

const notificationColumns = `id, user_id, product_id, type, old_price, new_price, message, read, created_at`

func (r *SQLiteNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.ProductID,
		string(n.Type),
		nullFloatPtr(n.OldPrice),
		nullFloatPtr(n.NewPrice),
		n.Message,
		boolToInt(n.Read),
		n.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *SQLiteNotificationRepository) ExistsRecent(ctx context.Context, userID, productID string, typ models.NotificationType, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM notifications
			WHERE user_id = ? AND product_id = ? AND type = ? AND created_at >= ?
		)
	`
	var exists int
	err := r.db.QueryRowContext(ctx, query,
		userID, productID, string(typ), since.UTC().Format(time.RFC3339),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent notifications: %w", err)
	}
	return exists != 0, nil
}

func (r *SQLiteNotificationRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		var typ string
		var oldPrice, newPrice sql.NullFloat64
		var read int
		var createdAt string

		if err := rows.Scan(&n.ID, &n.UserID, &n.ProductID, &typ, &oldPrice, &newPrice,
			&n.Message, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		n.Type = models.NotificationType(typ)
		if oldPrice.Valid {
			n.OldPrice = &oldPrice.Float64
		}
		if newPrice.Valid {
			n.NewPrice = &newPrice.Float64
		}
		n.Read = read != 0
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}
