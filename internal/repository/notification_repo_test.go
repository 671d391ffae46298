package repository

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/models"
)

func insertNotification(t *testing.T, repos *Repositories, userID, productID string, typ models.NotificationType, at time.Time) {
	t.Helper()
	old, newP := 49.99, 39.99
	n := &models.Notification{
		ID:        ulid.Make().String(),
		UserID:    userID,
		ProductID: productID,
		Type:      typ,
		OldPrice:  &old,
		NewPrice:  &newP,
		Message:   "Price dropped",
		CreatedAt: at,
	}
	if err := repos.Notification.Create(context.Background(), n); err != nil {
		t.Fatalf("failed to create notification: %v", err)
	}
}

func TestExistsRecent_DedupWindow(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	productID := insertTestProduct(t, db, "Widget")
	now := time.Now().UTC()

	insertNotification(t, repos, "user-1", productID, models.NotificationPriceDrop, now.Add(-2*time.Hour))

	tests := []struct {
		name      string
		userID    string
		productID string
		typ       models.NotificationType
		since     time.Time
		want      bool
	}{
		{"within window", "user-1", productID, models.NotificationPriceDrop, now.Add(-24 * time.Hour), true},
		{"different type", "user-1", productID, models.NotificationRestock, now.Add(-24 * time.Hour), false},
		{"different user", "user-2", productID, models.NotificationPriceDrop, now.Add(-24 * time.Hour), false},
		{"window already passed", "user-1", productID, models.NotificationPriceDrop, now.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repos.Notification.ExistsRecent(ctx, tt.userID, tt.productID, tt.typ, tt.since)
			if err != nil {
				t.Fatalf("ExistsRecent() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ExistsRecent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListByUser_Pagination(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	productID := insertTestProduct(t, db, "Widget")
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		insertNotification(t, repos, "user-1", productID, models.NotificationPriceDrop, now.Add(time.Duration(-i)*time.Hour))
	}
	insertNotification(t, repos, "user-2", productID, models.NotificationRestock, now)

	page, err := repos.Notification.ListByUser(ctx, "user-1", 3, 0)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("first page has %d rows, want 3", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("notifications should be newest first")
	}

	rest, err := repos.Notification.ListByUser(ctx, "user-1", 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Errorf("second page has %d rows, want 2", len(rest))
	}
}
