package repository

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/models"
)

func TestSubscriptionUpsert_ReactivatesAndUpdates(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	productID := insertTestProduct(t, db, "Widget")
	now := time.Now().UTC()

	target := 25.0
	sub := &models.UserSubscription{
		ID:           ulid.Make().String(),
		UserID:       "user-1",
		ProductID:    productID,
		Priority:     models.PriorityNormal,
		TargetPrice:  &target,
		NotifyOnDrop: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repos.Subscription.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	removed, err := repos.Subscription.Deactivate(ctx, "user-1", productID)
	if err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if !removed {
		t.Error("Deactivate() = false, want true for an active subscription")
	}

	// Tracking the same product again revives the row with the new settings.
	newTarget := 19.99
	again := &models.UserSubscription{
		ID:              ulid.Make().String(),
		UserID:          "user-1",
		ProductID:       productID,
		Priority:        models.PriorityHigh,
		TargetPrice:     &newTarget,
		NotifyOnTarget:  true,
		NotifyOnRestock: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repos.Subscription.Upsert(ctx, again); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := repos.Subscription.GetByUserAndProduct(ctx, "user-1", productID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected subscription after re-upsert")
	}
	if got.ID != sub.ID {
		t.Errorf("re-upsert should reuse row %s, got %s", sub.ID, got.ID)
	}
	if !got.Active {
		t.Error("re-upserted subscription must be active")
	}
	if got.Priority != models.PriorityHigh {
		t.Errorf("Priority = %v, want high", got.Priority)
	}
	if got.TargetPrice == nil || *got.TargetPrice != 19.99 {
		t.Errorf("TargetPrice = %v, want 19.99", got.TargetPrice)
	}
	if got.NotifyOnDrop || !got.NotifyOnTarget || !got.NotifyOnRestock {
		t.Errorf("notify flags = drop=%v restock=%v target=%v, want false/true/true",
			got.NotifyOnDrop, got.NotifyOnRestock, got.NotifyOnTarget)
	}
}

func TestDeactivate_NothingActive(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	productID := insertTestProduct(t, db, "Widget")

	removed, err := repos.Subscription.Deactivate(ctx, "user-1", productID)
	if err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if removed {
		t.Error("Deactivate() = true with nothing to remove")
	}
}

func TestListActiveSubscriptions(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	widget := insertTestProduct(t, db, "Widget")
	gadget := insertTestProduct(t, db, "Gadget")

	insertTestSubscription(t, db, "user-1", widget, models.PriorityNormal)
	insertTestSubscription(t, db, "user-1", gadget, models.PriorityLow)
	insertTestSubscription(t, db, "user-2", widget, models.PriorityHigh)
	dropped := insertTestSubscription(t, db, "user-3", widget, models.PriorityNormal)
	if _, err := db.Exec(`UPDATE user_subscriptions SET active = 0 WHERE id = ?`, dropped); err != nil {
		t.Fatal(err)
	}

	byUser, err := repos.Subscription.ListActiveByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListActiveByUser() error = %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("user-1 has %d active subscriptions, want 2", len(byUser))
	}

	byProduct, err := repos.Subscription.ListActiveByProduct(ctx, widget)
	if err != nil {
		t.Fatalf("ListActiveByProduct() error = %v", err)
	}
	if len(byProduct) != 2 {
		t.Errorf("widget has %d active subscribers, want 2", len(byProduct))
	}
	for _, s := range byProduct {
		if s.UserID == "user-3" {
			t.Error("inactive subscription leaked into the active list")
		}
	}
}

func TestRecomputeSubscriberCount(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	productID := insertTestProduct(t, db, "Widget")
	insertTestSubscription(t, db, "user-1", productID, models.PriorityNormal)
	insertTestSubscription(t, db, "user-2", productID, models.PriorityNormal)
	dropped := insertTestSubscription(t, db, "user-3", productID, models.PriorityNormal)
	if _, err := db.Exec(`UPDATE user_subscriptions SET active = 0 WHERE id = ?`, dropped); err != nil {
		t.Fatal(err)
	}

	count, err := repos.Product.RecomputeSubscriberCount(ctx, productID)
	if err != nil {
		t.Fatalf("RecomputeSubscriberCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	product, err := repos.Product.GetByID(ctx, productID)
	if err != nil {
		t.Fatal(err)
	}
	if product.SubscriberCount != 2 {
		t.Errorf("stored SubscriberCount = %d, want 2", product.SubscriberCount)
	}
}
