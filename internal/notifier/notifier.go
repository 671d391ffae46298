// Package notifier turns listing state changes into user notifications.
// Each subscriber's preference flags gate the three trigger types, and a
// per-type dedup window keeps repeat events from spamming anyone.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/repository"
)

// dedupWindow is the minimum gap between notifications of the same type
// for the same (user, product).
const dedupWindow = 24 * time.Hour

// Evaluator produces notifications from before/after listing snapshots.
type Evaluator struct {
	subscriptions repository.SubscriptionRepository
	notifications repository.NotificationRepository
	logger        *slog.Logger
}

// NewEvaluator creates a notification evaluator.
func NewEvaluator(subscriptions repository.SubscriptionRepository, notifications repository.NotificationRepository, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		subscriptions: subscriptions,
		notifications: notifications,
		logger:        logger.With("component", "notifier"),
	}
}

// Evaluate compares a listing before and after a successful check and
// creates notifications for every active subscriber whose preferences
// match. Returns the number created. Failures on individual notifications
// are logged and skipped; the price write they follow is already durable.
func (e *Evaluator) Evaluate(ctx context.Context, prior, curr *models.ProductListing, product *models.Product) (int, error) {
	subs, err := e.subscriptions.ListActiveByProduct(ctx, product.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	created := 0
	for _, sub := range subs {
		if sub.NotifyOnDrop && priceDropped(prior, curr) {
			if e.emit(ctx, sub, product, models.NotificationPriceDrop,
				prior.CurrentPrice, curr.CurrentPrice,
				fmt.Sprintf("%s dropped from %s to %s",
					product.CanonicalName,
					formatPrice(*prior.CurrentPrice, curr.Currency),
					formatPrice(*curr.CurrentPrice, curr.Currency),
				)) {
				created++
			}
		}

		if sub.NotifyOnRestock && !prior.Available && curr.Available {
			if e.emit(ctx, sub, product, models.NotificationRestock,
				nil, curr.CurrentPrice,
				fmt.Sprintf("%s is back in stock", product.CanonicalName)) {
				created++
			}
		}

		if sub.NotifyOnTarget && targetReached(sub, curr) {
			if e.emit(ctx, sub, product, models.NotificationTargetReached,
				prior.CurrentPrice, curr.CurrentPrice,
				fmt.Sprintf("%s is at %s, at or below your target of %s",
					product.CanonicalName,
					formatPrice(*curr.CurrentPrice, curr.Currency),
					formatPrice(*sub.TargetPrice, curr.Currency),
				)) {
				created++
			}
		}
	}

	return created, nil
}

func priceDropped(prior, curr *models.ProductListing) bool {
	return prior.CurrentPrice != nil && curr.CurrentPrice != nil && *curr.CurrentPrice < *prior.CurrentPrice
}

func targetReached(sub *models.UserSubscription, curr *models.ProductListing) bool {
	return sub.TargetPrice != nil && curr.CurrentPrice != nil && *curr.CurrentPrice <= *sub.TargetPrice
}

// emit creates one notification unless the dedup window suppresses it.
// Returns true when a notification was written.
func (e *Evaluator) emit(ctx context.Context, sub *models.UserSubscription, product *models.Product, typ models.NotificationType, oldPrice, newPrice *float64, message string) bool {
	recent, err := e.notifications.ExistsRecent(ctx, sub.UserID, product.ID, typ, time.Now().Add(-dedupWindow))
	if err != nil {
		e.logger.Error("failed to check notification dedup",
			"user_id", sub.UserID,
			"product_id", product.ID,
			"type", typ,
			"error", err,
		)
		return false
	}
	if recent {
		return false
	}

	n := &models.Notification{
		ID:        ulid.Make().String(),
		UserID:    sub.UserID,
		ProductID: product.ID,
		Type:      typ,
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.notifications.Create(ctx, n); err != nil {
		e.logger.Error("failed to create notification",
			"user_id", sub.UserID,
			"product_id", product.ID,
			"type", typ,
			"error", err,
		)
		return false
	}

	e.logger.Info("notification created",
		"user_id", sub.UserID,
		"product_id", product.ID,
		"type", typ,
	)
	return true
}

// formatPrice renders an amount with its currency code when known.
func formatPrice(amount float64, currency *string) string {
	if currency != nil && *currency != "" {
		return fmt.Sprintf("%.2f %s", amount, *currency)
	}
	return fmt.Sprintf("%.2f", amount)
}
