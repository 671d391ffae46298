// Package repository defines repository interfaces for data access.
// Note: user accounts and authentication are handled by an external
// layer; user_id values are stored as opaque strings.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// StoreRepository defines methods for store data access.
type StoreRepository interface {
	Create(ctx context.Context, store *models.Store) error
	GetByID(ctx context.Context, id string) (*models.Store, error)
	GetByDomain(ctx context.Context, domain string) (*models.Store, error)
	// GetOrCreateByDomain returns the store for a domain, creating it on
	// first sight.
	GetOrCreateByDomain(ctx context.Context, domain string) (*models.Store, error)
	List(ctx context.Context) ([]*models.Store, error)
	Update(ctx context.Context, store *models.Store) error
}

// VersionStat is a recomputed stats row for one pattern version.
type VersionStat struct {
	VersionID  string
	Attempts   int
	Successful int
}

// PatternRepository defines methods for extraction pattern data access.
// The patterns table holds the mutable per-domain row; pattern_versions
// holds the immutable history with at most one active version per domain.
type PatternRepository interface {
	Get(ctx context.Context, domain string) (*models.Pattern, error)
	GetActiveVersion(ctx context.Context, domain string) (*models.PatternVersion, error)
	GetVersion(ctx context.Context, domain string, versionNumber int) (*models.PatternVersion, error)
	LatestVersion(ctx context.Context, domain string) (*models.PatternVersion, error)
	ListVersions(ctx context.Context, domain string) ([]*models.PatternVersion, error)
	// ListDomains returns every domain that has at least one version.
	ListDomains(ctx context.Context) ([]string, error)

	// CommitVersion appends a new version, activates it, and syncs the
	// mutable row in one transaction. Committing clears any rollback pin.
	CommitVersion(ctx context.Context, domain, patternJSON, reason string, changeType models.ChangeType) (*models.PatternVersion, error)
	// ActivateVersion switches the active version of a domain. With
	// markRollback the domain is pinned so automated sweeps leave it alone.
	ActivateVersion(ctx context.Context, domain string, versionNumber int, markRollback bool) (*models.PatternVersion, error)

	// RecordAttempt bumps the attempt counters on the mutable row and the
	// active version. The increments run inside the database so concurrent
	// workers never lose updates.
	RecordAttempt(ctx context.Context, domain string, success bool) error
	// Unhealthy returns patterns with at least minAttempts attempts, a
	// success rate below maxRate, and no flag since flaggedBefore.
	Unhealthy(ctx context.Context, minAttempts int, maxRate float64, flaggedBefore time.Time) ([]*models.Pattern, error)
	MarkFlagged(ctx context.Context, domain string, at time.Time) error

	// VersionStatsFromHistory recomputes per-version attempt counts from
	// recorded price history; ApplyVersionStats writes them back.
	VersionStatsFromHistory(ctx context.Context) ([]VersionStat, error)
	ApplyVersionStats(ctx context.Context, stats []VersionStat) error
}

// ProductRepository defines methods for product data access.
type ProductRepository interface {
	Create(ctx context.Context, product *models.Product) error
	GetByID(ctx context.Context, id string) (*models.Product, error)
	Update(ctx context.Context, product *models.Product) error
	UpdateImageURL(ctx context.Context, id, imageURL string) error
	// RecomputeSubscriberCount refreshes the denormalized count from
	// active subscriptions.
	RecomputeSubscriberCount(ctx context.Context, productID string) (int, error)
}

// ListingRepository defines methods for product listing data access.
type ListingRepository interface {
	Create(ctx context.Context, listing *models.ProductListing) error
	GetByID(ctx context.Context, id string) (*models.ProductListing, error)
	GetByStoreAndURLBase(ctx context.Context, storeID, urlBase string) (*models.ProductListing, error)
	ListByProduct(ctx context.Context, productID string) ([]*models.ProductListing, error)
	ListActive(ctx context.Context) ([]*models.ProductListing, error)

	// Due returns active unclaimed listings whose next check is at or
	// before now, ordered most-urgent first. The effective priority of a
	// listing is the highest priority among its product's active
	// subscriptions, or low when it has none.
	Due(ctx context.Context, now time.Time, intervals map[models.Priority]time.Duration, limit int) ([]*models.ProductListing, error)
	// Claim marks a listing as taken by a worker. Returns false when
	// another worker got there first.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	// Deactivate soft-deletes a listing once no active subscribers remain.
	Deactivate(ctx context.Context, id string) error
	// AdvanceChecked moves a listing to the back of the queue without
	// counting a failure and releases any claim.
	AdvanceChecked(ctx context.Context, id string, at time.Time) error
	// ClearStaleClaims releases claims older than the cutoff, covering
	// workers that died without releasing.
	ClearStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// PriceHistoryRepository defines methods for price history data access.
type PriceHistoryRepository interface {
	Create(ctx context.Context, entry *models.PriceHistory) error
	LatestForListing(ctx context.Context, listingID string) (*models.PriceHistory, error)
	ListForListing(ctx context.Context, listingID string, limit int) ([]*models.PriceHistory, error)
	// DeleteOlderThan prunes history rows past the retention window while
	// always keeping the newest row per listing.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// SubscriptionRepository defines methods for user subscription data access.
type SubscriptionRepository interface {
	// Upsert creates or reactivates a subscription for (user, product).
	Upsert(ctx context.Context, sub *models.UserSubscription) error
	// Deactivate soft-deletes a subscription; returns false when there was
	// no active subscription to remove.
	Deactivate(ctx context.Context, userID, productID string) (bool, error)
	GetByUserAndProduct(ctx context.Context, userID, productID string) (*models.UserSubscription, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*models.UserSubscription, error)
	ListActiveByProduct(ctx context.Context, productID string) ([]*models.UserSubscription, error)
}

// NotificationRepository defines methods for notification data access.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	// ExistsRecent reports whether a notification of this type was already
	// created for (user, product) since the given time.
	ExistsRecent(ctx context.Context, userID, productID string, typ models.NotificationType, since time.Time) (bool, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Notification, error)
}

// SessionRepository defines methods for persisted browser sessions.
type SessionRepository interface {
	Get(ctx context.Context, domain string) (*models.DomainSession, error)
	Put(ctx context.Context, domain, cookiesEnc string) error
}

// SuccessfulCycle carries everything a successful check writes.
type SuccessfulCycle struct {
	ListingID  string
	Domain     string
	Price      float64
	Currency   *string
	Available  bool
	Method     string
	Confidence float64
	// VersionID is the pattern version that produced the extraction.
	VersionID string
	CheckedAt time.Time
}

// FailedCycle carries everything a failed check writes.
type FailedCycle struct {
	ListingID string
	Domain    string
	CheckedAt time.Time
	// AdvanceLastChecked moves the listing to the back of the queue.
	// Retryable failures leave it unset until the failure budget is spent.
	AdvanceLastChecked bool
	// CountAttempt is set when extraction actually ran, so pattern stats
	// only reflect cycles the pattern took part in.
	CountAttempt bool
}

// CycleRepository persists check outcomes. Each Apply call is a single
// transaction: the listing update, the history append, and the pattern
// counters land together or not at all.
type CycleRepository interface {
	ApplySuccess(ctx context.Context, cycle SuccessfulCycle) error
	ApplyFailure(ctx context.Context, cycle FailedCycle) error
}

// Repositories holds all repository instances.
type Repositories struct {
	Store        StoreRepository
	Pattern      PatternRepository
	Product      ProductRepository
	Listing      ListingRepository
	PriceHistory PriceHistoryRepository
	Subscription SubscriptionRepository
	Notification NotificationRepository
	Session      SessionRepository
	Cycle        CycleRepository
}

// NewRepositories creates all repository instances.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Store:        NewSQLiteStoreRepository(db),
		Pattern:      NewSQLitePatternRepository(db),
		Product:      NewSQLiteProductRepository(db),
		Listing:      NewSQLiteListingRepository(db),
		PriceHistory: NewSQLitePriceHistoryRepository(db),
		Subscription: NewSQLiteSubscriptionRepository(db),
		Notification: NewSQLiteNotificationRepository(db),
		Session:      NewSQLiteSessionRepository(db),
		Cycle:        NewSQLiteCycleRepository(db),
	}
}
