// Package models defines the domain models for the application.
// Note: user accounts and authentication live in an external layer; the
// UserID fields carry opaque identifiers issued by that layer.
package models

import (
	"time"
)

// Store represents one tracked e-commerce domain.
type Store struct {
	ID               string    `json:"id"`
	Domain           string    `json:"domain"` // canonical host, lowercase, no "www."
	Active           bool      `json:"active"`
	RateLimitSeconds *float64  `json:"rate_limit_seconds,omitempty"` // overrides the global request delay
	CurrencyHint     *string   `json:"currency_hint,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ChangeType classifies how a pattern version came to exist.
type ChangeType string

const (
	ChangeTypeManualEdit    ChangeType = "manual_edit"
	ChangeTypeAutoGenerated ChangeType = "auto_generated"
	ChangeTypeAPIUpdate     ChangeType = "api_update"
	ChangeTypeRollback      ChangeType = "rollback"
	ChangeTypeAutoSave      ChangeType = "auto_save"
)

// Pattern is the active extraction recipe for a store domain, with
// running aggregate statistics.
type Pattern struct {
	ID                 string     `json:"id"`
	Domain             string     `json:"domain"`
	PatternJSON        string     `json:"pattern_json"`
	LastValidated      *time.Time `json:"last_validated,omitempty"`
	TotalAttempts      int        `json:"total_attempts"`
	SuccessfulAttempts int        `json:"successful_attempts"`
	SuccessRate        float64    `json:"success_rate"` // denormalized: successful/total
	LastRollbackAt     *time.Time `json:"last_rollback_at,omitempty"`
	LastFlaggedAt      *time.Time `json:"last_flagged_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PatternVersion is an immutable snapshot of a domain's pattern.
// At most one version per domain is active.
type PatternVersion struct {
	ID                 string     `json:"id"`
	Domain             string     `json:"domain"`
	VersionNumber      int        `json:"version_number"` // strictly increasing per domain, from 1
	PatternJSON        string     `json:"pattern_json"`
	ContentDigest      string     `json:"content_digest"` // short SHA-256 of pattern_json
	IsActive           bool       `json:"is_active"`
	ChangeReason       string     `json:"change_reason,omitempty"`
	ChangeType         ChangeType `json:"change_type"`
	TotalAttempts      int        `json:"total_attempts"`
	SuccessfulAttempts int        `json:"successful_attempts"`
	SuccessRate        float64    `json:"success_rate"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Product is a logical item that may be listed at several stores.
type Product struct {
	ID              string    `json:"id"`
	CanonicalName   string    `json:"canonical_name"`
	Brand           *string   `json:"brand,omitempty"`
	EAN             *string   `json:"ean,omitempty"`
	UPC             *string   `json:"upc,omitempty"`
	ISBN            *string   `json:"isbn,omitempty"`
	ImageURL        *string   `json:"image_url,omitempty"`
	SubscriberCount int       `json:"subscriber_count"` // denormalized count of active subscriptions
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProductListing ties a product to a concrete URL at one store.
type ProductListing struct {
	ID                  string     `json:"id"`
	ProductID           string     `json:"product_id"`
	StoreID             string     `json:"store_id"`
	URL                 string     `json:"url"`
	URLBase             string     `json:"url_base"` // normalized URL used for identity
	CurrentPrice        *float64   `json:"current_price,omitempty"`
	Currency            *string    `json:"currency,omitempty"`
	Available           bool       `json:"available"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastAvailable       *time.Time `json:"last_available,omitempty"`
	ExtractorVersionID  *string    `json:"extractor_version_id,omitempty"` // pattern version behind the last successful extraction
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"` // scheduler claim stamp
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// PriceHistory is one observed price point for a listing. Rows are
// append-only and removed only by the retention sweep.
type PriceHistory struct {
	ID               string    `json:"id"`
	ListingID        string    `json:"listing_id"`
	Price            float64   `json:"price"`
	Currency         *string   `json:"currency,omitempty"`
	Available        bool      `json:"available"`
	RecordedAt       time.Time `json:"recorded_at"`
	ExtractionMethod string    `json:"extraction_method"` // selector type that produced the price
	Confidence       float64   `json:"confidence"`
}

// Priority is a subscription's refresh priority tier.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// ParsePriority maps a tier name to its Priority; unknown names get normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// UserSubscription is one user's interest in one product.
// Deleted subscriptions are kept with Active=false.
type UserSubscription struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ProductID       string    `json:"product_id"`
	Priority        Priority  `json:"priority"`
	TargetPrice     *float64  `json:"target_price,omitempty"`
	NotifyOnDrop    bool      `json:"notify_on_drop"`
	NotifyOnRestock bool      `json:"notify_on_restock"`
	NotifyOnTarget  bool      `json:"notify_on_target"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NotificationType classifies user-visible notifications.
type NotificationType string

const (
	NotificationPriceDrop     NotificationType = "price_drop"
	NotificationRestock       NotificationType = "restock"
	NotificationTargetReached NotificationType = "target_reached"
)

// Notification is a user-visible event about a tracked product. At most
// one notification of a given (user, product, type) is created per 24 h.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	ProductID string           `json:"product_id"`
	Type      NotificationType `json:"type"`
	OldPrice  *float64         `json:"old_price,omitempty"`
	NewPrice  *float64         `json:"new_price,omitempty"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// DomainSession holds the persisted browser cookies for a domain,
// encrypted at rest.
type DomainSession struct {
	Domain     string    `json:"domain"`
	CookiesEnc string    `json:"-"` // AES-256-GCM, base64
	UpdatedAt  time.Time `json:"updated_at"`
}
