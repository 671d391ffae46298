package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/repository"
	"github.com/pricewatch/pricewatch/internal/urlnorm"
)

// Enqueuer hands a listing to the scheduler for a prompt first check.
// The scheduler satisfies it; callers without one pass nil.
type Enqueuer interface {
	EnqueueListing(id string) bool
}

// TrackService owns the subscribe/unsubscribe surface: it resolves URLs
// into stores, products and listings, and keeps subscriber counts and
// listing activity in sync.
type TrackService struct {
	repos     *repository.Repositories
	lifecycle *lifecycle.Manager
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// NewTrackService creates a TrackService.
func NewTrackService(repos *repository.Repositories, lc *lifecycle.Manager, enq Enqueuer, logger *slog.Logger) *TrackService {
	return &TrackService{
		repos:     repos,
		lifecycle: lc,
		enqueuer:  enq,
		logger:    logger.With("component", "track"),
	}
}

// TrackRequest describes one user's wish to follow a product URL.
type TrackRequest struct {
	UserID          string
	URL             string
	Priority        models.Priority
	TargetPrice     *float64
	NotifyOnDrop    bool
	NotifyOnRestock bool
	NotifyOnTarget  bool
}

// TrackResult is what Track hands back. Created reports whether the
// listing is new to the system, as opposed to an existing one the user
// joined.
type TrackResult struct {
	Product      *models.Product          `json:"product"`
	Listing      *models.ProductListing   `json:"listing"`
	Subscription *models.UserSubscription `json:"subscription"`
	Created      bool                     `json:"created"`
}

// Track subscribes a user to the product behind a URL. Two users
// tracking the same URL (modulo tracking params) share one listing and
// one product; tracking again updates the existing subscription in
// place.
func (s *TrackService) Track(ctx context.Context, req TrackRequest) (*TrackResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	base, err := urlnorm.Normalize(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	domain, err := urlnorm.Domain(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}

	store, err := s.repos.Store.GetOrCreateByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	listing, err := s.repos.Listing.GetByStoreAndURLBase(ctx, store.ID, base)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := false
	var product *models.Product

	if listing == nil {
		// The URL base stands in for the name until the first check
		// extracts a title.
		product = &models.Product{
			ID:            ulid.Make().String(),
			CanonicalName: base,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repos.Product.Create(ctx, product); err != nil {
			return nil, err
		}
		listing = &models.ProductListing{
			ID:        ulid.Make().String(),
			ProductID: product.ID,
			StoreID:   store.ID,
			URL:       req.URL,
			URLBase:   base,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repos.Listing.Create(ctx, listing); err != nil {
			return nil, err
		}
		created = true
	} else {
		product, err = s.repos.Product.GetByID(ctx, listing.ProductID)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return nil, fmt.Errorf("listing %s has no product", listing.ID)
		}
	}

	sub := &models.UserSubscription{
		ID:              ulid.Make().String(),
		UserID:          req.UserID,
		ProductID:       product.ID,
		Priority:        req.Priority,
		TargetPrice:     req.TargetPrice,
		NotifyOnDrop:    req.NotifyOnDrop,
		NotifyOnRestock: req.NotifyOnRestock,
		NotifyOnTarget:  req.NotifyOnTarget,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repos.Subscription.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	// On conflict the upsert keeps the original row's identity; read
	// back whichever row won.
	sub, err = s.repos.Subscription.GetByUserAndProduct(ctx, req.UserID, product.ID)
	if err != nil {
		return nil, err
	}

	count, err := s.repos.Product.RecomputeSubscriberCount(ctx, product.ID)
	if err != nil {
		return nil, err
	}
	product.SubscriberCount = count

	// A failure here leaves the listing tracked but unchecked until the
	// next dispatch, so it does not fail the request.
	pattern, err := s.lifecycle.EnsurePattern(ctx, domain, req.URL)
	if err != nil {
		s.logger.Error("failed to ensure extraction pattern", "domain", domain, "error", err)
	} else if pattern != nil && s.enqueuer != nil {
		s.enqueuer.EnqueueListing(listing.ID)
	}

	s.logger.Info("tracked product",
		"user_id", req.UserID,
		"listing_id", listing.ID,
		"domain", domain,
		"created", created)

	return &TrackResult{
		Product:      product,
		Listing:      listing,
		Subscription: sub,
		Created:      created,
	}, nil
}

// Untrack removes a user's subscription to the product behind a URL.
// It reports false when there was nothing to remove. When the last
// subscriber leaves, every listing of the product is deactivated so the
// scheduler stops checking it.
func (s *TrackService) Untrack(ctx context.Context, userID, rawURL string) (bool, error) {
	base, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	domain, err := urlnorm.Domain(rawURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	store, err := s.repos.Store.GetByDomain(ctx, domain)
	if err != nil || store == nil {
		return false, err
	}
	listing, err := s.repos.Listing.GetByStoreAndURLBase(ctx, store.ID, base)
	if err != nil || listing == nil {
		return false, err
	}

	removed, err := s.repos.Subscription.Deactivate(ctx, userID, listing.ProductID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	count, err := s.repos.Product.RecomputeSubscriberCount(ctx, listing.ProductID)
	if err != nil {
		return true, err
	}
	if count == 0 {
		listings, err := s.repos.Listing.ListByProduct(ctx, listing.ProductID)
		if err != nil {
			return true, err
		}
		for _, l := range listings {
			if err := s.repos.Listing.Deactivate(ctx, l.ID); err != nil {
				return true, err
			}
		}
		s.logger.Info("deactivated listings with no subscribers",
			"product_id", listing.ProductID, "listings", len(listings))
	}

	s.logger.Info("untracked product", "user_id", userID, "listing_id", listing.ID)
	return true, nil
}

// TrackedProduct is one entry in a user's tracked list.
type TrackedProduct struct {
	Product      *models.Product          `json:"product"`
	Subscription *models.UserSubscription `json:"subscription"`
	Listings     []*models.ProductListing `json:"listings"`
}

// ListTracked returns everything a user currently tracks, with all
// listings of each product.
func (s *TrackService) ListTracked(ctx context.Context, userID string) ([]*TrackedProduct, error) {
	subs, err := s.repos.Subscription.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	tracked := make([]*TrackedProduct, 0, len(subs))
	for _, sub := range subs {
		product, err := s.repos.Product.GetByID(ctx, sub.ProductID)
		if err != nil {
			return nil, err
		}
		if product == nil {
			continue
		}
		listings, err := s.repos.Listing.ListByProduct(ctx, sub.ProductID)
		if err != nil {
			return nil, err
		}
		tracked = append(tracked, &TrackedProduct{
			Product:      product,
			Subscription: sub,
			Listings:     listings,
		})
	}
	return tracked, nil
}
