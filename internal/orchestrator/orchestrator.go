// Package orchestrator runs a single price check end to end: resolve the
// domain's extraction pattern, render the page, extract and validate the
// fields, persist the outcome, and evaluate notifications. The scheduler
// and the CLI both funnel through RunListing so a check behaves the same
// no matter who triggered it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/events"
	"github.com/pricewatch/pricewatch/internal/extractor"
	"github.com/pricewatch/pricewatch/internal/fetcher"
	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/notifier"
	"github.com/pricewatch/pricewatch/internal/ratelimit"
	"github.com/pricewatch/pricewatch/internal/repository"
	"github.com/pricewatch/pricewatch/internal/storage"
	"github.com/pricewatch/pricewatch/internal/urlnorm"
	"github.com/pricewatch/pricewatch/internal/validator"
)

var (
	// ErrPatternMissing means the domain has no usable active pattern.
	// Generation has been requested and the listing was moved to the back
	// of the queue without counting a failure.
	ErrPatternMissing = errors.New("no active pattern for domain")

	// ErrExtractionEmpty means the page rendered but the pattern matched
	// nothing worth keeping.
	ErrExtractionEmpty = errors.New("extraction produced no usable fields")

	// ErrValidationFailed means the extraction was rejected as implausible.
	ErrValidationFailed = errors.New("extraction failed validation")

	// ErrPersistence means the check result could not be written. The
	// listing's last_checked is left untouched so the next tick retries it.
	ErrPersistence = errors.New("failed to persist check result")
)

// PageFetcher renders a listing URL and returns the resulting HTML.
// Satisfied by *fetcher.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error)
}

// Outcome is the result of one check cycle for one listing.
type Outcome struct {
	ListingID  string `json:"listing_id"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`

	Err error `json:"-"`
}

// Orchestrator wires the fetch, extract, validate, persist, and notify
// stages together.
type Orchestrator struct {
	fetcher  PageFetcher
	repos    *repository.Repositories
	limiter  *ratelimit.Limiter
	storage  *storage.Service
	events   *events.Publisher
	notifier *notifier.Evaluator
	cfg      *config.Config
	logger   *slog.Logger
}

func New(
	pageFetcher PageFetcher,
	repos *repository.Repositories,
	limiter *ratelimit.Limiter,
	store *storage.Service,
	publisher *events.Publisher,
	evaluator *notifier.Evaluator,
	cfg *config.Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		fetcher:  pageFetcher,
		repos:    repos,
		limiter:  limiter,
		storage:  store,
		events:   publisher,
		notifier: evaluator,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// RunListing performs one full check cycle for the given listing. The
// listing is expected to be freshly loaded; its fields are treated as the
// prior state when deciding what changed. Failures are persisted here,
// so callers only inspect the Outcome.
func (o *Orchestrator) RunListing(ctx context.Context, listing *models.ProductListing) Outcome {
	start := time.Now()
	logger := o.logger.With("listing_id", listing.ID, "url", listing.URL)

	domain, err := urlnorm.Domain(listing.URL)
	if err != nil {
		o.persistFailure(ctx, logger, listing, "", true, false)
		return o.failed(logger, listing.ID, start, fmt.Errorf("failed to parse listing url: %w", err))
	}
	logger = logger.With("domain", domain)

	version, err := o.repos.Pattern.GetActiveVersion(ctx, domain)
	if err != nil {
		return o.failed(logger, listing.ID, start, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	if version == nil {
		o.events.PublishGenerationRequested(ctx, domain, listing.URL)
		o.advanceWithoutPenalty(ctx, logger, listing.ID)
		return o.failed(logger, listing.ID, start, ErrPatternMissing)
	}

	pattern, err := extractor.ParsePattern(version.PatternJSON)
	if err != nil {
		// A corrupt stored pattern is the domain's problem, not the
		// listing's. Treat it like a missing pattern and flag loudly.
		logger.Error("stored pattern does not parse",
			"version", version.VersionNumber, "error", err)
		o.advanceWithoutPenalty(ctx, logger, listing.ID)
		return o.failed(logger, listing.ID, start,
			fmt.Errorf("%w: stored version %d does not parse", ErrPatternMissing, version.VersionNumber))
	}

	if err := o.limiter.Acquire(ctx, domain); err != nil {
		return o.failed(logger, listing.ID, start, err)
	}
	defer o.limiter.Release(domain)

	res, fetchErr := o.fetchWithRetry(ctx, logger, domain, listing.URL)

	// Artifacts are stored even for blocked pages; the partial HTML and
	// screenshot are exactly what a human needs to diagnose the block.
	if res != nil {
		if serr := o.storage.StoreArtifacts(ctx, domain, listing.URL, []byte(res.HTML), res.Screenshot); serr != nil {
			logger.Warn("failed to store artifacts", "error", serr)
		}
	}

	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) {
			// Shutdown abort. Leave the listing due so the next boot picks
			// it straight up, unless it keeps failing; advancing a poison
			// listing stops it from pinning the queue across restarts.
			if listing.ConsecutiveFailures >= o.cfg.MaxRetries {
				o.advanceWithoutPenalty(context.WithoutCancel(ctx), logger, listing.ID)
			}
			return o.failed(logger, listing.ID, start, fetchErr)
		}
		// An attempt is the whole fetch+extract+validate chain. A cycle
		// that burned its retries without rendering still counts.
		o.persistFailure(ctx, logger, listing, domain, true, true)
		return o.failed(logger, listing.ID, start, fetchErr)
	}

	extraction := extractor.Extract(res.HTML, listing.URL, pattern)
	if extraction.Empty() {
		o.persistFailure(ctx, logger, listing, domain, true, true)
		return o.failed(logger, listing.ID, start, ErrExtractionEmpty)
	}

	var priorPrice *float64
	prior, err := o.repos.PriceHistory.LatestForListing(ctx, listing.ID)
	if err != nil {
		logger.Warn("failed to load prior history point", "error", err)
	} else if prior != nil {
		priorPrice = &prior.Price
	}

	validation := validator.Validate(extraction, priorPrice, validator.Config{
		MinConfidence:     o.cfg.MinConfidence,
		MaxPriceChangePct: o.cfg.MaxPriceChangePct,
		MaxPlausiblePrice: o.cfg.MaxPlausiblePrice,
	})
	for _, w := range validation.Warnings {
		logger.Warn("validation warning", "warning", w)
	}
	if !validation.Valid {
		o.persistFailure(ctx, logger, listing, domain, true, true)
		return o.failed(logger, listing.ID, start,
			fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(validation.Errors, "; ")))
	}

	price, _ := extraction.PriceValue()
	available := extraction.Available()
	currency := o.resolveCurrency(ctx, extraction, listing.StoreID)

	method := ""
	if f := extraction.Get(extractor.FieldPrice); f.Method != nil {
		method = *f.Method
	}

	if err := o.repos.Cycle.ApplySuccess(ctx, repository.SuccessfulCycle{
		ListingID:  listing.ID,
		Domain:     domain,
		Price:      price,
		Currency:   currency,
		Available:  available,
		Method:     method,
		Confidence: validation.Confidence,
		VersionID:  version.ID,
		CheckedAt:  time.Now(),
	}); err != nil {
		return o.failed(logger, listing.ID, start, fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	o.notifyAndCacheImage(ctx, logger, listing, extraction, price, currency, available)

	out := Outcome{
		ListingID:  listing.ID,
		Success:    true,
		DurationMS: time.Since(start).Milliseconds(),
	}
	logger.Info("listing checked",
		"price", price,
		"available", available,
		"confidence", validation.Confidence,
		"duration_ms", out.DurationMS)
	return out
}

// fetchWithRetry renders the page, retrying transient failures with
// exponential backoff. Blocked fetches are returned immediately together
// with whatever partial result the fetcher captured.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, logger *slog.Logger, domain, rawURL string) (*fetcher.Result, error) {
	opts := fetcher.Options{
		WaitForJS:  o.cfg.WaitForJS,
		Screenshot: o.cfg.StorageEnabled,
		Difficult:  o.cfg.IsDifficult(domain),
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		res, err := o.fetchOnce(ctx, rawURL, opts)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, fetcher.ErrBlocked) {
			return res, err
		}
		if !errors.Is(err, fetcher.ErrTimeout) && !errors.Is(err, fetcher.ErrIO) {
			return nil, err
		}
		lastErr = err
		if attempt == o.cfg.MaxRetries {
			break
		}
		backoff := time.Duration(1<<(attempt-1)) * o.cfg.RequestDelay
		logger.Warn("fetch failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// fetchOnce caps a single attempt at the configured per-fetch budget so a
// wedged browser cannot hold a worker past it.
func (o *Orchestrator) fetchOnce(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchDeadline())
	defer cancel()
	return o.fetcher.Fetch(fctx, rawURL, opts)
}

// resolveCurrency prefers the currency visible in the scraped price text
// and falls back to the store's configured hint.
func (o *Orchestrator) resolveCurrency(ctx context.Context, extraction *extractor.Result, storeID string) *string {
	code := extraction.Currency
	if code == "" {
		store, err := o.repos.Store.GetByID(ctx, storeID)
		if err == nil && store != nil && store.CurrencyHint != nil {
			code = *store.CurrencyHint
		}
	}
	if code == "" {
		return nil
	}
	return &code
}

// notifyAndCacheImage handles the best-effort tail of a successful cycle.
// Nothing here can fail the check; the price is already durable.
func (o *Orchestrator) notifyAndCacheImage(ctx context.Context, logger *slog.Logger, listing *models.ProductListing, extraction *extractor.Result, price float64, currency *string, available bool) {
	product, err := o.repos.Product.GetByID(ctx, listing.ProductID)
	if err != nil || product == nil {
		logger.Error("failed to load product after check", "error", err)
		return
	}

	curr := *listing
	curr.CurrentPrice = &price
	curr.Currency = currency
	curr.Available = available
	if _, err := o.notifier.Evaluate(ctx, listing, &curr, product); err != nil {
		logger.Error("failed to evaluate notifications", "error", err)
	}

	// Tracking a brand-new URL seeds the product name with the URL base.
	// The first successful check replaces it with the page title.
	if title := extraction.Get(extractor.FieldTitle); title.Value != nil && product.CanonicalName == listing.URLBase {
		product.CanonicalName = *title.Value
		if err := o.repos.Product.Update(ctx, product); err != nil {
			logger.Warn("failed to update product name", "error", err)
		}
	}

	if f := extraction.Get(extractor.FieldImage); f.Value != nil {
		o.cacheImage(ctx, logger, product, *f.Value)
	}
}

// cacheImage stores a newly seen product image and records its source URL.
func (o *Orchestrator) cacheImage(ctx context.Context, logger *slog.Logger, product *models.Product, imageURL string) {
	if imageURL == "" {
		return
	}
	if product.ImageURL != nil && *product.ImageURL == imageURL {
		return
	}
	if _, err := o.storage.CacheProductImage(ctx, imageURL); err != nil {
		logger.Warn("failed to cache product image", "image_url", imageURL, "error", err)
		return
	}
	if err := o.repos.Product.UpdateImageURL(ctx, product.ID, imageURL); err != nil {
		logger.Warn("failed to record product image url", "error", err)
	}
}

func (o *Orchestrator) persistFailure(ctx context.Context, logger *slog.Logger, listing *models.ProductListing, domain string, advance, count bool) {
	if err := o.repos.Cycle.ApplyFailure(ctx, repository.FailedCycle{
		ListingID:          listing.ID,
		Domain:             domain,
		CheckedAt:          time.Now(),
		AdvanceLastChecked: advance,
		CountAttempt:       count,
	}); err != nil {
		logger.Error("failed to persist failed check", "error", err)
	}
}

func (o *Orchestrator) advanceWithoutPenalty(ctx context.Context, logger *slog.Logger, listingID string) {
	if err := o.repos.Listing.AdvanceChecked(ctx, listingID, time.Now()); err != nil {
		logger.Error("failed to advance listing", "error", err)
	}
}

func (o *Orchestrator) failed(logger *slog.Logger, listingID string, start time.Time, err error) Outcome {
	out := Outcome{
		ListingID:  listingID,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      err.Error(),
		Err:        err,
	}
	logger.Warn("listing check failed", "error", err, "duration_ms", out.DurationMS)
	return out
}
