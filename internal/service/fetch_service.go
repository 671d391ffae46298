package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/orchestrator"
	"github.com/pricewatch/pricewatch/internal/repository"
)

// Runner executes one price check. The orchestrator satisfies it.
type Runner interface {
	RunListing(ctx context.Context, listing *models.ProductListing) orchestrator.Outcome
}

// BatchSummary reports the outcome of a manual fetch run.
type BatchSummary struct {
	Total    int                    `json:"total"`
	Success  int                    `json:"success"`
	Failed   int                    `json:"failed"`
	Outcomes []orchestrator.Outcome `json:"outcomes"`
}

// FetchService runs on-demand price checks outside the scheduler, for
// the operator CLI and manual refreshes.
type FetchService struct {
	repos  *repository.Repositories
	runner Runner
	logger *slog.Logger
}

// NewFetchService creates a FetchService.
func NewFetchService(repos *repository.Repositories, runner Runner, logger *slog.Logger) *FetchService {
	return &FetchService{
		repos:  repos,
		runner: runner,
		logger: logger.With("component", "fetch"),
	}
}

// FetchAll checks every active listing once.
func (s *FetchService) FetchAll(ctx context.Context) (*BatchSummary, error) {
	listings, err := s.repos.Listing.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, listings), nil
}

// FetchListing checks a single listing by ID.
func (s *FetchService) FetchListing(ctx context.Context, id string) (*BatchSummary, error) {
	listing, err := s.repos.Listing.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	return s.run(ctx, []*models.ProductListing{listing}), nil
}

// FetchProduct checks every listing of one product.
func (s *FetchService) FetchProduct(ctx context.Context, productID string) (*BatchSummary, error) {
	listings, err := s.repos.Listing.ListByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		return nil, fmt.Errorf("%w: product %s has no listings", ErrNotFound, productID)
	}
	return s.run(ctx, listings), nil
}

// run checks listings one after another. The per-domain limiter inside
// the orchestrator paces same-store calls; a one-off batch does not
// need the scheduler's worker pool.
func (s *FetchService) run(ctx context.Context, listings []*models.ProductListing) *BatchSummary {
	summary := &BatchSummary{
		Total:    len(listings),
		Outcomes: make([]orchestrator.Outcome, 0, len(listings)),
	}
	for _, listing := range listings {
		if ctx.Err() != nil {
			s.logger.Warn("fetch batch interrupted",
				"done", len(summary.Outcomes), "total", summary.Total)
			break
		}
		out := s.runner.RunListing(ctx, listing)
		summary.Outcomes = append(summary.Outcomes, out)
		if out.Success {
			summary.Success++
		} else {
			summary.Failed++
		}
	}
	s.logger.Info("fetch batch finished",
		"total", summary.Total, "success", summary.Success, "failed", summary.Failed)
	return summary
}
