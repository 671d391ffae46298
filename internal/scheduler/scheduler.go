// Package scheduler drives periodic price checks. A dispatcher polls for
// due listings on a fixed tick and fans them out to a small worker pool
// over a bounded queue; workers claim each listing before checking it so
// overlapping dispatches and parallel deployments never double-check. A
// slower janitor loop prunes expired history and flags unhealthy patterns.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/orchestrator"
	"github.com/pricewatch/pricewatch/internal/repository"
)

// Runner executes one check cycle for a listing. Satisfied by
// *orchestrator.Orchestrator.
type Runner interface {
	RunListing(ctx context.Context, listing *models.ProductListing) orchestrator.Outcome
}

// Scheduler owns the dispatch loop, the worker pool, and the janitor.
type Scheduler struct {
	listings repository.ListingRepository
	history  repository.PriceHistoryRepository
	runner   Runner
	sweeper  *lifecycle.Manager
	cfg      *config.Config
	logger   *slog.Logger

	workers  int
	maxBatch int
	queue    chan string
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(
	listings repository.ListingRepository,
	history repository.PriceHistoryRepository,
	runner Runner,
	sweeper *lifecycle.Manager,
	cfg *config.Config,
	logger *slog.Logger,
) *Scheduler {
	workers := cfg.SchedulerWorkers
	if workers <= 0 {
		workers = 4
	}
	maxBatch := cfg.SchedulerMaxBatch
	if maxBatch <= 0 {
		maxBatch = 50
	}
	return &Scheduler{
		listings: listings,
		history:  history,
		runner:   runner,
		sweeper:  sweeper,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		workers:  workers,
		maxBatch: maxBatch,
		queue:    make(chan string, maxBatch),
		stop:     make(chan struct{}),
	}
}

// Start recovers stale claims and launches the dispatcher, the workers,
// and the janitor. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	cleared, err := s.listings.ClearStaleClaims(ctx, time.Now().Add(-s.cfg.ClaimTTL))
	if err != nil {
		s.logger.Error("failed to clear stale claims", "error", err)
	} else if cleared > 0 {
		s.logger.Info("released stale claims", "count", cleared)
	}

	s.logger.Info("starting",
		"workers", s.workers,
		"tick", s.cfg.SchedulerTick,
		"max_batch", s.maxBatch)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i)
	}

	s.wg.Add(1)
	go s.runDispatcher(ctx)

	s.wg.Add(1)
	go s.runJanitor(ctx)
}

// Stop halts dispatching and waits for in-flight checks up to the
// configured grace period. Queued but unstarted listings are simply
// picked up again by a later tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping")
		close(s.stop)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		grace := s.cfg.ShutdownGracePeriod
		if grace <= 0 {
			grace = 30 * time.Second
		}
		select {
		case <-done:
			s.logger.Info("stopped")
		case <-time.After(grace):
			s.logger.Warn("workers did not finish within the grace period", "grace", grace)
		}
	})
}

// EnqueueListing queues a listing for a prompt check, used right after
// tracking so the first price shows up without waiting for a tick. Best
// effort: when the queue is full the next tick covers it.
func (s *Scheduler) EnqueueListing(id string) bool {
	select {
	case s.queue <- id:
		return true
	default:
		s.logger.Debug("queue full, leaving listing to the next tick", "listing_id", id)
		return false
	}
}

func (s *Scheduler) runDispatcher(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()

	// First pass right away; the tick only paces repeats.
	s.dispatch(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	due, err := s.listings.Due(ctx, time.Now(), s.intervals(), s.maxBatch)
	if err != nil {
		s.logger.Error("failed to load due listings", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.Info("dispatching due listings", "count", len(due))
	for _, listing := range due {
		select {
		case s.queue <- listing.ID:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) intervals() map[models.Priority]time.Duration {
	return map[models.Priority]time.Duration{
		models.PriorityHigh:   s.cfg.IntervalHigh,
		models.PriorityNormal: s.cfg.IntervalNormal,
		models.PriorityLow:    s.cfg.IntervalLow,
	}
}

func (s *Scheduler) runWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.checkListing(ctx, workerID, id)
		}
	}
}

func (s *Scheduler) checkListing(ctx context.Context, workerID int, id string) {
	ok, err := s.listings.Claim(ctx, id, time.Now())
	if err != nil {
		s.logger.Error("failed to claim listing",
			"worker_id", workerID, "listing_id", id, "error", err)
		return
	}
	if !ok {
		// Lost the race to another worker.
		return
	}

	listing, err := s.listings.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("failed to load claimed listing",
			"worker_id", workerID, "listing_id", id, "error", err)
		s.release(id)
		return
	}
	if listing == nil || !listing.Active {
		s.release(id)
		return
	}

	out := s.runner.RunListing(ctx, listing)

	// Every persisted outcome clears the claim as part of its write. The
	// paths that abort before writing anything leave it held, so release
	// here rather than waiting out the claim TTL.
	if out.Err != nil &&
		(errors.Is(out.Err, orchestrator.ErrPersistence) || errors.Is(out.Err, context.Canceled)) {
		s.release(id)
	}
}

func (s *Scheduler) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.listings.ReleaseClaim(ctx, id); err != nil {
		s.logger.Warn("failed to release claim", "listing_id", id, "error", err)
	}
}

func (s *Scheduler) runJanitor(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.janitorPass(ctx)
		}
	}
}

// janitorPass prunes history past the retention window, frees claims
// orphaned by a failed release, and flags patterns whose success rate
// collapsed.
func (s *Scheduler) janitorPass(ctx context.Context) {
	cleared, err := s.listings.ClearStaleClaims(ctx, time.Now().Add(-s.cfg.ClaimTTL))
	if err != nil {
		s.logger.Error("failed to clear stale claims", "error", err)
	} else if cleared > 0 {
		s.logger.Warn("released stale claims", "count", cleared)
	}

	cutoff := time.Now().Add(-s.cfg.PriceHistoryRetention)
	pruned, err := s.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune price history", "error", err)
	} else if pruned > 0 {
		s.logger.Info("pruned price history", "rows", pruned)
	}

	flagged, err := s.sweeper.HealthSweep(ctx)
	if err != nil {
		s.logger.Error("health sweep failed", "error", err)
	} else if flagged > 0 {
		s.logger.Info("flagged unhealthy patterns", "count", flagged)
	}
}
