package scheduler

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/database/migrations"
	"github.com/pricewatch/pricewatch/internal/events"
	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/orchestrator"
	"github.com/pricewatch/pricewatch/internal/repository"
)

// stubRunner counts runs per listing without touching the database, so
// claims stay held unless the scheduler releases them.
type stubRunner struct {
	mu    sync.Mutex
	runs  map[string]int
	began chan string   // receives the listing ID when a run starts
	block chan struct{} // when set, runs wait here before finishing
}

func newStubRunner() *stubRunner {
	return &stubRunner{runs: make(map[string]int)}
}

func (r *stubRunner) RunListing(ctx context.Context, listing *models.ProductListing) orchestrator.Outcome {
	if r.began != nil {
		r.began <- listing.ID
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.runs[listing.ID]++
	r.mu.Unlock()
	return orchestrator.Outcome{ListingID: listing.ID, Success: true}
}

func (r *stubRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func (r *stubRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.runs {
		n += c
	}
	return n
}

type schedEnv struct {
	sched  *Scheduler
	repos  *repository.Repositories
	runner *stubRunner
}

func setupScheduler(t *testing.T, runner *stubRunner, mutate func(*config.Config)) *schedEnv {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := repository.NewRepositories(db)

	cfg := &config.Config{
		SchedulerTick:         time.Hour,
		SchedulerWorkers:      2,
		SchedulerMaxBatch:     10,
		ClaimTTL:              15 * time.Minute,
		ShutdownGracePeriod:   5 * time.Second,
		IntervalHigh:          15 * time.Minute,
		IntervalNormal:        time.Hour,
		IntervalLow:           24 * time.Hour,
		PriceHistoryRetention: 30 * 24 * time.Hour,
		JanitorInterval:       time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	sweeper := lifecycle.NewManager(repos.Pattern, events.NewPublisher(logger, "", ""), logger)
	sched := New(repos.Listing, repos.PriceHistory, runner, sweeper, cfg, logger)

	env := &schedEnv{sched: sched, repos: repos, runner: runner}
	t.Cleanup(sched.Stop)
	return env
}

func seedListing(t *testing.T, repos *repository.Repositories, domain string) *models.ProductListing {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	store := &models.Store{
		ID:        ulid.Make().String(),
		Domain:    domain,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.Store.Create(ctx, store); err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	product := &models.Product{
		ID:            ulid.Make().String(),
		CanonicalName: "Widget from " + domain,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := repos.Product.Create(ctx, product); err != nil {
		t.Fatalf("failed to create product: %v", err)
	}

	listing := &models.ProductListing{
		ID:        ulid.Make().String(),
		ProductID: product.ID,
		StoreID:   store.ID,
		URL:       "https://" + domain + "/p/1",
		URLBase:   domain + "/p/1",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.Listing.Create(ctx, listing); err != nil {
		t.Fatalf("failed to create listing: %v", err)
	}
	return listing
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduler_ChecksDueListings(t *testing.T) {
	runner := newStubRunner()
	env := setupScheduler(t, runner, nil)

	l1 := seedListing(t, env.repos, "shop-a.example.com")
	l2 := seedListing(t, env.repos, "shop-b.example.com")

	env.sched.Start(context.Background())

	waitFor(t, "both listings to be checked", func() bool {
		return runner.count(l1.ID) == 1 && runner.count(l2.ID) == 1
	})
	env.sched.Stop()

	if runner.total() != 2 {
		t.Errorf("total runs = %d, want 2", runner.total())
	}
}

func TestScheduler_EnqueueRunsExactlyOnce(t *testing.T) {
	runner := newStubRunner()
	env := setupScheduler(t, runner, nil)

	listing := seedListing(t, env.repos, "shop-a.example.com")
	// Fresh check stamp keeps the dispatcher away; only the explicit
	// enqueue reaches the workers.
	if err := env.repos.Listing.AdvanceChecked(context.Background(), listing.ID, time.Now()); err != nil {
		t.Fatalf("failed to stamp listing: %v", err)
	}

	env.sched.Start(context.Background())

	// Both copies race to the workers; the claim lets only one run.
	env.sched.EnqueueListing(listing.ID)
	env.sched.EnqueueListing(listing.ID)

	waitFor(t, "the enqueued listing to run", func() bool {
		return runner.count(listing.ID) == 1
	})
	time.Sleep(100 * time.Millisecond)
	env.sched.Stop()

	if got := runner.count(listing.ID); got != 1 {
		t.Errorf("runs = %d, want exactly 1", got)
	}
}

func TestScheduler_RecoversStaleClaimsAtBoot(t *testing.T) {
	runner := newStubRunner()
	env := setupScheduler(t, runner, nil)

	listing := seedListing(t, env.repos, "shop-a.example.com")

	// A claim from a worker that died an hour ago.
	ok, err := env.repos.Listing.Claim(context.Background(), listing.ID, time.Now().Add(-time.Hour))
	if err != nil || !ok {
		t.Fatalf("failed to pre-claim listing: ok=%v err=%v", ok, err)
	}

	env.sched.Start(context.Background())

	waitFor(t, "the stale-claimed listing to be checked", func() bool {
		return runner.count(listing.ID) == 1
	})
	env.sched.Stop()
}

func TestScheduler_StopWaitsForInflightCheck(t *testing.T) {
	runner := newStubRunner()
	runner.began = make(chan string, 1)
	runner.block = make(chan struct{})
	env := setupScheduler(t, runner, nil)

	listing := seedListing(t, env.repos, "shop-a.example.com")

	env.sched.Start(context.Background())

	select {
	case <-runner.began:
	case <-time.After(5 * time.Second):
		t.Fatal("check never started")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(runner.block)
	}()

	env.sched.Stop()

	if got := runner.count(listing.ID); got != 1 {
		t.Errorf("Stop returned before the in-flight check finished (runs = %d)", got)
	}
}

func TestScheduler_JanitorPrunesHistoryAndFlagsPatterns(t *testing.T) {
	ctx := context.Background()
	runner := newStubRunner()
	env := setupScheduler(t, runner, nil)

	listing := seedListing(t, env.repos, "shop-a.example.com")

	old := &models.PriceHistory{
		ID:               ulid.Make().String(),
		ListingID:        listing.ID,
		Price:            10,
		Available:        true,
		RecordedAt:       time.Now().Add(-40 * 24 * time.Hour),
		ExtractionMethod: "css",
		Confidence:       0.9,
	}
	recent := &models.PriceHistory{
		ID:               ulid.Make().String(),
		ListingID:        listing.ID,
		Price:            12,
		Available:        true,
		RecordedAt:       time.Now().UTC(),
		ExtractionMethod: "css",
		Confidence:       0.9,
	}
	for _, entry := range []*models.PriceHistory{old, recent} {
		if err := env.repos.PriceHistory.Create(ctx, entry); err != nil {
			t.Fatalf("failed to create history row: %v", err)
		}
	}

	patternJSON := `{
		"store_domain": "shop-a.example.com",
		"patterns": {
			"price": {"primary": {"type": "css", "selector": ".price", "confidence": 0.9}},
			"title": {"primary": {"type": "css", "selector": "h1", "confidence": 0.9}}
		}
	}`
	if _, err := env.repos.Pattern.CommitVersion(ctx, "shop-a.example.com", patternJSON, "seed", models.ChangeTypeManualEdit); err != nil {
		t.Fatalf("failed to commit pattern: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := env.repos.Pattern.RecordAttempt(ctx, "shop-a.example.com", i == 0); err != nil {
			t.Fatalf("failed to record attempt: %v", err)
		}
	}

	// A claim older than the TTL, as left behind by a worker that died
	// without releasing.
	if ok, err := env.repos.Listing.Claim(ctx, listing.ID, time.Now().Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("failed to seed stale claim: ok=%v err=%v", ok, err)
	}

	env.sched.janitorPass(ctx)

	reclaimed, err := env.repos.Listing.GetByID(ctx, listing.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reclaimed.ClaimedAt != nil {
		t.Error("janitor did not clear the stale claim")
	}

	points, err := env.repos.PriceHistory.ListForListing(ctx, listing.ID, 10)
	if err != nil {
		t.Fatalf("ListForListing: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("history points after prune = %d, want 1", len(points))
	}
	if points[0].ID != recent.ID {
		t.Error("prune removed the wrong row")
	}

	pattern, err := env.repos.Pattern.Get(ctx, "shop-a.example.com")
	if err != nil {
		t.Fatalf("Pattern.Get: %v", err)
	}
	if pattern.LastFlaggedAt == nil {
		t.Error("unhealthy pattern was not flagged")
	}
}
