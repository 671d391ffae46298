package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/database/migrations"
	"github.com/pricewatch/pricewatch/internal/events"
	"github.com/pricewatch/pricewatch/internal/fetcher"
	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/notifier"
	"github.com/pricewatch/pricewatch/internal/ratelimit"
	"github.com/pricewatch/pricewatch/internal/repository"
	"github.com/pricewatch/pricewatch/internal/storage"
	"github.com/pricewatch/pricewatch/internal/urlnorm"
)

const testDomain = "shop.example.com"

const testPatternJSON = `{
	"store_domain": "shop.example.com",
	"patterns": {
		"price": {"primary": {"type": "css", "selector": ".price", "confidence": 0.9}},
		"title": {"primary": {"type": "css", "selector": "h1", "confidence": 0.9}},
		"image": {"primary": {"type": "css", "selector": "img#product", "attribute": "src", "confidence": 0.8}}
	}
}`

func productHTML(price string) string {
	return `<!DOCTYPE html><html><head><title>Acme Widget</title></head><body>
<h1>Acme Widget</h1>
<span class="price">` + price + `</span>
<img id="product" src="https://img.example.com/widget.jpg">
</body></html>`
}

type fetchReply struct {
	res *fetcher.Result
	err error
}

func htmlReply(html string) fetchReply {
	return fetchReply{res: &fetcher.Result{HTML: html, StatusCode: http.StatusOK}}
}

// stubFetcher returns canned replies in order; the last reply repeats.
type stubFetcher struct {
	mu      sync.Mutex
	replies []fetchReply
	calls   int
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	r := s.replies[i]
	return r.res, r.err
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	orch  *Orchestrator
	repos *repository.Repositories
	fetch *stubFetcher
	cfg   *config.Config
}

func setupOrchestrator(t *testing.T, fetch *stubFetcher, publisher *events.Publisher) *testEnv {
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
	if publisher == nil {
		publisher = events.NewPublisher(logger, "", "")
	}

	cfg := &config.Config{
		RequestDelay:      time.Millisecond,
		MaxRetries:        3,
		MinConfidence:     0.6,
		MaxPriceChangePct: 50,
		MaxPlausiblePrice: 100000,
	}
	store, err := storage.New(cfg, logger)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	evaluator := notifier.NewEvaluator(repos.Subscription, repos.Notification, logger)

	orch := New(fetch, repos, ratelimit.New(0, nil), store, publisher, evaluator, cfg, logger)
	return &testEnv{orch: orch, repos: repos, fetch: fetch, cfg: cfg}
}

// seedCatalog creates the store, product, and listing rows a check needs.
func seedCatalog(t *testing.T, repos *repository.Repositories, rawURL string, currencyHint *string) *models.ProductListing {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	domain, err := urlnorm.Domain(rawURL)
	if err != nil {
		t.Fatalf("failed to derive domain: %v", err)
	}
	store := &models.Store{
		ID:           ulid.Make().String(),
		Domain:       domain,
		Active:       true,
		CurrencyHint: currencyHint,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repos.Store.Create(ctx, store); err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	product := &models.Product{
		ID:            ulid.Make().String(),
		CanonicalName: "Acme Widget",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := repos.Product.Create(ctx, product); err != nil {
		t.Fatalf("failed to create product: %v", err)
	}

	base, err := urlnorm.Normalize(rawURL)
	if err != nil {
		t.Fatalf("failed to normalize url: %v", err)
	}
	listing := &models.ProductListing{
		ID:        ulid.Make().String(),
		ProductID: product.ID,
		StoreID:   store.ID,
		URL:       rawURL,
		URLBase:   base,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.Listing.Create(ctx, listing); err != nil {
		t.Fatalf("failed to create listing: %v", err)
	}
	return listing
}

func commitPattern(t *testing.T, repos *repository.Repositories, patternJSON string) *models.PatternVersion {
	t.Helper()
	version, err := repos.Pattern.CommitVersion(context.Background(), testDomain, patternJSON, "seed", models.ChangeTypeManualEdit)
	if err != nil {
		t.Fatalf("failed to commit pattern: %v", err)
	}
	return version
}

func reload(t *testing.T, repos *repository.Repositories, id string) *models.ProductListing {
	t.Helper()
	listing, err := repos.Listing.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if listing == nil {
		t.Fatalf("listing %s disappeared", id)
	}
	return listing
}

func TestRunListing_SuccessPersistsCycle(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	version := commitPattern(t, env.repos, testPatternJSON)

	// Claim first so the run also proves the claim is released.
	if ok, err := env.repos.Listing.Claim(ctx, listing.ID, time.Now()); err != nil || !ok {
		t.Fatalf("failed to claim listing: ok=%v err=%v", ok, err)
	}

	out := env.orch.RunListing(ctx, listing)
	if !out.Success {
		t.Fatalf("RunListing failed: %s", out.Error)
	}

	got := reload(t, env.repos, listing.ID)
	if got.CurrentPrice == nil || *got.CurrentPrice != 49.99 {
		t.Errorf("current price = %v, want 49.99", got.CurrentPrice)
	}
	if got.Currency == nil || *got.Currency != "EUR" {
		t.Errorf("currency = %v, want EUR", got.Currency)
	}
	if !got.Available {
		t.Error("listing should be available")
	}
	if got.LastChecked == nil || got.LastAvailable == nil {
		t.Errorf("timestamps not set: last_checked=%v last_available=%v", got.LastChecked, got.LastAvailable)
	}
	if got.ClaimedAt != nil {
		t.Error("claim not released after successful check")
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", got.ConsecutiveFailures)
	}
	if got.ExtractorVersionID == nil || *got.ExtractorVersionID != version.ID {
		t.Errorf("extractor version = %v, want %s", got.ExtractorVersionID, version.ID)
	}

	hist, err := env.repos.PriceHistory.LatestForListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("LatestForListing: %v", err)
	}
	if hist == nil {
		t.Fatal("no price history recorded")
	}
	if hist.Price != 49.99 {
		t.Errorf("history price = %v, want 49.99", hist.Price)
	}
	if hist.ExtractionMethod != "css" {
		t.Errorf("extraction method = %q, want css", hist.ExtractionMethod)
	}
	if hist.Confidence != 0.9 {
		t.Errorf("history confidence = %v, want 0.9", hist.Confidence)
	}

	pattern, err := env.repos.Pattern.Get(ctx, testDomain)
	if err != nil {
		t.Fatalf("Pattern.Get: %v", err)
	}
	if pattern.TotalAttempts != 1 || pattern.SuccessfulAttempts != 1 {
		t.Errorf("pattern counters = %d/%d, want 1/1", pattern.SuccessfulAttempts, pattern.TotalAttempts)
	}
}

func TestRunListing_RecordsProductImage(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	if out := env.orch.RunListing(ctx, listing); !out.Success {
		t.Fatalf("RunListing failed: %s", out.Error)
	}

	product, err := env.repos.Product.GetByID(ctx, listing.ProductID)
	if err != nil {
		t.Fatalf("Product.GetByID: %v", err)
	}
	if product.ImageURL == nil || *product.ImageURL != "https://img.example.com/widget.jpg" {
		t.Errorf("product image url = %v, want https://img.example.com/widget.jpg", product.ImageURL)
	}
}

func TestRunListing_MissingPatternRequestsGeneration(t *testing.T) {
	ctx := context.Background()

	received := make(chan []byte, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, events.NewPublisher(logger, server.URL, ""))

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, ErrPatternMissing) {
		t.Fatalf("error = %v, want ErrPatternMissing", out.Err)
	}
	if fetch.callCount() != 0 {
		t.Errorf("fetched %d times without a pattern, want 0", fetch.callCount())
	}

	got := reload(t, env.repos, listing.ID)
	if got.LastChecked == nil {
		t.Error("listing not moved to the back of the queue")
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 for a missing pattern", got.ConsecutiveFailures)
	}

	select {
	case body := <-received:
		var event events.GenerationRequested
		if err := json.Unmarshal(body, &event); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if event.Event != events.TypePatternGenerationRequested {
			t.Errorf("event type = %q, want %q", event.Event, events.TypePatternGenerationRequested)
		}
		if event.Domain != testDomain {
			t.Errorf("event domain = %q, want %q", event.Domain, testDomain)
		}
		if event.SampleURL != listing.URL {
			t.Errorf("sample url = %q, want %q", event.SampleURL, listing.URL)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("generation request event never delivered")
	}
}

func TestRunListing_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{
		{err: fetcher.ErrTimeout},
		{err: fetcher.ErrIO},
		htmlReply(productHTML("€49.99")),
	}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	out := env.orch.RunListing(ctx, listing)
	if !out.Success {
		t.Fatalf("RunListing failed after retries: %s", out.Error)
	}
	if fetch.callCount() != 3 {
		t.Errorf("fetch calls = %d, want 3", fetch.callCount())
	}

	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after recovery", got.ConsecutiveFailures)
	}

	// Retries within one cycle produce one attempt and one history row.
	rows, err := env.repos.PriceHistory.ListForListing(ctx, listing.ID, 10)
	if err != nil {
		t.Fatalf("ListForListing: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("history rows = %d, want exactly 1", len(rows))
	}
}

func TestRunListing_ExhaustedRetriesCountAsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{{err: fetcher.ErrIO}}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, fetcher.ErrIO) {
		t.Fatalf("error = %v, want ErrIO", out.Err)
	}
	if fetch.callCount() != 3 {
		t.Errorf("fetch calls = %d, want 3", fetch.callCount())
	}

	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.LastChecked == nil {
		t.Error("a completed failed cycle must advance last_checked")
	}
	if got.CurrentPrice != nil {
		t.Error("failed cycle must not set a price")
	}

	pattern, err := env.repos.Pattern.Get(ctx, testDomain)
	if err != nil {
		t.Fatalf("Pattern.Get: %v", err)
	}
	if pattern.TotalAttempts != 1 || pattern.SuccessfulAttempts != 0 {
		t.Errorf("pattern counters = %d/%d, want 0/1", pattern.SuccessfulAttempts, pattern.TotalAttempts)
	}

	prior, err := env.repos.PriceHistory.LatestForListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("LatestForListing: %v", err)
	}
	if prior != nil {
		t.Error("failed cycle must not append price history")
	}
}

func TestRunListing_CancelledFetchLeavesListingDue(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{{err: context.Canceled}}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", out.Err)
	}

	got := reload(t, env.repos, listing.ID)
	if got.LastChecked != nil {
		t.Error("an aborted cycle must not advance last_checked")
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 for an abort", got.ConsecutiveFailures)
	}

	pattern, err := env.repos.Pattern.Get(context.Background(), testDomain)
	if err != nil {
		t.Fatalf("Pattern.Get: %v", err)
	}
	if pattern.TotalAttempts != 0 {
		t.Errorf("pattern attempts = %d, want 0 for an abort", pattern.TotalAttempts)
	}
}

func TestRunListing_AbortAdvancesPoisonListing(t *testing.T) {
	ctx := context.Background()
	replies := make([]fetchReply, 0, 10)
	for i := 0; i < 9; i++ {
		replies = append(replies, fetchReply{err: fetcher.ErrIO})
	}
	replies = append(replies, fetchReply{err: context.Canceled})
	fetch := &stubFetcher{replies: replies}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	for i := 1; i <= 3; i++ {
		out := env.orch.RunListing(ctx, reload(t, env.repos, listing.ID))
		if out.Err == nil {
			t.Fatalf("run %d unexpectedly succeeded", i)
		}
	}
	if got := reload(t, env.repos, listing.ID); got.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive failures = %d, want 3 before the abort", got.ConsecutiveFailures)
	}

	// The fourth run aborts. A listing that has already burned its retry
	// budget is moved along instead of staying due forever.
	out := env.orch.RunListing(ctx, reload(t, env.repos, listing.ID))
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", out.Err)
	}
	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after the poison advance", got.ConsecutiveFailures)
	}
}

func TestRunListing_BlockedIsNotRetried(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{
		{res: &fetcher.Result{HTML: "<html>access denied</html>", StatusCode: http.StatusForbidden}, err: fetcher.ErrBlocked},
	}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, fetcher.ErrBlocked) {
		t.Fatalf("error = %v, want ErrBlocked", out.Err)
	}
	if fetch.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1: blocks must not be retried", fetch.callCount())
	}

	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.LastChecked == nil {
		t.Error("a blocked cycle must advance last_checked")
	}

	pattern, err := env.repos.Pattern.Get(ctx, testDomain)
	if err != nil {
		t.Fatalf("Pattern.Get: %v", err)
	}
	if pattern.TotalAttempts != 1 || pattern.SuccessfulAttempts != 0 {
		t.Errorf("pattern counters = %d/%d, want 0/1", pattern.SuccessfulAttempts, pattern.TotalAttempts)
	}
}

func TestRunListing_EmptyExtractionCountsAgainstPattern(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply("<html><body><p>nothing for sale here</p></body></html>")}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, ErrExtractionEmpty) {
		t.Fatalf("error = %v, want ErrExtractionEmpty", out.Err)
	}

	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.LastChecked == nil {
		t.Error("empty extraction should advance last_checked")
	}

	pattern, err := env.repos.Pattern.Get(ctx, testDomain)
	if err != nil {
		t.Fatalf("Pattern.Get: %v", err)
	}
	if pattern.TotalAttempts != 1 || pattern.SuccessfulAttempts != 0 {
		t.Errorf("pattern counters = %d/%d, want 0/1", pattern.SuccessfulAttempts, pattern.TotalAttempts)
	}

	hist, err := env.repos.PriceHistory.LatestForListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("LatestForListing: %v", err)
	}
	if hist != nil {
		t.Error("failed extraction must not record history")
	}
}

func TestRunListing_LowConfidenceFailsValidation(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	weak := `{
		"store_domain": "shop.example.com",
		"patterns": {
			"price": {"primary": {"type": "css", "selector": ".price", "confidence": 0.3}},
			"title": {"primary": {"type": "css", "selector": "h1", "confidence": 0.9}}
		}
	}`
	commitPattern(t, env.repos, weak)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, ErrValidationFailed) {
		t.Fatalf("error = %v, want ErrValidationFailed", out.Err)
	}

	got := reload(t, env.repos, listing.ID)
	if got.CurrentPrice != nil {
		t.Error("rejected extraction must not update the price")
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", got.ConsecutiveFailures)
	}

	hist, err := env.repos.PriceHistory.LatestForListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("LatestForListing: %v", err)
	}
	if hist != nil {
		t.Error("rejected extraction must not record history")
	}
}

func TestRunListing_LargePriceSwingIsWarnedButKept(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{
		htmlReply(productHTML("€100.00")),
		htmlReply(productHTML("€400.00")),
	}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	if out := env.orch.RunListing(ctx, listing); !out.Success {
		t.Fatalf("first run failed: %s", out.Error)
	}
	if out := env.orch.RunListing(ctx, reload(t, env.repos, listing.ID)); !out.Success {
		t.Fatalf("second run failed: %s", out.Error)
	}

	got := reload(t, env.repos, listing.ID)
	if got.CurrentPrice == nil || *got.CurrentPrice != 400 {
		t.Errorf("current price = %v, want 400", got.CurrentPrice)
	}
	points, err := env.repos.PriceHistory.ListForListing(ctx, listing.ID, 10)
	if err != nil {
		t.Fatalf("ListForListing: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("history points = %d, want 2", len(points))
	}
}

func TestRunListing_CurrencyFallsBackToStoreHint(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	hint := "USD"
	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", &hint)
	commitPattern(t, env.repos, testPatternJSON)

	if out := env.orch.RunListing(ctx, listing); !out.Success {
		t.Fatalf("RunListing failed: %s", out.Error)
	}

	got := reload(t, env.repos, listing.ID)
	if got.Currency == nil || *got.Currency != "USD" {
		t.Errorf("currency = %v, want USD from store hint", got.Currency)
	}
}

func TestRunListing_PriceDropNotifiesSubscriber(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{
		htmlReply(productHTML("€100.00")),
		htmlReply(productHTML("€79.00")),
	}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	now := time.Now().UTC()
	sub := &models.UserSubscription{
		ID:           ulid.Make().String(),
		UserID:       "user-1",
		ProductID:    listing.ProductID,
		Priority:     models.PriorityNormal,
		NotifyOnDrop: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := env.repos.Subscription.Upsert(ctx, sub); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	if out := env.orch.RunListing(ctx, listing); !out.Success {
		t.Fatalf("first run failed: %s", out.Error)
	}
	if out := env.orch.RunListing(ctx, reload(t, env.repos, listing.ID)); !out.Success {
		t.Fatalf("second run failed: %s", out.Error)
	}

	notifs, err := env.repos.Notification.ListByUser(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifs))
	}
	n := notifs[0]
	if n.Type != models.NotificationPriceDrop {
		t.Errorf("type = %q, want %q", n.Type, models.NotificationPriceDrop)
	}
	if n.OldPrice == nil || *n.OldPrice != 100 {
		t.Errorf("old price = %v, want 100", n.OldPrice)
	}
	if n.NewPrice == nil || *n.NewPrice != 79 {
		t.Errorf("new price = %v, want 79", n.NewPrice)
	}
}

func TestRunListing_MalformedURL(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	listing.URL = "://not-a-url"

	out := env.orch.RunListing(ctx, listing)
	if out.Err == nil {
		t.Fatal("expected an error for a malformed url")
	}
	if fetch.callCount() != 0 {
		t.Errorf("fetch calls = %d, want 0", fetch.callCount())
	}

	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.LastChecked == nil {
		t.Error("malformed url should advance last_checked, retrying cannot help")
	}
}

func TestRunListing_CorruptStoredPattern(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, `{"store_domain": "shop.example.com", "patterns": {}}`)

	out := env.orch.RunListing(ctx, listing)
	if !errors.Is(out.Err, ErrPatternMissing) {
		t.Fatalf("error = %v, want ErrPatternMissing for a corrupt pattern", out.Err)
	}
	if fetch.callCount() != 0 {
		t.Errorf("fetch calls = %d, want 0", fetch.callCount())
	}

	got := reload(t, env.repos, listing.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", got.ConsecutiveFailures)
	}
	if got.LastChecked == nil {
		t.Error("corrupt pattern should advance last_checked")
	}
}

func TestRunListing_BackfillsPlaceholderProductName(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	// Tracking seeds the product name with the URL base until a check runs.
	product, err := env.repos.Product.GetByID(ctx, listing.ProductID)
	if err != nil {
		t.Fatalf("failed to load product: %v", err)
	}
	product.CanonicalName = listing.URLBase
	if err := env.repos.Product.Update(ctx, product); err != nil {
		t.Fatalf("failed to update product: %v", err)
	}

	if out := env.orch.RunListing(ctx, listing); !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}

	product, err = env.repos.Product.GetByID(ctx, listing.ProductID)
	if err != nil {
		t.Fatalf("failed to reload product: %v", err)
	}
	if product.CanonicalName != "Acme Widget" {
		t.Errorf("canonical name = %q, want extracted title", product.CanonicalName)
	}
}

func TestRunListing_KeepsCustomProductName(t *testing.T) {
	ctx := context.Background()
	fetch := &stubFetcher{replies: []fetchReply{htmlReply(productHTML("€49.99"))}}
	env := setupOrchestrator(t, fetch, nil)

	listing := seedCatalog(t, env.repos, "https://shop.example.com/p/1", nil)
	commitPattern(t, env.repos, testPatternJSON)

	if out := env.orch.RunListing(ctx, listing); !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}

	product, err := env.repos.Product.GetByID(ctx, listing.ProductID)
	if err != nil {
		t.Fatalf("failed to reload product: %v", err)
	}
	if product.CanonicalName != "Acme Widget" {
		t.Errorf("canonical name = %q, want seeded name untouched", product.CanonicalName)
	}
}
