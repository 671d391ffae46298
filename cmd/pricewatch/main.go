// Command pricewatch is the operator CLI: one-off fetch runs and pattern
// maintenance against the same database the daemon uses.
//
// Usage:
//
//	pricewatch fetch --all
//	pricewatch fetch --listing <id>
//	pricewatch fetch --product <id>
//	pricewatch activate-latest-extractors [--dry-run] [--ignore-rollbacks]
//	pricewatch backfill-extractor-stats [--dry-run]
//	pricewatch --version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/crypto"
	"github.com/pricewatch/pricewatch/internal/database"
	"github.com/pricewatch/pricewatch/internal/events"
	"github.com/pricewatch/pricewatch/internal/fetcher"
	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/notifier"
	"github.com/pricewatch/pricewatch/internal/orchestrator"
	"github.com/pricewatch/pricewatch/internal/ratelimit"
	"github.com/pricewatch/pricewatch/internal/repository"
	"github.com/pricewatch/pricewatch/internal/service"
	"github.com/pricewatch/pricewatch/internal/storage"
	"github.com/pricewatch/pricewatch/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return 2
	}
	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Println(version.Get().String())
		return 0
	}

	logger := logging.SetDefault()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(db); err != nil {
		logger.Error("failed to run migrations", "error", err)
		return 1
	}
	repos := repository.NewRepositories(db)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	publisher := events.NewPublisher(logger, cfg.GeneratorWebhookURL, cfg.GeneratorWebhookSecret)
	lc := lifecycle.NewManager(repos.Pattern, publisher, logger)

	switch os.Args[1] {
	case "fetch":
		return runFetch(ctx, os.Args[2:], cfg, repos, publisher, logger)
	case "activate-latest-extractors":
		return runActivateLatest(ctx, os.Args[2:], lc, logger)
	case "backfill-extractor-stats":
		return runBackfillStats(ctx, os.Args[2:], lc, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  pricewatch fetch --all | --listing <id> | --product <id>
  pricewatch activate-latest-extractors [--dry-run] [--ignore-rollbacks]
  pricewatch backfill-extractor-stats [--dry-run]
  pricewatch --version
`)
}

func runFetch(ctx context.Context, args []string, cfg *config.Config, repos *repository.Repositories, publisher *events.Publisher, logger *slog.Logger) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	all := fs.Bool("all", false, "check every active listing")
	listingID := fs.String("listing", "", "check one listing by id")
	productID := fs.String("product", "", "check every listing of one product")
	fs.Parse(args)

	targets := 0
	for _, set := range []bool{*all, *listingID != "", *productID != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		fmt.Fprintln(os.Stderr, "fetch needs exactly one of --all, --listing, --product")
		return 2
	}

	sealer, err := crypto.NewSealer(cfg.SessionKey)
	if err != nil {
		logger.Error("failed to create session sealer", "error", err)
		return 1
	}
	store, err := storage.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize object storage", "error", err)
		return 1
	}

	pool := fetcher.NewPool(cfg, logger)
	defer pool.Close()
	if err := pool.Warmup(ctx, 0); err != nil {
		logger.Error("browser warmup failed", "error", err)
		return 1
	}

	limiter := ratelimit.New(cfg.RequestDelay, cfg.DomainDelays)
	evaluator := notifier.NewEvaluator(repos.Subscription, repos.Notification, logger)
	pageFetcher := fetcher.New(pool, cfg, repos.Session, sealer, logger)
	orch := orchestrator.New(pageFetcher, repos, limiter, store, publisher, evaluator, cfg, logger)
	svc := service.NewFetchService(repos, orch, logger)

	var summary *service.BatchSummary
	switch {
	case *all:
		summary, err = svc.FetchAll(ctx)
	case *listingID != "":
		summary, err = svc.FetchListing(ctx, *listingID)
	default:
		summary, err = svc.FetchProduct(ctx, *productID)
	}
	if err != nil {
		logger.Error("fetch failed", "error", err)
		return 1
	}

	for _, out := range summary.Outcomes {
		if out.Success {
			fmt.Printf("ok   %s (%dms)\n", out.ListingID, out.DurationMS)
		} else {
			fmt.Printf("fail %s (%dms): %s\n", out.ListingID, out.DurationMS, out.Error)
		}
	}
	fmt.Printf("checked %d listings: %d ok, %d failed\n", summary.Total, summary.Success, summary.Failed)

	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func runActivateLatest(ctx context.Context, args []string, lc *lifecycle.Manager, logger *slog.Logger) int {
	fs := flag.NewFlagSet("activate-latest-extractors", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "report what would change without writing")
	ignoreRollbacks := fs.Bool("ignore-rollbacks", false, "activate even over a recent rollback pin")
	fs.Parse(args)

	report, err := lc.ActivateLatest(ctx, *dryRun, *ignoreRollbacks)
	if err != nil {
		logger.Error("activation sweep failed", "error", err)
		return 1
	}

	prefix := ""
	if report.DryRun {
		prefix = "[dry-run] "
	}
	fmt.Printf("%s%d domains: %d activated, %d unchanged, %d skipped\n",
		prefix, report.Domains, report.Activated, report.Unchanged, report.Skipped)
	for _, err := range report.Errors {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if len(report.Errors) > 0 {
		return 1
	}
	return 0
}

func runBackfillStats(ctx context.Context, args []string, lc *lifecycle.Manager, logger *slog.Logger) int {
	fs := flag.NewFlagSet("backfill-extractor-stats", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "report what would change without writing")
	fs.Parse(args)

	report, err := lc.BackfillStats(ctx, *dryRun)
	if err != nil {
		logger.Error("stats backfill failed", "error", err)
		return 1
	}

	prefix := ""
	if report.DryRun {
		prefix = "[dry-run] "
	}
	fmt.Printf("%srecomputed stats for %d versions\n", prefix, report.Versions)
	return 0
}
