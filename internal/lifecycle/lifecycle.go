// Package lifecycle manages extraction patterns over their whole life:
// requesting generation for new domains, committing versions, rolling back,
// bulk activation sweeps, stats backfills, and health flagging.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pricewatch/pricewatch/internal/events"
	"github.com/pricewatch/pricewatch/internal/extractor"
	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/repository"
)

// ErrInvalidPattern marks a pattern JSON that failed validation, as
// opposed to a storage problem.
var ErrInvalidPattern = errors.New("invalid pattern")

const (
	// Health flagging thresholds. A pattern needs a body of evidence
	// before it can be called unhealthy.
	healthMinAttempts = 10
	healthMaxRate     = 0.6

	// flagWindow limits how often the same domain is flagged.
	flagWindow = 24 * time.Hour

	// rollbackPinWindow keeps activation sweeps away from domains an
	// operator recently rolled back.
	rollbackPinWindow = 7 * 24 * time.Hour
)

// Manager owns pattern lifecycle operations.
type Manager struct {
	patterns repository.PatternRepository
	events   *events.Publisher
	logger   *slog.Logger
}

// NewManager creates a pattern lifecycle manager.
func NewManager(patterns repository.PatternRepository, publisher *events.Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		patterns: patterns,
		events:   publisher,
		logger:   logger.With("component", "lifecycle"),
	}
}

// EnsurePattern returns the stored pattern for domain if one exists.
// Otherwise it asks the external generator for one and returns nil; the
// caller carries on without a pattern until a version is committed.
func (m *Manager) EnsurePattern(ctx context.Context, domain, sampleURL string) (*models.Pattern, error) {
	pattern, err := m.patterns.Get(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern: %w", err)
	}
	if pattern != nil {
		return pattern, nil
	}

	m.events.PublishGenerationRequested(ctx, domain, sampleURL)
	m.logger.Info("pattern generation requested", "domain", domain, "sample_url", sampleURL)
	return nil, nil
}

// Pattern returns the stored pattern for domain with its active version.
// Both are nil when the domain is unknown; the version alone may be nil
// right after a rollback race.
func (m *Manager) Pattern(ctx context.Context, domain string) (*models.Pattern, *models.PatternVersion, error) {
	pattern, err := m.patterns.Get(ctx, domain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load pattern: %w", err)
	}
	if pattern == nil {
		return nil, nil, nil
	}
	version, err := m.patterns.GetActiveVersion(ctx, domain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active version: %w", err)
	}
	return pattern, version, nil
}

// Versions lists every version for domain, newest first.
func (m *Manager) Versions(ctx context.Context, domain string) ([]*models.PatternVersion, error) {
	versions, err := m.patterns.ListVersions(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// CommitNewVersion validates and commits a new pattern version for domain.
// The new version becomes active and any rollback pin is cleared.
func (m *Manager) CommitNewVersion(ctx context.Context, domain, patternJSON, reason string, changeType models.ChangeType) (*models.PatternVersion, error) {
	if _, err := extractor.ParsePattern(patternJSON); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	version, err := m.patterns.CommitVersion(ctx, domain, patternJSON, reason, changeType)
	if err != nil {
		return nil, fmt.Errorf("failed to commit pattern version: %w", err)
	}

	m.logger.Info("committed pattern version",
		"domain", domain,
		"version", version.VersionNumber,
		"digest", version.ContentDigest,
		"change_type", changeType,
	)
	return version, nil
}

// Rollback re-activates an earlier version and pins the domain so
// activation sweeps leave it alone. Returns nil when the version does not
// exist.
func (m *Manager) Rollback(ctx context.Context, domain string, versionNumber int) (*models.PatternVersion, error) {
	version, err := m.patterns.ActivateVersion(ctx, domain, versionNumber, true)
	if err != nil {
		return nil, fmt.Errorf("failed to roll back pattern: %w", err)
	}
	if version == nil {
		return nil, nil
	}

	m.logger.Info("rolled back pattern",
		"domain", domain,
		"version", version.VersionNumber,
		"digest", version.ContentDigest,
	)
	return version, nil
}

// ActivationReport summarizes an ActivateLatest sweep.
type ActivationReport struct {
	Domains   int  `json:"domains"`
	Activated int  `json:"activated"`
	Unchanged int  `json:"unchanged"`
	Skipped   int  `json:"skipped"`
	DryRun    bool `json:"dry_run"`

	Errors []error `json:"-"`
}

// ActivateLatest makes the newest version the active one for every domain.
// Domains rolled back within the pin window are skipped unless
// ignoreRollbacks is set. Running it twice is a no-op the second time.
func (m *Manager) ActivateLatest(ctx context.Context, dryRun, ignoreRollbacks bool) (*ActivationReport, error) {
	domains, err := m.patterns.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern domains: %w", err)
	}

	report := &ActivationReport{Domains: len(domains), DryRun: dryRun}
	pinnedAfter := time.Now().Add(-rollbackPinWindow)

	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !ignoreRollbacks {
			pattern, err := m.patterns.Get(ctx, domain)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("%s: %w", domain, err))
				continue
			}
			if pattern != nil && pattern.LastRollbackAt != nil && pattern.LastRollbackAt.After(pinnedAfter) {
				m.logger.Info("skipping recently rolled-back domain",
					"domain", domain,
					"rolled_back_at", pattern.LastRollbackAt.Format(time.RFC3339),
				)
				report.Skipped++
				continue
			}
		}

		latest, err := m.patterns.LatestVersion(ctx, domain)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", domain, err))
			continue
		}
		if latest == nil {
			continue
		}
		if latest.IsActive {
			report.Unchanged++
			continue
		}

		if dryRun {
			m.logger.Info("would activate latest version", "domain", domain, "version", latest.VersionNumber)
			report.Activated++
			continue
		}

		if _, err := m.patterns.ActivateVersion(ctx, domain, latest.VersionNumber, false); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", domain, err))
			continue
		}
		m.logger.Info("activated latest version", "domain", domain, "version", latest.VersionNumber)
		report.Activated++
	}

	return report, nil
}

// BackfillReport summarizes a BackfillStats sweep.
type BackfillReport struct {
	Versions int  `json:"versions"`
	DryRun   bool `json:"dry_run"`
}

// BackfillStats recomputes per-version attempt counters from recorded
// price history and writes them back. Useful after restoring a database or
// importing history. Idempotent.
func (m *Manager) BackfillStats(ctx context.Context, dryRun bool) (*BackfillReport, error) {
	stats, err := m.patterns.VersionStatsFromHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute version stats: %w", err)
	}

	report := &BackfillReport{Versions: len(stats), DryRun: dryRun}

	if dryRun {
		for _, s := range stats {
			m.logger.Info("would backfill version stats",
				"version_id", s.VersionID,
				"attempts", s.Attempts,
				"successful", s.Successful,
			)
		}
		return report, nil
	}

	if err := m.patterns.ApplyVersionStats(ctx, stats); err != nil {
		return nil, fmt.Errorf("failed to apply version stats: %w", err)
	}

	m.logger.Info("backfilled version stats", "versions", len(stats))
	return report, nil
}

// HealthSweep flags domains whose pattern keeps failing so the generator
// or an operator can refresh it. Each domain is flagged at most once per
// flag window. Returns the number of domains flagged.
func (m *Manager) HealthSweep(ctx context.Context) (int, error) {
	unhealthy, err := m.patterns.Unhealthy(ctx, healthMinAttempts, healthMaxRate, time.Now().Add(-flagWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to find unhealthy patterns: %w", err)
	}

	flagged := 0
	for _, pattern := range unhealthy {
		if err := m.patterns.MarkFlagged(ctx, pattern.Domain, time.Now()); err != nil {
			m.logger.Error("failed to mark pattern flagged", "domain", pattern.Domain, "error", err)
			continue
		}

		m.events.PublishHealthFlagged(ctx, pattern.Domain, pattern.SuccessRate, pattern.TotalAttempts)
		m.logger.Warn("pattern health flagged",
			"domain", pattern.Domain,
			"success_rate", pattern.SuccessRate,
			"attempts", pattern.TotalAttempts,
		)
		flagged++
	}

	return flagged, nil
}
