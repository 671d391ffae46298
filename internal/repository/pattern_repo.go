package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLitePatternRepository implements PatternRepository for SQLite.
type SQLitePatternRepository struct {
	db *sql.DB
}

// NewSQLitePatternRepository creates a new SQLite pattern repository.
func NewSQLitePatternRepository(db *sql.DB) *SQLitePatternRepository {
	return &SQLitePatternRepository{db: db}
}

const patternColumns = `id, domain, pattern_json, last_validated, total_attempts, successful_attempts,
	success_rate, last_rollback_at, last_flagged_at, created_at, updated_at`

const versionColumns = `id, domain, version_number, pattern_json, content_digest, is_active,
	change_reason, change_type, total_attempts, successful_attempts, success_rate, created_at`

func (r *SQLitePatternRepository) Get(ctx context.Context, domain string) (*models.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE domain = ?`
	return scanPattern(r.db.QueryRowContext(ctx, query, domain))
}

func (r *SQLitePatternRepository) GetActiveVersion(ctx context.Context, domain string) (*models.PatternVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM pattern_versions WHERE domain = ? AND is_active = 1`
	return scanVersion(r.db.QueryRowContext(ctx, query, domain))
}

func (r *SQLitePatternRepository) GetVersion(ctx context.Context, domain string, versionNumber int) (*models.PatternVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM pattern_versions WHERE domain = ? AND version_number = ?`
	return scanVersion(r.db.QueryRowContext(ctx, query, domain, versionNumber))
}

func (r *SQLitePatternRepository) LatestVersion(ctx context.Context, domain string) (*models.PatternVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM pattern_versions WHERE domain = ? ORDER BY version_number DESC LIMIT 1`
	return scanVersion(r.db.QueryRowContext(ctx, query, domain))
}

func (r *SQLitePatternRepository) ListVersions(ctx context.Context, domain string) ([]*models.PatternVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM pattern_versions WHERE domain = ? ORDER BY version_number DESC`
	rows, err := r.db.QueryContext(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.PatternVersion
	for rows.Next() {
		v, err := scanVersionFromRows(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r *SQLitePatternRepository) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT domain FROM pattern_versions ORDER BY domain ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func (r *SQLitePatternRepository) CommitVersion(ctx context.Context, domain, patternJSON, reason string, changeType models.ChangeType) (*models.PatternVersion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM pattern_versions WHERE domain = ?`, domain,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next version number: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pattern_versions SET is_active = 0 WHERE domain = ? AND is_active = 1`, domain,
	); err != nil {
		return nil, fmt.Errorf("failed to deactivate current version: %w", err)
	}

	now := time.Now().UTC()
	version := &models.PatternVersion{
		ID:            ulid.Make().String(),
		Domain:        domain,
		VersionNumber: next,
		PatternJSON:   patternJSON,
		ContentDigest: contentDigest(patternJSON),
		IsActive:      true,
		ChangeReason:  reason,
		ChangeType:    changeType,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pattern_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, 1, ?, ?, 0, 0, 0, ?)`,
		version.ID, version.Domain, version.VersionNumber, version.PatternJSON,
		version.ContentDigest, nullString(version.ChangeReason), string(version.ChangeType),
		now.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("failed to insert pattern version: %w", err)
	}

	// A fresh version starts with clean counters. Committing also clears
	// the rollback pin and any health flag.
	nowStr := now.Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patterns (id, domain, pattern_json, last_validated, total_attempts, successful_attempts,
			success_rate, last_rollback_at, last_flagged_at, created_at, updated_at)
		VALUES (?, ?, ?, NULL, 0, 0, 0, NULL, NULL, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			pattern_json = excluded.pattern_json,
			last_validated = NULL,
			total_attempts = 0,
			successful_attempts = 0,
			success_rate = 0,
			last_rollback_at = NULL,
			last_flagged_at = NULL,
			updated_at = excluded.updated_at
	`, ulid.Make().String(), domain, patternJSON, nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("failed to upsert pattern: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return version, nil
}

func (r *SQLitePatternRepository) ActivateVersion(ctx context.Context, domain string, versionNumber int, markRollback bool) (*models.PatternVersion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	target, err := scanVersion(tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM pattern_versions WHERE domain = ? AND version_number = ?`,
		domain, versionNumber,
	))
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}

	if !target.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pattern_versions SET is_active = 0 WHERE domain = ? AND is_active = 1`, domain,
		); err != nil {
			return nil, fmt.Errorf("failed to deactivate current version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pattern_versions SET is_active = 1 WHERE id = ?`, target.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to activate version: %w", err)
		}
		target.IsActive = true
	}

	// The mutable row inherits the activated version's counters so the
	// health sweep judges the pattern that is actually in use.
	nowStr := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patterns (id, domain, pattern_json, last_validated, total_attempts, successful_attempts,
			success_rate, last_rollback_at, last_flagged_at, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			pattern_json = excluded.pattern_json,
			total_attempts = excluded.total_attempts,
			successful_attempts = excluded.successful_attempts,
			success_rate = excluded.success_rate,
			last_rollback_at = CASE WHEN ? THEN excluded.last_rollback_at ELSE last_rollback_at END,
			updated_at = excluded.updated_at
	`, ulid.Make().String(), domain, target.PatternJSON,
		target.TotalAttempts, target.SuccessfulAttempts, target.SuccessRate,
		rollbackStamp(markRollback, nowStr), nowStr, nowStr,
		boolToInt(markRollback),
	); err != nil {
		return nil, fmt.Errorf("failed to upsert pattern: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return target, nil
}

func (r *SQLitePatternRepository) RecordAttempt(ctx context.Context, domain string, success bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := recordAttemptTx(ctx, tx, domain, success, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *SQLitePatternRepository) Unhealthy(ctx context.Context, minAttempts int, maxRate float64, flaggedBefore time.Time) ([]*models.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns
		WHERE total_attempts >= ? AND success_rate < ?
		AND (last_flagged_at IS NULL OR last_flagged_at < ?)`
	rows, err := r.db.QueryContext(ctx, query, minAttempts, maxRate, flaggedBefore.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query unhealthy patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*models.Pattern
	for rows.Next() {
		p, err := scanPatternFromRows(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func (r *SQLitePatternRepository) MarkFlagged(ctx context.Context, domain string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE patterns SET last_flagged_at = ?, updated_at = ? WHERE domain = ?`,
		at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), domain,
	)
	if err != nil {
		return fmt.Errorf("failed to mark pattern flagged: %w", err)
	}
	return nil
}

func (r *SQLitePatternRepository) VersionStatsFromHistory(ctx context.Context) ([]VersionStat, error) {
	// Listings remember which version produced their last successful
	// extraction; history rows recorded through a listing are attributed
	// to that version.
	query := `
		SELECT pv.id,
			COUNT(ph.id),
			COALESCE(SUM(CASE WHEN ph.price > 0 THEN 1 ELSE 0 END), 0)
		FROM pattern_versions pv
		JOIN product_listings pl ON pl.extractor_version_id = pv.id
		JOIN price_history ph ON ph.listing_id = pl.id
		GROUP BY pv.id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute version stats: %w", err)
	}
	defer rows.Close()

	var stats []VersionStat
	for rows.Next() {
		var s VersionStat
		if err := rows.Scan(&s.VersionID, &s.Attempts, &s.Successful); err != nil {
			return nil, fmt.Errorf("failed to scan version stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (r *SQLitePatternRepository) ApplyVersionStats(ctx context.Context, stats []VersionStat) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, s := range stats {
		rate := 0.0
		if s.Attempts > 0 {
			rate = float64(s.Successful) / float64(s.Attempts)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pattern_versions SET total_attempts = ?, successful_attempts = ?, success_rate = ? WHERE id = ?`,
			s.Attempts, s.Successful, rate, s.VersionID,
		); err != nil {
			return fmt.Errorf("failed to apply version stats: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func rollbackStamp(mark bool, now string) sql.NullString {
	if !mark {
		return sql.NullString{}
	}
	return sql.NullString{String: now, Valid: true}
}

func contentDigest(patternJSON string) string {
	sum := sha256.Sum256([]byte(patternJSON))
	return hex.EncodeToString(sum[:])[:16]
}

func scanPattern(row *sql.Row) (*models.Pattern, error) {
	var p models.Pattern
	var lastValidated, lastRollbackAt, lastFlaggedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Domain, &p.PatternJSON, &lastValidated,
		&p.TotalAttempts, &p.SuccessfulAttempts, &p.SuccessRate,
		&lastRollbackAt, &lastFlaggedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pattern: %w", err)
	}

	p.LastValidated = parseNullTime(lastValidated)
	p.LastRollbackAt = parseNullTime(lastRollbackAt)
	p.LastFlaggedAt = parseNullTime(lastFlaggedAt)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func scanPatternFromRows(rows *sql.Rows) (*models.Pattern, error) {
	var p models.Pattern
	var lastValidated, lastRollbackAt, lastFlaggedAt sql.NullString
	var createdAt, updatedAt string

	err := rows.Scan(&p.ID, &p.Domain, &p.PatternJSON, &lastValidated,
		&p.TotalAttempts, &p.SuccessfulAttempts, &p.SuccessRate,
		&lastRollbackAt, &lastFlaggedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pattern: %w", err)
	}

	p.LastValidated = parseNullTime(lastValidated)
	p.LastRollbackAt = parseNullTime(lastRollbackAt)
	p.LastFlaggedAt = parseNullTime(lastFlaggedAt)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func scanVersion(row *sql.Row) (*models.PatternVersion, error) {
	var v models.PatternVersion
	var isActive int
	var changeReason sql.NullString
	var changeType, createdAt string

	err := row.Scan(&v.ID, &v.Domain, &v.VersionNumber, &v.PatternJSON, &v.ContentDigest,
		&isActive, &changeReason, &changeType,
		&v.TotalAttempts, &v.SuccessfulAttempts, &v.SuccessRate, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pattern version: %w", err)
	}

	v.IsActive = isActive != 0
	v.ChangeReason = changeReason.String
	v.ChangeType = models.ChangeType(changeType)
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}

func scanVersionFromRows(rows *sql.Rows) (*models.PatternVersion, error) {
	var v models.PatternVersion
	var isActive int
	var changeReason sql.NullString
	var changeType, createdAt string

	err := rows.Scan(&v.ID, &v.Domain, &v.VersionNumber, &v.PatternJSON, &v.ContentDigest,
		&isActive, &changeReason, &changeType,
		&v.TotalAttempts, &v.SuccessfulAttempts, &v.SuccessRate, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pattern version: %w", err)
	}

	v.IsActive = isActive != 0
	v.ChangeReason = changeReason.String
	v.ChangeType = models.ChangeType(changeType)
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}
