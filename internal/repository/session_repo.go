package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/models"
)

// SQLiteSessionRepository implements SessionRepository for SQLite.
type SQLiteSessionRepository struct {
	db *sql.DB
}

// NewSQLiteSessionRepository creates a new SQLite session repository.
func NewSQLiteSessionRepository(db *sql.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

func (r *SQLiteSessionRepository) Get(ctx context.Context, domain string) (*models.DomainSession, error) {
	query := `SELECT domain, cookies_enc, updated_at FROM domain_sessions WHERE domain = ?`

	var s models.DomainSession
	var updatedAt string
	err := r.db.QueryRowContext(ctx, query, domain).Scan(&s.Domain, &s.CookiesEnc, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan domain session: %w", err)
	}

	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

func (r *SQLiteSessionRepository) Put(ctx context.Context, domain, cookiesEnc string) error {
	query := `
		INSERT INTO domain_sessions (domain, cookies_enc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			cookies_enc = excluded.cookies_enc,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, domain, cookiesEnc, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert domain session: %w", err)
	}
	return nil
}
