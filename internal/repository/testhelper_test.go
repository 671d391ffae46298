package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/pricewatch/pricewatch/internal/database/migrations"
	"github.com/pricewatch/pricewatch/internal/models"
)

// setupTestDB creates an in-memory SQLite database for testing.
// It runs migrations and returns a database connection that will be cleaned up
// when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
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

	return db
}

// setupTestRepos creates all repositories using a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return NewRepositories(setupTestDB(t))
}

// insertTestStore inserts a store row directly and returns its ID.
func insertTestStore(t *testing.T, db *sql.DB, domain string) string {
	t.Helper()
	id := ulid.Make().String()
	query := `
		INSERT INTO stores (id, domain, active, created_at, updated_at)
		VALUES (?, ?, 1, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, domain); err != nil {
		t.Fatalf("failed to insert test store: %v", err)
	}
	return id
}

// insertTestProduct inserts a product row directly and returns its ID.
func insertTestProduct(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	id := ulid.Make().String()
	query := `
		INSERT INTO products (id, canonical_name, created_at, updated_at)
		VALUES (?, ?, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, name); err != nil {
		t.Fatalf("failed to insert test product: %v", err)
	}
	return id
}

// insertTestListing inserts an active listing and returns its ID.
func insertTestListing(t *testing.T, db *sql.DB, productID, storeID, urlBase string) string {
	t.Helper()
	id := ulid.Make().String()
	query := `
		INSERT INTO product_listings (id, product_id, store_id, url, url_base, available, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 1, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, productID, storeID, urlBase, urlBase); err != nil {
		t.Fatalf("failed to insert test listing: %v", err)
	}
	return id
}

// insertTestSubscription inserts an active subscription and returns its ID.
func insertTestSubscription(t *testing.T, db *sql.DB, userID, productID string, priority models.Priority) string {
	t.Helper()
	id := ulid.Make().String()
	query := `
		INSERT INTO user_subscriptions (id, user_id, product_id, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, userID, productID, int(priority)); err != nil {
		t.Fatalf("failed to insert test subscription: %v", err)
	}
	return id
}

// setLastChecked stamps a listing's last_checked directly.
func setLastChecked(t *testing.T, db *sql.DB, listingID string, at time.Time) {
	t.Helper()
	if _, err := db.Exec(`UPDATE product_listings SET last_checked = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), listingID); err != nil {
		t.Fatalf("failed to set last_checked: %v", err)
	}
}

// insertTestHistory inserts a price history row with an explicit timestamp.
func insertTestHistory(t *testing.T, db *sql.DB, listingID string, price float64, at time.Time) string {
	t.Helper()
	id := ulid.Make().String()
	query := `
		INSERT INTO price_history (id, listing_id, price, available, recorded_at, extraction_method, confidence)
		VALUES (?, ?, ?, 1, ?, 'css', 0.9)
	`
	if _, err := db.Exec(query, id, listingID, price, at.UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("failed to insert test history row: %v", err)
	}
	return id
}
