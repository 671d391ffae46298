package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250901-000000",
		Description: "Initial schema",
		Up: []string{
			// Stores - one row per tracked e-commerce domain
			`CREATE TABLE IF NOT EXISTS stores (
				id TEXT PRIMARY KEY,
				domain TEXT UNIQUE NOT NULL,
				active INTEGER NOT NULL DEFAULT 1,
				rate_limit_seconds REAL,
				currency_hint TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			// Patterns - the active extraction recipe per domain with
			// running aggregate stats (denormalized success_rate)
			`CREATE TABLE IF NOT EXISTS patterns (
				id TEXT PRIMARY KEY,
				domain TEXT UNIQUE NOT NULL,
				pattern_json TEXT NOT NULL,
				last_validated TEXT,
				total_attempts INTEGER NOT NULL DEFAULT 0,
				successful_attempts INTEGER NOT NULL DEFAULT 0,
				success_rate REAL NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			// Pattern versions - immutable history; at most one active per domain
			`CREATE TABLE IF NOT EXISTS pattern_versions (
				id TEXT PRIMARY KEY,
				domain TEXT NOT NULL,
				version_number INTEGER NOT NULL,
				pattern_json TEXT NOT NULL,
				content_digest TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 0,
				change_reason TEXT,
				change_type TEXT NOT NULL,
				total_attempts INTEGER NOT NULL DEFAULT 0,
				successful_attempts INTEGER NOT NULL DEFAULT 0,
				success_rate REAL NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				UNIQUE(domain, version_number)
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_pattern_versions_active ON pattern_versions(domain) WHERE is_active = 1`,
			`CREATE INDEX IF NOT EXISTS idx_pattern_versions_domain ON pattern_versions(domain)`,

			// Products - logical items; a product may be listed at several stores
			`CREATE TABLE IF NOT EXISTS products (
				id TEXT PRIMARY KEY,
				canonical_name TEXT NOT NULL,
				brand TEXT,
				ean TEXT,
				upc TEXT,
				isbn TEXT,
				image_url TEXT,
				subscriber_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			// Listings - a (product, store) pair with a concrete URL;
			// url_base is the normalized URL used for identity
			`CREATE TABLE IF NOT EXISTS product_listings (
				id TEXT PRIMARY KEY,
				product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
				store_id TEXT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
				url TEXT NOT NULL,
				url_base TEXT NOT NULL,
				current_price REAL,
				currency TEXT,
				available INTEGER NOT NULL DEFAULT 0,
				last_checked TEXT,
				last_available TEXT,
				extractor_version_id TEXT REFERENCES pattern_versions(id),
				active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_store_url_base ON product_listings(store_id, url_base) WHERE active = 1`,
			`CREATE INDEX IF NOT EXISTS idx_listings_last_checked ON product_listings(last_checked)`,
			`CREATE INDEX IF NOT EXISTS idx_listings_product_id ON product_listings(product_id)`,

			// Price history - append-only observations per listing
			`CREATE TABLE IF NOT EXISTS price_history (
				id TEXT PRIMARY KEY,
				listing_id TEXT NOT NULL REFERENCES product_listings(id) ON DELETE CASCADE,
				price REAL NOT NULL,
				currency TEXT,
				available INTEGER NOT NULL DEFAULT 1,
				recorded_at TEXT NOT NULL,
				extraction_method TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history(listing_id, recorded_at DESC)`,

			// Subscriptions - user interest in a product; soft delete via active
			// user_id is issued by the external auth layer (no FK)
			`CREATE TABLE IF NOT EXISTS user_subscriptions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
				priority INTEGER NOT NULL DEFAULT 2,
				target_price REAL,
				notify_on_drop INTEGER NOT NULL DEFAULT 1,
				notify_on_restock INTEGER NOT NULL DEFAULT 0,
				notify_on_target INTEGER NOT NULL DEFAULT 0,
				active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(user_id, product_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_subscriptions_product ON user_subscriptions(product_id)`,
			`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON user_subscriptions(user_id)`,

			// Notifications - user-visible events with a 24h dedup window
			// queried over (user_id, product_id, type, created_at)
			`CREATE TABLE IF NOT EXISTS notifications (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
				type TEXT NOT NULL,
				old_price REAL,
				new_price REAL,
				message TEXT NOT NULL,
				read INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_dedup ON notifications(user_id, product_id, type, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
		},
	})
}
