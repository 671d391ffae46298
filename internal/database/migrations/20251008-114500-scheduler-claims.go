package migrations

func init() {
	Register(Migration{
		Timestamp:   "20251008-114500",
		Description: "Scheduler claims and poison-listing tracking",
		Up: []string{
			// claimed_at is the worker claim stamp; stale claims are
			// cleared at boot and reclaimed
			`ALTER TABLE product_listings ADD COLUMN claimed_at TEXT`,
			`ALTER TABLE product_listings ADD COLUMN consecutive_failures INTEGER NOT NULL DEFAULT 0`,
		},
	})
}
