package migrations

func init() {
	Register(Migration{
		Timestamp:   "20251117-090300",
		Description: "Rollback stickiness and health-flag dedup on patterns",
		Up: []string{
			// last_rollback_at pins a rolled-back version against the
			// activate-latest sweep; cleared when a new version is committed
			`ALTER TABLE patterns ADD COLUMN last_rollback_at TEXT`,
			`ALTER TABLE patterns ADD COLUMN last_flagged_at TEXT`,
		},
	})
}
