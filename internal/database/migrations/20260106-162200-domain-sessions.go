package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260106-162200",
		Description: "Persisted browser sessions per domain",
		Up: []string{
			// cookies_enc is AES-256-GCM encrypted, base64 encoded
			`CREATE TABLE IF NOT EXISTS domain_sessions (
				domain TEXT PRIMARY KEY,
				cookies_enc TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	})
}
