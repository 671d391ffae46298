package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/pricewatch/pricewatch/internal/http/mw"
	"github.com/pricewatch/pricewatch/internal/version"
)

// NewHumaConfig creates the shared Huma configuration for the API. Both the
// server and the OpenAPI generator use it, so the published spec always
// matches what the server serves.
func NewHumaConfig(baseURL string) huma.Config {
	cfg := huma.DefaultConfig("Pricewatch API", version.Get().Short())
	cfg.Info.Description = "Tracks product prices across stores: URL subscription, scheduled checks, pattern lifecycle."

	// The $schema field huma injects conflicts with SDK code generators.
	cfg.CreateHooks = nil

	if baseURL != "" {
		cfg.Servers = []*huma.Server{
			{URL: baseURL, Description: "API Server"},
		}
	}

	cfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"internalAuth": {
			Type:        "apiKey",
			In:          "header",
			Name:        mw.HeaderInternalAuth,
			Description: "Shared-secret header for internal callers. Enforced only when INTERNAL_AUTH_KEY is set.",
		},
	}

	cfg.Tags = []*huma.Tag{
		{Name: "Tracking", Description: "Product URL subscription and tracked product listing", Extensions: map[string]any{"x-displayName": "Tracking"}},
		{Name: "Patterns", Description: "Extraction pattern lifecycle: versions, commits, rollbacks", Extensions: map[string]any{"x-displayName": "Patterns"}},
	}

	return cfg
}
