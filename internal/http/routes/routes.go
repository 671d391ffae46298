// Package routes binds handlers to API paths.
package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/pricewatch/pricewatch/internal/http/handlers"
	"github.com/pricewatch/pricewatch/internal/http/mw"
)

// Register registers all API routes with the given Huma API instance.
func Register(api huma.API, h *handlers.Handlers) {
	// Probe (hidden from docs).
	mw.HiddenGet(api, "/healthz", h.Healthz)

	// --- Tracking ---
	mw.Post(api, "/v1/track", h.Track,
		mw.WithTags("Tracking"),
		mw.WithSummary("Track a product URL"),
		mw.WithOperationID("track"))
	mw.Post(api, "/v1/untrack", h.Untrack,
		mw.WithTags("Tracking"),
		mw.WithSummary("Stop tracking a product URL"),
		mw.WithOperationID("untrack"))
	mw.Get(api, "/v1/tracked", h.ListTracked,
		mw.WithTags("Tracking"),
		mw.WithSummary("List tracked products"),
		mw.WithOperationID("listTracked"))

	// --- Patterns ---
	mw.Get(api, "/v1/patterns/{domain}", h.GetPattern,
		mw.WithTags("Patterns"),
		mw.WithSummary("Get active pattern"),
		mw.WithOperationID("getPattern"))
	mw.Get(api, "/v1/patterns/{domain}/versions", h.ListPatternVersions,
		mw.WithTags("Patterns"),
		mw.WithSummary("List pattern versions"),
		mw.WithOperationID("listPatternVersions"))
	mw.Post(api, "/v1/patterns/{domain}/versions", h.CommitPatternVersion,
		mw.WithTags("Patterns"),
		mw.WithSummary("Commit a new pattern version"),
		mw.WithDescription("The pattern generator's commit callback. The version is validated, stored and made active."),
		mw.WithOperationID("commitPatternVersion"))
	mw.Post(api, "/v1/patterns/{domain}/rollback", h.RollbackPattern,
		mw.WithTags("Patterns"),
		mw.WithSummary("Roll back to an earlier version"),
		mw.WithOperationID("rollbackPattern"))
}
