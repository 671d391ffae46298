// Package handlers contains HTTP handlers for the API.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/pricewatch/pricewatch/internal/fetcher"
	"github.com/pricewatch/pricewatch/internal/service"
	"github.com/pricewatch/pricewatch/internal/version"
)

// BrowserStats reports browser pool occupancy for the health endpoint.
// The fetcher pool satisfies it; a nil provider hides the section.
type BrowserStats interface {
	Stats() fetcher.PoolStats
}

// Handlers holds every handler's dependencies.
type Handlers struct {
	services *service.Services
	browser  BrowserStats
	started  time.Time
	logger   *slog.Logger
}

// New creates the handler set.
func New(services *service.Services, browser BrowserStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		services: services,
		browser:  browser,
		started:  time.Now(),
		logger:   logger.With("component", "http"),
	}
}

// HealthzOutput is the health probe response.
type HealthzOutput struct {
	Body struct {
		Status        string             `json:"status"`
		Version       string             `json:"version"`
		Commit        string             `json:"commit"`
		UptimeSeconds int64              `json:"uptime_seconds"`
		Browser       *fetcher.PoolStats `json:"browser,omitempty"`
	}
}

// Healthz reports liveness, build metadata and browser pool occupancy.
func (h *Handlers) Healthz(ctx context.Context, input *struct{}) (*HealthzOutput, error) {
	info := version.Get()
	out := &HealthzOutput{}
	out.Body.Status = "ok"
	out.Body.Version = info.Version
	out.Body.Commit = info.Commit
	out.Body.UptimeSeconds = int64(time.Since(h.started).Seconds())
	if h.browser != nil {
		stats := h.browser.Stats()
		out.Body.Browser = &stats
	}
	return out, nil
}
