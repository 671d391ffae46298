// Package service contains the business logic layer between the HTTP
// handlers / CLI commands and the repositories.
package service

import (
	"log/slog"

	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/repository"
)

// Services holds all service instances.
type Services struct {
	Track     *TrackService
	Fetch     *FetchService
	Lifecycle *lifecycle.Manager
}

// NewServices creates all service instances.
func NewServices(repos *repository.Repositories, lc *lifecycle.Manager, runner Runner, enq Enqueuer, logger *slog.Logger) *Services {
	return &Services{
		Track:     NewTrackService(repos, lc, enq, logger),
		Fetch:     NewFetchService(repos, runner, logger),
		Lifecycle: lc,
	}
}
