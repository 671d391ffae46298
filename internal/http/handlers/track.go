package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/pricewatch/pricewatch/internal/models"
	"github.com/pricewatch/pricewatch/internal/service"
)

// TrackInput is the request to start tracking a product URL.
type TrackInput struct {
	Body struct {
		UserID          string   `json:"user_id" minLength:"1" doc:"Subscriber identity from the account layer"`
		URL             string   `json:"url" minLength:"1" doc:"Product page URL"`
		Priority        string   `json:"priority,omitempty" enum:"low,normal,high" doc:"Refresh priority tier (default normal)"`
		TargetPrice     *float64 `json:"target_price,omitempty" doc:"Notify when the price reaches this value"`
		NotifyOnDrop    *bool    `json:"notify_on_drop,omitempty" doc:"Notify on price drops (default true)"`
		NotifyOnRestock bool     `json:"notify_on_restock,omitempty" doc:"Notify when the product is back in stock"`
		NotifyOnTarget  bool     `json:"notify_on_target,omitempty" doc:"Notify when the target price is reached"`
	}
}

// TrackOutput is the tracking response.
type TrackOutput struct {
	Body service.TrackResult
}

// Track subscribes a user to the product behind a URL.
func (h *Handlers) Track(ctx context.Context, input *TrackInput) (*TrackOutput, error) {
	// Price drop alerts are the point of the product; opt out explicitly.
	notifyOnDrop := true
	if input.Body.NotifyOnDrop != nil {
		notifyOnDrop = *input.Body.NotifyOnDrop
	}

	res, err := h.services.Track.Track(ctx, service.TrackRequest{
		UserID:          input.Body.UserID,
		URL:             input.Body.URL,
		Priority:        models.ParsePriority(input.Body.Priority),
		TargetPrice:     input.Body.TargetPrice,
		NotifyOnDrop:    notifyOnDrop,
		NotifyOnRestock: input.Body.NotifyOnRestock,
		NotifyOnTarget:  input.Body.NotifyOnTarget,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		h.logger.Error("track failed", "user_id", input.Body.UserID, "error", err)
		return nil, huma.Error500InternalServerError("failed to track product")
	}
	return &TrackOutput{Body: *res}, nil
}

// UntrackInput is the request to stop tracking a product URL.
type UntrackInput struct {
	Body struct {
		UserID string `json:"user_id" minLength:"1" doc:"Subscriber identity from the account layer"`
		URL    string `json:"url" minLength:"1" doc:"Product page URL"`
	}
}

// UntrackOutput is the untracking response.
type UntrackOutput struct {
	Body struct {
		Removed bool `json:"removed"`
	}
}

// Untrack removes a user's subscription to the product behind a URL.
func (h *Handlers) Untrack(ctx context.Context, input *UntrackInput) (*UntrackOutput, error) {
	removed, err := h.services.Track.Untrack(ctx, input.Body.UserID, input.Body.URL)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		h.logger.Error("untrack failed", "user_id", input.Body.UserID, "error", err)
		return nil, huma.Error500InternalServerError("failed to untrack product")
	}
	out := &UntrackOutput{}
	out.Body.Removed = removed
	return out, nil
}

// ListTrackedInput queries one user's tracked products.
type ListTrackedInput struct {
	UserID string `query:"user_id" required:"true" doc:"Subscriber identity from the account layer"`
}

// ListTrackedOutput is the tracked products response.
type ListTrackedOutput struct {
	Body struct {
		Products []*service.TrackedProduct `json:"products"`
	}
}

// ListTracked returns everything a user currently tracks.
func (h *Handlers) ListTracked(ctx context.Context, input *ListTrackedInput) (*ListTrackedOutput, error) {
	if input.UserID == "" {
		return nil, huma.Error400BadRequest("user_id is required")
	}
	tracked, err := h.services.Track.ListTracked(ctx, input.UserID)
	if err != nil {
		h.logger.Error("list tracked failed", "user_id", input.UserID, "error", err)
		return nil, huma.Error500InternalServerError("failed to list tracked products")
	}
	out := &ListTrackedOutput{}
	out.Body.Products = tracked
	return out, nil
}
