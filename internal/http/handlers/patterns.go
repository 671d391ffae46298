package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/pricewatch/pricewatch/internal/lifecycle"
	"github.com/pricewatch/pricewatch/internal/models"
)

// GetPatternInput names a store domain.
type GetPatternInput struct {
	Domain string `path:"domain" doc:"Store domain, e.g. shop.example.com"`
}

// GetPatternOutput is the active pattern response.
type GetPatternOutput struct {
	Body struct {
		Pattern       *models.Pattern        `json:"pattern"`
		ActiveVersion *models.PatternVersion `json:"active_version,omitempty"`
	}
}

// GetPattern returns a domain's pattern and its active version.
func (h *Handlers) GetPattern(ctx context.Context, input *GetPatternInput) (*GetPatternOutput, error) {
	pattern, active, err := h.services.Lifecycle.Pattern(ctx, input.Domain)
	if err != nil {
		h.logger.Error("get pattern failed", "domain", input.Domain, "error", err)
		return nil, huma.Error500InternalServerError("failed to load pattern")
	}
	if pattern == nil {
		return nil, huma.Error404NotFound("no pattern for domain " + input.Domain)
	}
	out := &GetPatternOutput{}
	out.Body.Pattern = pattern
	out.Body.ActiveVersion = active
	return out, nil
}

// ListPatternVersionsInput names a store domain.
type ListPatternVersionsInput struct {
	Domain string `path:"domain" doc:"Store domain"`
}

// ListPatternVersionsOutput is the version history response.
type ListPatternVersionsOutput struct {
	Body struct {
		Versions []*models.PatternVersion `json:"versions"`
	}
}

// ListPatternVersions returns a domain's version history, newest first.
func (h *Handlers) ListPatternVersions(ctx context.Context, input *ListPatternVersionsInput) (*ListPatternVersionsOutput, error) {
	versions, err := h.services.Lifecycle.Versions(ctx, input.Domain)
	if err != nil {
		h.logger.Error("list versions failed", "domain", input.Domain, "error", err)
		return nil, huma.Error500InternalServerError("failed to list versions")
	}
	out := &ListPatternVersionsOutput{}
	out.Body.Versions = versions
	return out, nil
}

// CommitPatternVersionInput carries a new pattern for a domain. The
// pattern generator calls this after building or repairing a pattern.
type CommitPatternVersionInput struct {
	Domain string `path:"domain" doc:"Store domain"`
	Body   struct {
		PatternJSON  string `json:"pattern_json" minLength:"2" doc:"Pattern document (selector cascades per field)"`
		ChangeReason string `json:"change_reason,omitempty" doc:"Why this version exists"`
		ChangeType   string `json:"change_type,omitempty" enum:"manual_edit,auto_generated,api_update" doc:"How the version came to exist (default api_update)"`
	}
}

// CommitPatternVersionOutput is the committed version response.
type CommitPatternVersionOutput struct {
	Body models.PatternVersion
}

// CommitPatternVersion validates and stores a new pattern version,
// making it active.
func (h *Handlers) CommitPatternVersion(ctx context.Context, input *CommitPatternVersionInput) (*CommitPatternVersionOutput, error) {
	changeType := models.ChangeType(input.Body.ChangeType)
	if changeType == "" {
		changeType = models.ChangeTypeAPIUpdate
	}

	version, err := h.services.Lifecycle.CommitNewVersion(ctx, input.Domain, input.Body.PatternJSON, input.Body.ChangeReason, changeType)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidPattern) {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		h.logger.Error("commit version failed", "domain", input.Domain, "error", err)
		return nil, huma.Error500InternalServerError("failed to commit pattern version")
	}
	return &CommitPatternVersionOutput{Body: *version}, nil
}

// RollbackPatternInput names the version to re-activate.
type RollbackPatternInput struct {
	Domain string `path:"domain" doc:"Store domain"`
	Body   struct {
		VersionNumber int `json:"version_number" minimum:"1" doc:"Version to re-activate"`
	}
}

// RollbackPatternOutput is the re-activated version response.
type RollbackPatternOutput struct {
	Body models.PatternVersion
}

// RollbackPattern re-activates an earlier version and pins the domain
// against activation sweeps.
func (h *Handlers) RollbackPattern(ctx context.Context, input *RollbackPatternInput) (*RollbackPatternOutput, error) {
	version, err := h.services.Lifecycle.Rollback(ctx, input.Domain, input.Body.VersionNumber)
	if err != nil {
		h.logger.Error("rollback failed", "domain", input.Domain, "error", err)
		return nil, huma.Error500InternalServerError("failed to roll back pattern")
	}
	if version == nil {
		return nil, huma.Error404NotFound("no such version for domain " + input.Domain)
	}
	return &RollbackPatternOutput{Body: *version}, nil
}
