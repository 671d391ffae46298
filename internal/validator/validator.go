// Package validator enforces field invariants on extraction results
// before they are persisted. Errors fail the attempt; warnings are
// recorded but do not.
package validator

import (
	"fmt"
	"math"

	"github.com/pricewatch/pricewatch/internal/extractor"
)

// Config carries the validation thresholds.
type Config struct {
	MinConfidence     float64 // extraction confidence floor, default 0.6
	MaxPriceChangePct float64 // warn when |delta|/prior exceeds this, default 50
	MaxPlausiblePrice float64 // warn above this absolute price, default 100000
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:     0.6,
		MaxPriceChangePct: 50,
		MaxPlausiblePrice: 100000,
	}
}

// Result is a validation outcome. Confidence is the minimum confidence
// across the non-null critical fields.
type Result struct {
	Valid      bool     `json:"valid"`
	Confidence float64  `json:"confidence"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Validate checks an extraction against the thresholds. priorPrice is the
// last recorded price for the listing, nil when there is none.
func Validate(curr *extractor.Result, priorPrice *float64, cfg Config) Result {
	var out Result

	price := curr.Get(extractor.FieldPrice)
	if price.Value == nil {
		out.Errors = append(out.Errors, "Price not found")
	} else {
		v, numeric := extractor.ScanNumber(*price.Value)
		switch {
		case !numeric:
			out.Errors = append(out.Errors, "No numeric value in price")
		case v <= 0:
			out.Errors = append(out.Errors, "Price is zero or negative")
		default:
			if v > cfg.MaxPlausiblePrice {
				out.Warnings = append(out.Warnings, fmt.Sprintf("Price %.2f is unusually high", v))
			}
			if priorPrice != nil && *priorPrice > 0 {
				changePct := math.Abs(v-*priorPrice) / *priorPrice * 100
				if changePct > cfg.MaxPriceChangePct {
					out.Warnings = append(out.Warnings, fmt.Sprintf("Price changed by %.1f%% (%.2f -> %.2f)", changePct, *priorPrice, v))
				}
			}
		}
		if price.Confidence < cfg.MinConfidence {
			out.Errors = append(out.Errors, fmt.Sprintf("Price confidence %.2f is below threshold %.2f", price.Confidence, cfg.MinConfidence))
		}
	}

	if title := curr.Get(extractor.FieldTitle); title.Value != nil && len([]rune(*title.Value)) < 3 {
		out.Warnings = append(out.Warnings, "Title too short")
	}

	out.Confidence = criticalConfidence(curr)
	out.Valid = len(out.Errors) == 0
	return out
}

// criticalConfidence is the minimum confidence across the non-null
// critical fields; zero when none were extracted.
func criticalConfidence(curr *extractor.Result) float64 {
	minConf := math.Inf(1)
	found := false
	for _, name := range extractor.CriticalFields {
		if f := curr.Get(name); f.Value != nil {
			found = true
			if f.Confidence < minConf {
				minConf = f.Confidence
			}
		}
	}
	if !found {
		return 0
	}
	return minConf
}
