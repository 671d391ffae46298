// Package protection classifies rendered pages that came back as
// challenge or block screens instead of product content. Pages are
// rendered in a real browser before they reach the detector, so the
// signals here are the ones that survive rendering: interstitials,
// captchas, denial pages, and empty shells.
package protection

import (
	"regexp"
	"strings"
)

// Signal identifies the kind of protection detected.
type Signal string

const (
	SignalNone         Signal = ""
	SignalCloudflare   Signal = "cloudflare"
	SignalCaptcha      Signal = "captcha"
	SignalAccessDenied Signal = "access_denied"
	SignalRateLimited  Signal = "rate_limited"
	SignalEmptyContent Signal = "empty_content"
)

// Result is a detection outcome.
type Result struct {
	// Detected is true if any protection signal was found.
	Detected bool

	// Signal identifies the type of protection detected.
	Signal Signal

	// Confidence is a score from 0-100 indicating detection confidence.
	Confidence int

	// Description is a human-readable explanation for logs.
	Description string
}

// Detector analyzes rendered pages for block signals.
type Detector struct {
	// MinContentLength is the minimum expected length for a real product
	// page. Rendered pages shorter than this with no content landmarks
	// are treated as challenge shells.
	MinContentLength int
}

// NewDetector creates a detector with default settings.
func NewDetector() *Detector {
	return &Detector{
		MinContentLength: 500,
	}
}

var (
	cloudflarePatterns = []string{
		"cf-browser-verification",
		"challenge-platform",
		"cf_chl_opt",
		"_cf_chl",
		"checking your browser",
		"please wait... | cloudflare",
		"just a moment...",
		"attention required! | cloudflare",
		"ray id:",
	}

	captchaPatterns = []string{
		"g-recaptcha",
		"grecaptcha",
		"h-captcha",
		"hcaptcha",
		"data-sitekey",
		"captcha-container",
		"turnstile",
		"cf-turnstile",
	}

	accessDeniedPatterns = []string{
		"access denied",
		"access to this page has been denied",
		"you don't have permission",
		"request blocked",
		"bot detected",
		"automated access",
		"please verify you are human",
		"are you a robot",
		"prove you're not a robot",
		"pardon our interruption",
	}

	// Landmarks a real product page carries even when short.
	contentIndicatorRegex = regexp.MustCompile(`<(article|main|section|div[^>]*class[^>]*content)[^>]*>`)
)

// Detect classifies a rendered page. statusCode may be zero when the
// browser could not report one.
func (d *Detector) Detect(statusCode int, html string) Result {
	if r := d.checkStatusCode(statusCode); r.Detected {
		return r
	}
	return d.checkContent(html)
}

func (d *Detector) checkStatusCode(statusCode int) Result {
	switch statusCode {
	case 403:
		return Result{
			Detected:    true,
			Signal:      SignalAccessDenied,
			Confidence:  90,
			Description: "access denied (HTTP 403)",
		}
	case 503:
		return Result{
			Detected:    true,
			Signal:      SignalCloudflare,
			Confidence:  70,
			Description: "service unavailable (HTTP 503), likely a challenge interstitial",
		}
	case 429:
		return Result{
			Detected:    true,
			Signal:      SignalRateLimited,
			Confidence:  95,
			Description: "rate limited (HTTP 429)",
		}
	}
	return Result{}
}

func (d *Detector) checkContent(html string) Result {
	if len(html) == 0 {
		return Result{
			Detected:    true,
			Signal:      SignalEmptyContent,
			Confidence:  80,
			Description: "empty page after rendering",
		}
	}

	lower := strings.ToLower(html)

	for _, pattern := range cloudflarePatterns {
		if strings.Contains(lower, pattern) {
			return Result{
				Detected:    true,
				Signal:      SignalCloudflare,
				Confidence:  90,
				Description: "Cloudflare challenge page",
			}
		}
	}

	for _, pattern := range captchaPatterns {
		if strings.Contains(lower, pattern) {
			return Result{
				Detected:    true,
				Signal:      SignalCaptcha,
				Confidence:  95,
				Description: "captcha challenge",
			}
		}
	}

	for _, pattern := range accessDeniedPatterns {
		if strings.Contains(lower, pattern) {
			return Result{
				Detected:    true,
				Signal:      SignalAccessDenied,
				Confidence:  85,
				Description: "access denied message",
			}
		}
	}

	if len(html) < d.MinContentLength && !contentIndicatorRegex.MatchString(html) {
		return Result{
			Detected:    true,
			Signal:      SignalEmptyContent,
			Confidence:  60,
			Description: "page too small to be product content",
		}
	}

	return Result{}
}
