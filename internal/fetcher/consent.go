package fetcher

import (
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// consentSelectors lists cookie-banner accept buttons in priority order.
// Named CMP products first, then common hand-rolled patterns. The first
// visible, clickable match wins.
var consentSelectors = []string{
	// OneTrust
	`button#onetrust-accept-btn-handler`,
	`#onetrust-accept-btn-handler`,
	`button[id*="onetrust-accept"]`,
	`button[class*="onetrust-accept"]`,
	`#accept-recommended-btn-handler`,

	// Cookiebot
	`button#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,
	`button#CybotCookiebotDialogBodyButtonAccept`,
	`a#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,

	// Quantcast / TCF
	`button.qc-cmp2-summary-buttons button[mode="primary"]`,
	`button.qc-cmp-button`,
	`button[class*="qc-cmp"]`,

	// TrustArc
	`button.trustarc-agree-btn`,
	`#truste-consent-button`,

	// Didomi
	`button#didomi-notice-agree-button`,
	`button[class*="didomi-agree"]`,

	// Usercentrics
	`button[data-testid="uc-accept-all-button"]`,

	// Common data-testid and aria patterns
	`button[data-testid="cookie-policy-dialog-accept-button"]`,
	`button[data-testid="accept-cookies"]`,
	`button[data-testid="cookie-accept"]`,
	`button[aria-label*="Accept"]`,
	`button[aria-label*="accept"]`,
	`button[aria-label*="Agree"]`,

	// Common class/id patterns
	`button.cookie-accept`,
	`button.accept-cookies`,
	`button.consent-accept`,
	`button.gdpr-accept`,
	`button#accept-cookies`,
	`button#acceptCookies`,
	`button#cookie-accept`,
	`button#cookieAccept`,
	`a.cookie-accept`,
	`a.accept-cookies`,

	// Last resort: anything accept-ish inside a cookie/consent container
	`button[class*="accept"][class*="cookie"]`,
	`button[class*="cookie"][class*="accept"]`,
	`div[class*="cookie"] button[class*="accept"]`,
	`div[class*="consent"] button[class*="accept"]`,
	`div[class*="gdpr"] button[class*="accept"]`,
}

// consentAcceptTexts drives the text-based fallback when no selector matched.
var consentAcceptTexts = []string{
	"Accept All",
	"Accept all",
	"Accept All Cookies",
	"Accept Cookies",
	"I Accept",
	"I Agree",
	"Got it",
	"Allow All",
	"Allow all",
	"Agree",
}

// consentAttemptTimeout bounds each selector lookup so a page without a
// banner does not stall the fetch.
const consentAttemptTimeout = time.Second

// dismissConsent clicks through a cookie consent banner if one is present.
// Returns true when a banner was dismissed. All failures are silent; consent
// handling must never fail a fetch.
func dismissConsent(page *rod.Page, logger *slog.Logger) bool {
	// Give late-rendering banners a moment to appear.
	time.Sleep(500 * time.Millisecond)

	for _, selector := range consentSelectors {
		if tryConsentSelector(page, selector, logger) {
			return true
		}
	}

	return tryConsentText(page, logger)
}

// tryConsentSelector clicks the first visible element matching selector.
func tryConsentSelector(page *rod.Page, selector string, logger *slog.Logger) bool {
	elem, err := page.Timeout(consentAttemptTimeout).Element(selector)
	if err != nil {
		return false
	}

	visible, err := elem.Visible()
	if err != nil || !visible {
		return false
	}

	if err := elem.Click(proto.InputMouseButtonLeft, 1); err != nil {
		logger.Debug("consent click failed", "selector", selector, "error", err)
		return false
	}

	logger.Debug("dismissed consent banner", "selector", selector)

	// Let the banner animate out before reading the page.
	time.Sleep(300 * time.Millisecond)
	return true
}

// tryConsentText searches buttons and links by label text and clicks the
// first visible match via JavaScript.
func tryConsentText(page *rod.Page, logger *slog.Logger) bool {
	clickJS := `(text) => {
		const candidates = [
			...document.querySelectorAll('button'),
			...document.querySelectorAll('a')
		];
		for (const el of candidates) {
			if (el.textContent.trim() === text || el.textContent.includes(text)) {
				const rect = el.getBoundingClientRect();
				if (rect.width > 0 && rect.height > 0) {
					el.click();
					return true;
				}
			}
		}
		return false;
	}`

	for _, text := range consentAcceptTexts {
		result, err := page.Timeout(consentAttemptTimeout).Eval(clickJS, text)
		if err != nil || !result.Value.Bool() {
			continue
		}

		logger.Debug("dismissed consent banner", "method", "text_search", "text", text)
		time.Sleep(300 * time.Millisecond)
		return true
	}

	return false
}
