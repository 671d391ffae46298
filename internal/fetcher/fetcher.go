// Package fetcher renders product pages in headless Chromium. It owns the
// browser pool, the stealth patches layered onto every page, cookie consent
// dismissal, and per-domain session cookies persisted encrypted between
// fetches. Callers get back rendered HTML plus an optional screenshot; block
// pages are detected and reported as ErrBlocked with the partial result
// attached so artifacts can still be stored.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/crypto"
	"github.com/pricewatch/pricewatch/internal/protection"
	"github.com/pricewatch/pricewatch/internal/repository"
	"github.com/pricewatch/pricewatch/internal/urlnorm"
)

var (
	// ErrTimeout marks a fetch that exceeded its deadline. Retryable.
	ErrTimeout = errors.New("fetch timed out")

	// ErrIO marks a navigation or protocol failure. Retryable.
	ErrIO = errors.New("fetch failed")

	// ErrBlocked marks a page served as a challenge or denial screen.
	// Not retryable; hammering a protection wall only digs the hole deeper.
	ErrBlocked = errors.New("fetch blocked by bot protection")

	// ErrUnknown marks a failure outside the browser path, such as an
	// unparseable URL. Not retryable.
	ErrUnknown = errors.New("fetch failed for an unclassified reason")
)

// Options controls a single fetch.
type Options struct {
	// WaitForJS waits for the network to go idle after load so
	// client-rendered prices are present in the HTML.
	WaitForJS bool

	// Screenshot captures a full-page screenshot alongside the HTML.
	Screenshot bool

	// Difficult enables reading simulation for domains known to
	// fingerprint automation.
	Difficult bool
}

// Result is a rendered page.
type Result struct {
	HTML       string
	Screenshot []byte
	PageTitle  string
	StatusCode int
	Duration   time.Duration
}

// Fetcher renders pages through pooled stealth browsers.
type Fetcher struct {
	pool     *Pool
	cfg      *config.Config
	detector *protection.Detector
	sessions repository.SessionRepository
	sealer   *crypto.Sealer
	logger   *slog.Logger
}

// New creates a fetcher. sessions and sealer may be nil, which disables
// cookie persistence but not fetching.
func New(pool *Pool, cfg *config.Config, sessions repository.SessionRepository, sealer *crypto.Sealer, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		pool:     pool,
		cfg:      cfg,
		detector: protection.NewDetector(),
		sessions: sessions,
		sealer:   sealer,
		logger:   logger,
	}
}

// Fetch renders rawURL and returns its HTML. On a detected block page both
// the partial Result and ErrBlocked are returned.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	start := time.Now()

	domain, err := urlnorm.Domain(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse url: %v", ErrUnknown, err)
	}

	f.logger.Debug("fetching page", "domain", domain, "url", rawURL)

	inst, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to acquire browser: %w", err))
	}
	defer f.pool.Release(inst)

	page, err := newStealthPage(inst.browser)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to open page: %w", err))
	}
	// Close the original handle, not the ctx-bound clone, so cleanup still
	// works after the fetch context is cancelled.
	defer page.Close()

	p := page.Context(ctx)

	if err := f.preparePage(p); err != nil {
		return nil, classifyError(err)
	}

	f.loadSession(ctx, p, domain)

	// Subscribe before navigating so the main document response is not
	// missed. The first response received is the document itself.
	var resp proto.NetworkResponseReceived
	waitResp := p.WaitEvent(&resp)

	nav := p.Timeout(f.cfg.FetchTimeout)
	if err := nav.Navigate(rawURL); err != nil {
		return nil, classifyError(fmt.Errorf("failed to navigate: %w", err))
	}
	if err := nav.WaitLoad(); err != nil {
		return nil, classifyError(fmt.Errorf("failed to wait for load: %w", err))
	}
	waitResp()

	status := 0
	if resp.Response != nil {
		status = resp.Response.Status
	}

	// Let late JS settle before poking at the DOM.
	pause(ctx, 2*time.Second)

	dismissConsent(p, f.logger)

	if opts.WaitForJS {
		if err := p.WaitIdle(f.cfg.BrowserTimeout); err != nil {
			f.logger.Debug("network never went idle", "domain", domain, "error", err)
		}
	}

	pause(ctx, time.Second+time.Duration(rand.Intn(1000))*time.Millisecond)

	if opts.Difficult {
		f.simulateReading(ctx, p)
	}

	if err := ctx.Err(); err != nil {
		return nil, classifyError(err)
	}

	html, err := p.HTML()
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to read page html: %w", err))
	}

	title := ""
	if info, err := p.Info(); err == nil {
		title = info.Title
	}

	res := &Result{
		HTML:       html,
		PageTitle:  title,
		StatusCode: status,
	}

	if det := f.detector.Detect(status, html); det.Detected {
		f.logger.Warn("bot protection detected",
			"domain", domain,
			"signal", det.Signal,
			"confidence", det.Confidence,
			"status", status,
		)
		if opts.Screenshot {
			res.Screenshot = f.screenshot(p, domain)
		}
		res.Duration = time.Since(start)
		return res, fmt.Errorf("%w: %s", ErrBlocked, det.Description)
	}

	if opts.Screenshot {
		res.Screenshot = f.screenshot(p, domain)
	}

	f.saveSession(ctx, p, domain)

	res.Duration = time.Since(start)
	f.logger.Info("fetched page",
		"domain", domain,
		"status", status,
		"bytes", len(html),
		"duration", res.Duration,
	)
	return res, nil
}

// preparePage aligns the page fingerprint with the configured user agent.
func (f *Fetcher) preparePage(page *rod.Page) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      f.cfg.UserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	}); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	// A UTC timezone next to an en-US Accept-Language is a fingerprint
	// mismatch, but the override failing is not worth failing the fetch.
	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: "America/New_York"}).Call(page); err != nil {
		f.logger.Debug("failed to override timezone", "error", err)
	}

	return nil
}

// simulateReading mimics a person skimming the page: a few mouse passes and
// scrolls with uneven pauses.
func (f *Fetcher) simulateReading(ctx context.Context, page *rod.Page) {
	moves := 3 + rand.Intn(5)
	for i := 0; i < moves; i++ {
		if ctx.Err() != nil {
			return
		}
		x := 100 + rand.Float64()*1720
		y := 100 + rand.Float64()*880
		if err := page.Mouse.MoveLinear(proto.NewPoint(x, y), 12+rand.Intn(16)); err != nil {
			return
		}
		pause(ctx, time.Duration(100+rand.Intn(300))*time.Millisecond)
	}

	scrolls := 2 + rand.Intn(3)
	for i := 0; i < scrolls; i++ {
		if ctx.Err() != nil {
			return
		}
		if err := page.Mouse.Scroll(0, 200+rand.Float64()*400, 4+rand.Intn(6)); err != nil {
			return
		}
		pause(ctx, time.Duration(300+rand.Intn(500))*time.Millisecond)
	}
}

// screenshot captures the full page, best effort.
func (f *Fetcher) screenshot(page *rod.Page, domain string) []byte {
	shot, err := page.Screenshot(true, nil)
	if err != nil {
		f.logger.Debug("failed to capture screenshot", "domain", domain, "error", err)
		return nil
	}
	return shot
}

// sessionCookie is the JSON shape for persisted domain cookies.
type sessionCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
	SameSite string `json:"same_site,omitempty"`
}

// loadSession restores persisted cookies for the domain onto the page.
// Failures are logged and swallowed; a lost session just means the site
// treats us as a first-time visitor.
func (f *Fetcher) loadSession(ctx context.Context, page *rod.Page, domain string) {
	if f.sessions == nil || f.sealer == nil {
		return
	}

	sess, err := f.sessions.Get(ctx, domain)
	if err != nil || sess == nil {
		return
	}

	raw, err := f.sealer.Open(sess.CookiesEnc)
	if err != nil {
		f.logger.Warn("failed to unseal session cookies", "domain", domain, "error", err)
		return
	}

	var cookies []sessionCookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		f.logger.Warn("failed to decode session cookies", "domain", domain, "error", err)
		return
	}
	if len(cookies) == 0 {
		return
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if c.Secure {
			param.Secure = true
		}
		if c.HTTPOnly {
			param.HTTPOnly = true
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			param.SameSite = proto.NetworkCookieSameSiteStrict
		case "lax":
			param.SameSite = proto.NetworkCookieSameSiteLax
		case "none":
			param.SameSite = proto.NetworkCookieSameSiteNone
		}
		params = append(params, param)
	}

	if err := (proto.NetworkSetCookies{Cookies: params}).Call(page); err != nil {
		f.logger.Warn("failed to restore session cookies", "domain", domain, "error", err)
		return
	}

	f.logger.Debug("restored session cookies", "domain", domain, "count", len(params))
}

// saveSession persists the page's cookies for the next fetch of this domain.
func (f *Fetcher) saveSession(ctx context.Context, page *rod.Page, domain string) {
	if f.sessions == nil || f.sealer == nil {
		return
	}

	protoCookies, err := page.Cookies(nil)
	if err != nil || len(protoCookies) == 0 {
		return
	}

	cookies := make([]sessionCookie, len(protoCookies))
	for i, c := range protoCookies {
		sameSite := ""
		switch c.SameSite {
		case proto.NetworkCookieSameSiteStrict:
			sameSite = "Strict"
		case proto.NetworkCookieSameSiteLax:
			sameSite = "Lax"
		case proto.NetworkCookieSameSiteNone:
			sameSite = "None"
		}

		cookies[i] = sessionCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  int64(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: sameSite,
		}
	}

	raw, err := json.Marshal(cookies)
	if err != nil {
		return
	}

	sealed, err := f.sealer.Seal(raw)
	if err != nil {
		f.logger.Warn("failed to seal session cookies", "domain", domain, "error", err)
		return
	}

	if err := f.sessions.Put(ctx, domain, sealed); err != nil {
		f.logger.Warn("failed to persist session cookies", "domain", domain, "error", err)
		return
	}

	f.logger.Debug("persisted session cookies", "domain", domain, "count", len(cookies))
}

// classifyError maps low-level failures onto the retry sentinels.
func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrIO), errors.Is(err, ErrBlocked), errors.Is(err, ErrUnknown):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

// pause sleeps for d or until the context is cancelled.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
