package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/oklog/ulid/v2"

	"github.com/pricewatch/pricewatch/internal/config"
)

var (
	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("browser pool is closed")
)

// instance wraps a rod.Browser with recycling metadata.
type instance struct {
	id         string
	browser    *rod.Browser
	inUse      bool
	createdAt  time.Time
	lastUsedAt time.Time
	fetchCount int
}

// Pool manages a bounded set of shared headless browsers. Fetches acquire a
// browser, open a fresh page on it, and return it; browsers are recycled
// after a lifetime or request budget so leaked page state cannot pile up.
type Pool struct {
	mu        sync.RWMutex
	instances map[string]*instance
	waiting   []chan *instance
	cfg       *config.Config
	logger    *slog.Logger
	closed    bool

	ready     bool
	readyChan chan struct{}
}

// NewPool creates a browser pool. Browsers are launched lazily on first
// acquire; call Warmup at startup to front-load the Chromium download.
func NewPool(cfg *config.Config, logger *slog.Logger) *Pool {
	return &Pool{
		instances: make(map[string]*instance),
		cfg:       cfg,
		logger:    logger,
		readyChan: make(chan struct{}),
	}
}

// Ready reports whether warmup has completed.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Warmup makes sure a Chromium binary is available and optionally launches
// browsers ahead of the first fetch.
func (p *Pool) Warmup(ctx context.Context, preLaunch int) error {
	if p.cfg.ChromePath != "" {
		p.logger.Info("using custom Chrome binary", "path", p.cfg.ChromePath)
	} else {
		p.logger.Info("ensuring Chromium is available")
		binPath, err := launcher.NewBrowser().Get()
		if err != nil {
			return err
		}
		p.logger.Info("Chromium ready", "path", binPath)
	}

	if preLaunch > p.cfg.BrowserPoolSize {
		preLaunch = p.cfg.BrowserPoolSize
	}
	for i := 0; i < preLaunch; i++ {
		inst, err := p.launch()
		if err != nil {
			return err
		}
		inst.inUse = false
		p.mu.Lock()
		p.instances[inst.id] = inst
		p.mu.Unlock()
	}
	if preLaunch > 0 {
		p.logger.Info("browser pool warmed up", "browsers", preLaunch)
	}

	p.mu.Lock()
	p.ready = true
	close(p.readyChan)
	p.mu.Unlock()
	return nil
}

// Acquire returns an idle browser, launching one when the pool has room.
// Blocks until a browser frees up or the context is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*instance, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for _, inst := range p.instances {
		if !inst.inUse && p.alive(inst) {
			inst.inUse = true
			inst.lastUsedAt = time.Now()
			p.mu.Unlock()
			return inst, nil
		}
	}

	if len(p.instances) < p.cfg.BrowserPoolSize {
		inst, err := p.launch()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.instances[inst.id] = inst
		p.mu.Unlock()
		return inst, nil
	}

	// Pool is full; queue up for the next release.
	waitChan := make(chan *instance, 1)
	p.waiting = append(p.waiting, waitChan)
	p.mu.Unlock()

	select {
	case inst, ok := <-waitChan:
		if !ok {
			return nil, ErrPoolClosed
		}
		return inst, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, ch := range p.waiting {
			if ch == waitChan {
				p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a browser to the pool, recycling it when it has aged out
// or burned through its request budget.
func (p *Pool) Release(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.shutdown(inst)
		return
	}

	inst.inUse = false
	inst.fetchCount++
	inst.lastUsedAt = time.Now()

	if p.expired(inst) {
		p.recycle(inst)
		return
	}

	p.handoff(inst)
}

// handoff gives an idle browser to the oldest waiter, if any.
// Caller must hold p.mu.
func (p *Pool) handoff(inst *instance) {
	if len(p.waiting) == 0 {
		return
	}
	waitChan := p.waiting[0]
	p.waiting = p.waiting[1:]
	inst.inUse = true
	inst.lastUsedAt = time.Now()
	waitChan <- inst
}

// Close shuts down every browser and rejects future acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, inst := range p.instances {
		p.shutdown(inst)
	}
	p.instances = make(map[string]*instance)

	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
}

// Stats returns a snapshot of pool state for the health endpoint.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Total:   len(p.instances),
		MaxSize: p.cfg.BrowserPoolSize,
		Waiting: len(p.waiting),
		Ready:   p.ready,
	}
	for _, inst := range p.instances {
		if inst.inUse {
			stats.InUse++
		} else {
			stats.Available++
		}
	}
	return stats
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Total     int  `json:"total"`
	InUse     int  `json:"in_use"`
	Available int  `json:"available"`
	MaxSize   int  `json:"max_size"`
	Waiting   int  `json:"waiting"`
	Ready     bool `json:"ready"`
}

// launch starts a headless browser with anti-automation flags.
func (p *Pool) launch() (*instance, error) {
	l := launcher.New()

	if p.cfg.ChromePath != "" {
		l = l.Bin(p.cfg.ChromePath)
	}

	l = l.
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-plugins-discovery").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("window-size", "1920,1080").
		Set("lang", "en-US,en")

	u, err := l.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	p.logger.Info("browser launched", "id", id)

	return &instance{
		id:         id,
		browser:    browser,
		inUse:      true,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}, nil
}

// alive reports whether an idle browser is still usable.
func (p *Pool) alive(inst *instance) bool {
	if p.expired(inst) {
		return false
	}
	if !inst.inUse && time.Since(inst.lastUsedAt) > p.cfg.BrowserIdleTimeout {
		return false
	}

	defer func() {
		recover()
	}()
	_, err := inst.browser.Pages()
	return err == nil
}

// expired reports whether a browser has outlived its recycling budget.
func (p *Pool) expired(inst *instance) bool {
	if time.Since(inst.createdAt) > p.cfg.BrowserMaxAge {
		return true
	}
	return inst.fetchCount >= p.cfg.BrowserMaxRequests
}

// recycle replaces a worn-out browser with a fresh one.
// Caller must hold p.mu.
func (p *Pool) recycle(inst *instance) {
	p.logger.Info("recycling browser",
		"id", inst.id,
		"age", time.Since(inst.createdAt),
		"fetches", inst.fetchCount,
	)
	p.shutdown(inst)
	delete(p.instances, inst.id)

	// Replace in the background so the releasing fetch is not held up.
	go func() {
		fresh, err := p.launch()
		if err != nil {
			p.logger.Error("failed to launch replacement browser", "error", err)
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			p.shutdown(fresh)
			return
		}
		fresh.inUse = false
		p.instances[fresh.id] = fresh
		p.handoff(fresh)
	}()
}

func (p *Pool) shutdown(inst *instance) {
	if inst.browser != nil {
		if err := inst.browser.Close(); err != nil {
			p.logger.Warn("error closing browser", "id", inst.id, "error", err)
		}
	}
	p.logger.Debug("browser closed", "id", inst.id)
}

// StartCleanup periodically closes browsers that sat idle past the timeout.
// Blocks until the context is cancelled; run it in its own goroutine.
func (p *Pool) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.closeIdle()
		}
	}
}

func (p *Pool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for id, inst := range p.instances {
		if !inst.inUse && time.Since(inst.lastUsedAt) > p.cfg.BrowserIdleTimeout {
			p.logger.Info("closing idle browser", "id", id, "idle", time.Since(inst.lastUsedAt))
			p.shutdown(inst)
			delete(p.instances, id)
		}
	}
}
