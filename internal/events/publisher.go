package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event types delivered to the generator webhook.
const (
	TypePatternGenerationRequested = "pattern_generation_requested"
	TypePatternHealthFlagged       = "pattern_health_flagged"
)

// GenerationRequested asks the external pattern generator to produce a
// recipe for a domain it has not seen, or to regenerate one that went bad.
type GenerationRequested struct {
	Event       string    `json:"event"`
	Domain      string    `json:"domain"`
	SampleURL   string    `json:"sample_url"`
	RequestedAt time.Time `json:"requested_at"`
}

// HealthFlagged reports a pattern whose success rate fell below the
// health threshold.
type HealthFlagged struct {
	Event         string  `json:"event"`
	Domain        string  `json:"domain"`
	SuccessRate   float64 `json:"success_rate"`
	TotalAttempts int     `json:"total_attempts"`
}

// Publisher posts lifecycle events to the generator webhook. Delivery is
// fire-and-forget: the caller never blocks on the generator, and a dead
// webhook only costs log lines. Duplicate coalescing is the receiver's
// concern.
type Publisher struct {
	logger *slog.Logger
	client *http.Client
	url    string
	signer *Signer
}

// NewPublisher creates a publisher for the given webhook URL. An empty URL
// disables publishing; an empty secret disables payload signing.
func NewPublisher(logger *slog.Logger, url, secret string) *Publisher {
	p := &Publisher{
		logger: logger,
		url:    url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if secret != "" {
		p.signer = NewSigner(secret)
	}
	return p
}

// Enabled reports whether a webhook URL is configured.
func (p *Publisher) Enabled() bool {
	return p.url != ""
}

// PublishGenerationRequested emits a pattern_generation_requested event.
func (p *Publisher) PublishGenerationRequested(ctx context.Context, domain, sampleURL string) {
	if !p.Enabled() {
		p.logger.Debug("events: no webhook configured, dropping event",
			"event", TypePatternGenerationRequested, "domain", domain)
		return
	}
	go p.deliver(GenerationRequested{
		Event:       TypePatternGenerationRequested,
		Domain:      domain,
		SampleURL:   sampleURL,
		RequestedAt: time.Now().UTC(),
	})
}

// PublishHealthFlagged emits a pattern_health_flagged event.
func (p *Publisher) PublishHealthFlagged(ctx context.Context, domain string, successRate float64, totalAttempts int) {
	if !p.Enabled() {
		p.logger.Debug("events: no webhook configured, dropping event",
			"event", TypePatternHealthFlagged, "domain", domain)
		return
	}
	go p.deliver(HealthFlagged{
		Event:         TypePatternHealthFlagged,
		Domain:        domain,
		SuccessRate:   successRate,
		TotalAttempts: totalAttempts,
	})
}

func (p *Publisher) deliver(payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("events: failed to marshal payload", "error", err)
		return err
	}

	// Retry up to 3 times with exponential backoff
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			p.logger.Error("events: failed to create request", "error", err)
			return err
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "PriceWatch-Events/1.0")
		if p.signer != nil {
			hdr := p.signer.Sign(body)
			req.Header.Set(HeaderSignature, hdr.Signature)
			req.Header.Set(HeaderTimestamp, hdr.Timestamp)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			p.logger.Warn("events: delivery failed", "url", p.url, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.logger.Info("events: delivered", "url", p.url, "status", resp.StatusCode)
			return nil
		}

		lastErr = &DeliveryError{StatusCode: resp.StatusCode}
		p.logger.Warn("events: non-success status", "url", p.url, "status", resp.StatusCode, "attempt", attempt+1)
	}

	p.logger.Error("events: delivery failed after retries", "url", p.url, "error", lastErr)
	return lastErr
}

// DeliveryError represents a webhook delivery error.
type DeliveryError struct {
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return "event delivery failed with status: " + http.StatusText(e.StatusCode)
}
