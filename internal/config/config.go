// Package config handles application configuration.
package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Config holds all application configuration. It is loaded once at process
// start and never mutated afterwards; components receive it at construction.
type Config struct {
	// Server settings
	Port            int
	BaseURL         string
	CORSOrigins     []string
	InternalAuthKey string // optional shared secret for service-to-service calls

	// Database
	DatabaseURL string

	// Fetcher
	RequestDelay     time.Duration            // default spacing between requests to one domain
	FetchTimeout     time.Duration            // page navigation deadline
	MaxRetries       int                      // retry budget for transient fetch failures
	BrowserTimeout   time.Duration            // bound on the post-load network-idle wait
	WaitForJS        bool                     // wait for network idle after the load event
	DomainDelays     map[string]time.Duration // per-domain overrides of RequestDelay
	DifficultDomains []string                 // domains that get human-behavior simulation
	BrowserPoolSize  int

	// Browser pool hygiene
	BrowserMaxAge      time.Duration // recycle a browser after this lifetime
	BrowserMaxRequests int           // recycle a browser after this many fetches
	BrowserIdleTimeout time.Duration // close browsers idle this long
	ChromePath         string        // optional path to a Chrome/Chromium binary
	UserAgent          string

	// Validation
	MinConfidence     float64 // extraction confidence floor
	MaxPriceChangePct float64 // warn when |delta|/prior exceeds this percentage
	MaxPlausiblePrice float64 // warn above this absolute price

	// Scheduler
	SchedulerTick       time.Duration
	SchedulerWorkers    int
	SchedulerMaxBatch   int
	ClaimTTL            time.Duration // claims older than this are considered stale
	ShutdownGracePeriod time.Duration

	// Refresh intervals per priority tier
	IntervalHigh   time.Duration
	IntervalNormal time.Duration
	IntervalLow    time.Duration

	// Retention
	PriceHistoryRetention time.Duration
	JanitorInterval       time.Duration

	// Pattern generator callback
	GeneratorWebhookURL    string
	GeneratorWebhookSecret string

	// Object Storage (S3-compatible)
	StorageEnabled      bool
	StorageEndpoint     string
	StorageAccessKey    string
	StorageSecretKey    string
	StorageRegion       string
	StorageUsePathStyle bool
	ArtifactsBucket     string
	ScreenshotsBucket   string
	ImagesBucket        string

	// Session cookie encryption
	SessionKey []byte // 32-byte key for AES-256-GCM, derived from SESSION_SECRET
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnvInt("PORT", 8080),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		CORSOrigins:     getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),
		InternalAuthKey: getEnv("INTERNAL_AUTH_KEY", ""),

		DatabaseURL: getEnv("DATABASE_URL", "file:pricewatch.db?_journal=WAL&_timeout=5000"),

		RequestDelay:     getEnvDuration("FETCHER_REQUEST_DELAY", 2*time.Second),
		FetchTimeout:     getEnvDuration("FETCHER_TIMEOUT", 30*time.Second),
		MaxRetries:       getEnvInt("FETCHER_MAX_RETRIES", 3),
		BrowserTimeout:   getEnvDuration("FETCHER_BROWSER_TIMEOUT", 60*time.Second),
		WaitForJS:        getEnvBool("FETCHER_WAIT_FOR_JS", true),
		DifficultDomains: getEnvSlice("FETCHER_DIFFICULT_DOMAINS", nil),
		BrowserPoolSize:  getEnvInt("BROWSER_POOL_SIZE", 4),

		BrowserMaxAge:      getEnvDuration("BROWSER_MAX_AGE", 30*time.Minute),
		BrowserMaxRequests: getEnvInt("BROWSER_MAX_REQUESTS", 50),
		BrowserIdleTimeout: getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		ChromePath:         getEnv("CHROME_PATH", ""),
		UserAgent: getEnv("FETCHER_USER_AGENT",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),

		MinConfidence:     getEnvFloat("VALIDATION_MIN_CONFIDENCE", 0.6),
		MaxPriceChangePct: getEnvFloat("VALIDATION_MAX_PRICE_CHANGE_PCT", 50),
		MaxPlausiblePrice: getEnvFloat("VALIDATION_MAX_PRICE", 100000),

		SchedulerTick:       getEnvDuration("SCHEDULER_TICK", 5*time.Minute),
		SchedulerWorkers:    getEnvInt("SCHEDULER_WORKERS", 4),
		SchedulerMaxBatch:   getEnvInt("SCHEDULER_MAX_BATCH", 50),
		ClaimTTL:            getEnvDuration("SCHEDULER_CLAIM_TTL", 15*time.Minute),
		ShutdownGracePeriod: getEnvDuration("SCHEDULER_SHUTDOWN_TIMEOUT", 30*time.Second),

		IntervalHigh:   getEnvDuration("PRIORITY_INTERVAL_HIGH", 15*time.Minute),
		IntervalNormal: getEnvDuration("PRIORITY_INTERVAL_NORMAL", 60*time.Minute),
		IntervalLow:    getEnvDuration("PRIORITY_INTERVAL_LOW", 24*time.Hour),

		PriceHistoryRetention: getEnvDuration("RETENTION_PRICE_HISTORY", 30*24*time.Hour),
		JanitorInterval:       getEnvDuration("JANITOR_INTERVAL", time.Hour),

		GeneratorWebhookURL:    getEnv("GENERATOR_WEBHOOK_URL", ""),
		GeneratorWebhookSecret: getEnv("GENERATOR_WEBHOOK_SECRET", ""),

		StorageEndpoint:     getEnv("S3_ENDPOINT", getEnv("AWS_ENDPOINT_URL_S3", "")),
		StorageAccessKey:    getEnv("S3_ACCESS_KEY_ID", getEnv("AWS_ACCESS_KEY_ID", "")),
		StorageSecretKey:    getEnv("S3_SECRET_ACCESS_KEY", getEnv("AWS_SECRET_ACCESS_KEY", "")),
		StorageRegion:       getEnv("S3_REGION", getEnv("AWS_REGION", "auto")),
		StorageUsePathStyle: getEnvBool("S3_USE_PATH_STYLE", true),
		ArtifactsBucket:     getEnv("S3_BUCKET_ARTIFACTS", "artifacts"),
		ScreenshotsBucket:   getEnv("S3_BUCKET_SCREENSHOTS", "screenshots"),
		ImagesBucket:        getEnv("S3_BUCKET_IMAGES", "images"),
	}

	// Storage is opt-in: it needs credentials or an endpoint to talk to.
	cfg.StorageEnabled = cfg.StorageEndpoint != "" && cfg.StorageAccessKey != ""

	domainDelays, err := parseDomainDelays(getEnv("FETCHER_DOMAIN_DELAYS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid FETCHER_DOMAIN_DELAYS: %w", err)
	}
	cfg.DomainDelays = domainDelays

	// Derive the session-cookie encryption key. A missing secret gets a
	// random one; encrypted sessions then do not survive a restart, which
	// only costs a re-accept of consent dialogs.
	secret := getEnv("SESSION_SECRET", "")
	if secret == "" {
		secret = generateRandomSecret(64)
	}
	cfg.SessionKey = deriveSessionKey(secret)

	if cfg.SchedulerWorkers < 1 {
		return nil, fmt.Errorf("SCHEDULER_WORKERS must be at least 1")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("VALIDATION_MIN_CONFIDENCE must be in [0,1]")
	}

	return cfg, nil
}

// DelayFor returns the minimum inter-request delay for a domain.
func (c *Config) DelayFor(domain string) time.Duration {
	if d, ok := c.DomainDelays[domain]; ok {
		return d
	}
	return c.RequestDelay
}

// IsDifficult reports whether a domain is on the human-simulation allow-list.
func (c *Config) IsDifficult(domain string) bool {
	for _, d := range c.DifficultDomains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}

// FetchDeadline is the overall per-fetch budget: navigation plus the
// post-load waits plus artifact capture overhead.
func (c *Config) FetchDeadline() time.Duration {
	return c.BrowserTimeout + 30*time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// parseDomainDelays parses "host=seconds,host2=seconds" into a delay map.
// Seconds may be fractional.
func parseDomainDelays(raw string) (map[string]time.Duration, error) {
	delays := make(map[string]time.Duration)
	if raw == "" {
		return delays, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		host, secs, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("expected host=seconds, got %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(secs), 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("bad delay for %q: %q", host, secs)
		}
		delays[strings.ToLower(strings.TrimSpace(host))] = time.Duration(f * float64(time.Second))
	}
	return delays, nil
}

func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback (should never happen)
		return "pricewatch-secret-change-me-" + base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	}
	return base64.URLEncoding.EncodeToString(bytes)
}

// deriveSessionKey creates a 32-byte AES-256 key from a secret string using
// HKDF with SHA-256. Appropriate for high-entropy secrets; for low-entropy
// passwords use Argon2 instead.
func deriveSessionKey(secret string) []byte {
	salt := []byte("pricewatch-session-key-v1")
	info := []byte("aes-256-gcm-cookie-encryption")

	hkdfReader := hkdf.New(sha256.New, []byte(secret), salt, info)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		panic("hkdf: failed to derive key: " + err.Error())
	}

	return key
}
