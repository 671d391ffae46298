// Package urlnorm produces canonical base URLs for listing identity and
// object-store keys. A url_base keeps scheme, lowercased host (without a
// leading "www."), and path; query string and fragment are dropped and a
// trailing slash is stripped from non-root paths. Path case is preserved.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Normalize returns the canonical base URL for raw. Normalize is
// idempotent: applying it to its own output returns the same string.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	// User-supplied URLs often arrive without a scheme.
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %q", raw)
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	path := u.EscapedPath()
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	return strings.ToLower(u.Scheme) + "://" + host + path, nil
}

// Domain returns the normalized host of raw: lowercase, no "www.", no
// port. This is the key under which stores and patterns are kept.
func Domain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", fmt.Errorf("url has no host: %q", raw)
	}
	return host, nil
}

// Hash16 returns the first 16 hex characters of SHA-256(s). Used for
// object-store keys and pattern content digests.
func Hash16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
