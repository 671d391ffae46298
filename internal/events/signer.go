package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Headers carrying the payload signature on outbound webhook requests.
const (
	HeaderSignature = "X-Pricewatch-Signature"
	HeaderTimestamp = "X-Pricewatch-Timestamp"
)

// Signer creates HMAC signatures for webhook payloads so the generator can
// check that an event really came from this service.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer with the given shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
	}
}

// SignatureHeaders holds the header values for a signed payload.
type SignatureHeaders struct {
	Signature string
	Timestamp string
}

// Sign creates a signature for the given payload.
// Signature format: HMAC-SHA256(timestamp|bodyHash)
func (s *Signer) Sign(body []byte) SignatureHeaders {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	return SignatureHeaders{
		Signature: s.compute(timestamp, body),
		Timestamp: timestamp,
	}
}

// Verify checks a signature against the payload. Signatures older than five
// minutes are rejected regardless of validity.
func (s *Signer) Verify(signature, timestamp string, body []byte) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(ts, 0)) > 5*time.Minute {
		return false
	}

	expected := s.compute(timestamp, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (s *Signer) compute(timestamp string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	message := timestamp + "|" + hex.EncodeToString(bodyHash[:])

	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
