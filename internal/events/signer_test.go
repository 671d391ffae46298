package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func TestSigner_Sign(t *testing.T) {
	secret := "test-secret-key"
	signer := NewSigner(secret)

	t.Run("generates valid signature", func(t *testing.T) {
		body := []byte(`{"event":"pattern_generation_requested","domain":"shop.example.com"}`)

		headers := signer.Sign(body)

		if headers.Signature == "" {
			t.Error("expected non-empty signature")
		}
		if headers.Timestamp == "" {
			t.Error("expected non-empty timestamp")
		}
	})

	t.Run("signature format matches expected", func(t *testing.T) {
		body := []byte(`{"test":"data"}`)

		headers := signer.Sign(body)

		bodyHash := sha256.Sum256(body)
		message := headers.Timestamp + "|" + hex.EncodeToString(bodyHash[:])
		h := hmac.New(sha256.New, []byte(secret))
		h.Write([]byte(message))
		expected := hex.EncodeToString(h.Sum(nil))

		if headers.Signature != expected {
			t.Errorf("Signature = %q, want %q", headers.Signature, expected)
		}
	})

	t.Run("different bodies produce different signatures", func(t *testing.T) {
		headers1 := signer.Sign([]byte(`{"domain":"one.example.com"}`))
		headers2 := signer.Sign([]byte(`{"domain":"two.example.com"}`))

		if headers1.Signature == headers2.Signature {
			t.Error("expected different signatures for different bodies")
		}
	})
}

func TestSigner_Verify(t *testing.T) {
	secret := "test-secret-key"
	signer := NewSigner(secret)

	t.Run("verifies valid signature", func(t *testing.T) {
		body := []byte(`{"test":"data"}`)

		headers := signer.Sign(body)

		if !signer.Verify(headers.Signature, headers.Timestamp, body) {
			t.Error("expected signature to be valid")
		}
	})

	t.Run("rejects expired timestamp", func(t *testing.T) {
		body := []byte(`{"test":"data"}`)
		oldTimestamp := strconv.FormatInt(time.Now().Add(-6*time.Minute).Unix(), 10)

		bodyHash := sha256.Sum256(body)
		message := oldTimestamp + "|" + hex.EncodeToString(bodyHash[:])
		h := hmac.New(sha256.New, []byte(secret))
		h.Write([]byte(message))
		signature := hex.EncodeToString(h.Sum(nil))

		if signer.Verify(signature, oldTimestamp, body) {
			t.Error("expected signature with expired timestamp to be invalid")
		}
	})

	t.Run("rejects tampered body", func(t *testing.T) {
		headers := signer.Sign([]byte(`{"test":"original"}`))

		if signer.Verify(headers.Signature, headers.Timestamp, []byte(`{"test":"tampered"}`)) {
			t.Error("expected signature to be invalid for tampered body")
		}
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		wrongSigner := NewSigner("wrong-secret")
		body := []byte(`{"test":"data"}`)

		headers := signer.Sign(body)

		if wrongSigner.Verify(headers.Signature, headers.Timestamp, body) {
			t.Error("expected signature to be invalid with wrong secret")
		}
	})

	t.Run("rejects invalid timestamp format", func(t *testing.T) {
		if signer.Verify("some-signature", "not-a-number", []byte("body")) {
			t.Error("expected invalid timestamp format to be rejected")
		}
	})
}
