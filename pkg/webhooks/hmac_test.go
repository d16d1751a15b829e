package webhooks

import (
	"net/http"
	"testing"
	"time"
)

func TestHMACVerifierValidSignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"event":"envelope-completed"}`)
	headers := http.Header{}
	headers.Set("X-Esign-Signature", Sign(secret, body))
	headers.Set("X-Esign-Event-Id", "evt_123")
	headers.Set("X-Esign-Event-Type", "envelope-completed")

	v := NewHMACVerifier("esign")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid signature")
	}
	if got.ProviderEventID != "evt_123" || got.EventType != "envelope-completed" {
		t.Fatalf("unexpected event metadata: %#v", got)
	}
}

func TestHMACVerifierInvalidSignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"ok":true}`)
	headers := http.Header{}
	headers.Set("X-Esign-Signature", "sha256=deadbeef")

	v := NewHMACVerifier("esign")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected invalid signature")
	}
}

func TestHMACVerifierMissingSignature(t *testing.T) {
	v := NewHMACVerifier("esign")
	got, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(0, 0), "topsecret")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected invalid without signature header")
	}
	if got.EventType != "unknown" {
		t.Fatalf("expected unknown event type, got %s", got.EventType)
	}
}

func TestHMACVerifierEmptySecret(t *testing.T) {
	v := NewHMACVerifier("esign")
	if _, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(0, 0), ""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
