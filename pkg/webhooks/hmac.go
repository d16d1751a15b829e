package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	hmacSignatureHeader = "X-Esign-Signature"
	hmacEventIDHeader   = "X-Esign-Event-Id"
	hmacEventTypeHeader = "X-Esign-Event-Type"
	hmacScheme          = "hmac-sha256/v1"
)

type hmacVerifier struct {
	provider string
}

// NewHMACVerifier verifies the e-sign provider's body signature: hex-encoded
// HMAC-SHA256 of the raw request body, optionally prefixed with "sha256=".
func NewHMACVerifier(provider string) Verifier {
	return &hmacVerifier{provider: strings.TrimSpace(provider)}
}

func (v *hmacVerifier) Provider() string { return v.provider }

func (v *hmacVerifier) Verify(headers http.Header, rawBody []byte, _ time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	res := VerificationResult{
		Valid:  false,
		Scheme: hmacScheme,
		Details: map[string]any{
			"signature_header_present": false,
			"provider":                 v.provider,
			"used_header":              hmacSignatureHeader,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(hmacEventIDHeader)),
		EventType:       strings.TrimSpace(headers.Get(hmacEventTypeHeader)),
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}

	sigHex := strings.TrimSpace(headers.Get(hmacSignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true
	if strings.HasPrefix(strings.ToLower(sigHex), "sha256=") {
		sigHex = sigHex[len("sha256="):]
	}

	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		res.Details["signature_hex_decodable"] = false
		return res, nil
	}
	res.Details["signature_hex_decodable"] = true

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(provided, mac.Sum(nil))
	return res, nil
}

// Sign produces the header value a caller would send, for tests and for the
// outbound notifier.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
