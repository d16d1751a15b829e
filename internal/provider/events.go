package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vegaswarrior/leasesign/internal/domain"
)

// Provider push events, decoded at the ingestion boundary into an explicit
// tagged union. Anything that parses but isn't a known type becomes
// UnknownEvent so future provider event kinds are acknowledged, not retried.

type RecipientCompleted struct {
	EnvelopeID  string
	Ordinal     int
	CompletedAt time.Time
}

type EnvelopeCompleted struct {
	EnvelopeID  string
	CompletedAt time.Time
}

type UnknownEvent struct {
	Type string
}

type wireEvent struct {
	Event            string    `json:"event"`
	EnvelopeID       string    `json:"envelope_id"`
	RecipientOrdinal int       `json:"recipient_ordinal"`
	CompletedAt      time.Time `json:"completed_at"`
}

// DecodeEvent parses a raw webhook body. Structurally invalid payloads
// return ErrMalformedWebhook; well-formed payloads of unrecognized type
// return UnknownEvent.
func DecodeEvent(raw []byte) (any, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedWebhook, err)
	}

	eventType := strings.TrimSpace(we.Event)
	switch eventType {
	case "recipient-completed":
		if we.EnvelopeID == "" || we.RecipientOrdinal < 1 || we.CompletedAt.IsZero() {
			return nil, fmt.Errorf("%w: recipient-completed missing fields", domain.ErrMalformedWebhook)
		}
		return RecipientCompleted{EnvelopeID: we.EnvelopeID, Ordinal: we.RecipientOrdinal, CompletedAt: we.CompletedAt.UTC()}, nil
	case "envelope-completed":
		if we.EnvelopeID == "" || we.CompletedAt.IsZero() {
			return nil, fmt.Errorf("%w: envelope-completed missing fields", domain.ErrMalformedWebhook)
		}
		return EnvelopeCompleted{EnvelopeID: we.EnvelopeID, CompletedAt: we.CompletedAt.UTC()}, nil
	case "":
		return nil, fmt.Errorf("%w: missing event field", domain.ErrMalformedWebhook)
	default:
		return UnknownEvent{Type: eventType}, nil
	}
}
