package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/leases"
	"github.com/vegaswarrior/leasesign/internal/provider"
	"github.com/vegaswarrior/leasesign/pkg/db"
	"github.com/vegaswarrior/leasesign/pkg/httpx"
	"github.com/vegaswarrior/leasesign/pkg/webhooks"
)

const maxWebhookBodyBytes = 1 << 20 // 1MB

type LeaseLookup interface {
	GetByEnvelopeID(ctx context.Context, envelopeID string) (leases.Lease, error)
}

type RoleMapper interface {
	RoleForOrdinal(ctx context.Context, envelopeID string, ordinal int) (domain.Role, error)
}

type Sync interface {
	RecordSignature(ctx context.Context, q db.DBTX, leaseID string, role domain.Role, signedAt time.Time) (leases.Result, error)
}

type Notifier interface {
	LeaseFullyExecuted(ctx context.Context, leaseID string, at time.Time)
}

type Receipts interface {
	Insert(ctx context.Context, r Receipt) (string, error)
}

// Requests closes the pending ledger entry for a hosted signature so both
// backends leave the same per-(lease, role) status trail.
type Requests interface {
	MarkSignedForLease(ctx context.Context, q db.DBTX, leaseID string, role domain.Role, signedAt time.Time) error
}

// Handler ingests the hosted provider's pushed status events. Idempotency
// comes from the Synchronizer's conditional writes, so redelivery of any
// event is acknowledged as a no-op rather than erroring the provider into a
// retry loop.
type Handler struct {
	Leases   LeaseLookup
	Roles    RoleMapper
	Sync     Sync
	Notify   Notifier
	Receipts Receipts
	Requests Requests
	DB       db.DBTX
	Verifier webhooks.Verifier
	Secret   string
	Log      *zap.Logger
	now      func() time.Time
}

func NewHandler(l LeaseLookup, roles RoleMapper, s Sync, n Notifier, rcpt Receipts, reqs Requests, q db.DBTX, secret string, log *zap.Logger) *Handler {
	return &Handler{
		Leases: l, Roles: roles, Sync: s, Notify: n, Receipts: rcpt, Requests: reqs, DB: q,
		Verifier: webhooks.NewHMACVerifier("esign"),
		Secret:   secret, Log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, 413, "PAYLOAD_TOO_LARGE", "payload exceeds 1MB limit", nil)
			return
		}
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}

	receivedAt := h.now()
	verification, err := h.Verifier.Verify(r.Header, rawBody, receivedAt, h.Secret)
	if err != nil {
		httpx.WriteError(w, 500, "VERIFIER_ERROR", err.Error(), nil)
		return
	}
	receipt := Receipt{
		ProviderEventID: verification.ProviderEventID,
		EventType:       verification.EventType,
		ReceivedAt:      receivedAt,
		RawBody:         rawBody,
		SignatureValid:  verification.Valid,
	}
	if !verification.Valid {
		receipt.ProcessingStatus = ReceiptRejected
		h.saveReceipt(r.Context(), receipt)
		httpx.WriteError(w, 401, "BAD_SIGNATURE", "webhook signature invalid", nil)
		return
	}

	event, err := provider.DecodeEvent(rawBody)
	if err != nil {
		// Structurally invalid. The provider cannot resend it correctly, so
		// log, record, and answer 400 once.
		h.Log.Warn("malformed webhook dropped", zap.Error(err))
		receipt.ProcessingStatus = ReceiptRejected
		h.saveReceipt(r.Context(), receipt)
		httpx.WriteError(w, 400, "MALFORMED_EVENT", "unparseable event payload", nil)
		return
	}

	status, leaseID, err := h.apply(r.Context(), event)
	if err != nil {
		// Verified and well-formed but not applied. Answer 5xx so the
		// provider redelivers; 200 would lose the signal for good.
		h.Log.Error("webhook apply failed", zap.String("lease_id", leaseID), zap.Error(err))
		receipt.ProcessingStatus = ReceiptFailed
		receipt.LeaseID = leaseID
		h.saveReceipt(r.Context(), receipt)
		httpx.WriteError(w, 500, "APPLY_FAILED", "event could not be applied, redeliver", nil)
		return
	}
	receipt.ProcessingStatus = status
	receipt.LeaseID = leaseID
	h.saveReceipt(r.Context(), receipt)

	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"status":     status,
	})
}

// apply maps an event to lease/role signals. Unknown envelopes and event
// types are acknowledged and ignored; only an internal write failure is an
// error.
func (h *Handler) apply(ctx context.Context, event any) (status, leaseID string, err error) {
	switch ev := event.(type) {
	case provider.RecipientCompleted:
		lease, err := h.Leases.GetByEnvelopeID(ctx, ev.EnvelopeID)
		if err != nil {
			h.Log.Warn("webhook for unknown envelope", zap.String("envelope_id", ev.EnvelopeID))
			return ReceiptIgnored, "", nil
		}
		role, err := h.Roles.RoleForOrdinal(ctx, ev.EnvelopeID, ev.Ordinal)
		if err != nil {
			h.Log.Warn("webhook for unmapped recipient ordinal",
				zap.String("envelope_id", ev.EnvelopeID), zap.Int("ordinal", ev.Ordinal))
			return ReceiptIgnored, lease.LeaseID, nil
		}
		st, err := h.record(ctx, lease.LeaseID, role, ev.CompletedAt)
		return st, lease.LeaseID, err

	case provider.EnvelopeCompleted:
		lease, err := h.Leases.GetByEnvelopeID(ctx, ev.EnvelopeID)
		if err != nil {
			h.Log.Warn("webhook for unknown envelope", zap.String("envelope_id", ev.EnvelopeID))
			return ReceiptIgnored, "", nil
		}
		// Envelope completion implies every recipient finished; apply both
		// roles, each write independently first-writer-wins.
		st := ReceiptDuplicate
		for _, role := range []domain.Role{domain.RoleTenant, domain.RoleLandlord} {
			roleStatus, err := h.record(ctx, lease.LeaseID, role, ev.CompletedAt)
			if err != nil {
				return "", lease.LeaseID, err
			}
			if roleStatus == ReceiptApplied {
				st = ReceiptApplied
			}
		}
		return st, lease.LeaseID, nil

	case provider.UnknownEvent:
		h.Log.Info("ignoring unrecognized provider event", zap.String("event_type", ev.Type))
		return ReceiptIgnored, "", nil
	default:
		return ReceiptIgnored, "", nil
	}
}

func (h *Handler) record(ctx context.Context, leaseID string, role domain.Role, at time.Time) (string, error) {
	result, err := h.Sync.RecordSignature(ctx, h.DB, leaseID, role, at)
	if err != nil {
		return "", err
	}
	if result.FullyExecuted {
		// State has committed; a dropped provider connection must not cancel
		// the announcement.
		h.Notify.LeaseFullyExecuted(context.WithoutCancel(ctx), leaseID, at)
	}
	// Close the pending ledger entry too. Runs on duplicates as well so a
	// redelivery after a partial failure still converges; already-signed is
	// a zero-row no-op.
	if h.Requests != nil {
		if err := h.Requests.MarkSignedForLease(ctx, h.DB, leaseID, role, at); err != nil {
			return "", err
		}
	}
	if result.Applied {
		return ReceiptApplied, nil
	}
	return ReceiptDuplicate, nil
}

func (h *Handler) saveReceipt(ctx context.Context, r Receipt) {
	if h.Receipts == nil {
		return
	}
	if _, err := h.Receipts.Insert(ctx, r); err != nil {
		h.Log.Error("failed to persist webhook receipt", zap.Error(err))
	}
}
