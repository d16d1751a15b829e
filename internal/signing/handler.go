package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/artifacts"
	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/leases"
	"github.com/vegaswarrior/leasesign/internal/ledger"
	"github.com/vegaswarrior/leasesign/internal/render"
	"github.com/vegaswarrior/leasesign/pkg/db"
	"github.com/vegaswarrior/leasesign/pkg/dochash"
	"github.com/vegaswarrior/leasesign/pkg/httpx"
)

const maxSignatureBodyBytes = 2 << 20 // 2MB

type Ledger interface {
	ResolveToken(ctx context.Context, rawToken string) (ledger.Request, error)
	MarkSigned(ctx context.Context, q db.DBTX, requestID, documentHash string, signedAt time.Time) error
}

type ArtifactStore interface {
	Insert(ctx context.Context, q db.DBTX, a artifacts.Artifact) error
}

type Sync interface {
	RecordSignature(ctx context.Context, q db.DBTX, leaseID string, role domain.Role, signedAt time.Time) (leases.Result, error)
}

type Notifier interface {
	LeaseFullyExecuted(ctx context.Context, leaseID string, at time.Time)
}

// TxRunner runs fn inside a single database transaction. Storage of the
// artifact, closing the ledger entry, and the lease update commit together
// or not at all, so a signer retry after any failure is always safe.
type TxRunner interface {
	InTx(ctx context.Context, fn func(q db.DBTX) error) error
}

// Handler serves the token-link signing flow: GET shows the document a
// recipient was sent, POST accepts the captured signature and produces the
// final artifact.
type Handler struct {
	Ledger    Ledger
	Artifacts ArtifactStore
	Sync      Sync
	Notify    Notifier
	Tx        TxRunner
	Log       *zap.Logger
	now       func() time.Time
}

func NewHandler(l Ledger, a ArtifactStore, s Sync, n Notifier, tx TxRunner, log *zap.Logger) *Handler {
	return &Handler{
		Ledger: l, Artifacts: a, Sync: s, Notify: n, Tx: tx, Log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/sign/{token}", h.HandleShow)
	r.Post("/sign/{token}", h.HandleSubmit)
}

func (h *Handler) HandleShow(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	req, err := h.Ledger.ResolveToken(r.Context(), token)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	// Render from the terms captured when the link was sent, never live data.
	doc, err := render.Render(req.Terms)
	if err != nil {
		httpx.WriteError(w, 500, "RENDER_ERROR", err.Error(), nil)
		return
	}

	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"lease_id":   req.LeaseID,
		"role":       req.Role,
		"recipient":  req.Recipient,
		"expires_at": req.ExpiresAt,
		"document":   render.ToHTML(doc.Text),
		"anchors":    anchorsForRole(doc, req.Role),
	})
}

type submitBody struct {
	SignerName        string `json:"signer_name"`
	SignatureImageB64 string `json:"signature_image_base64"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	r.Body = http.MaxBytesReader(w, r.Body, maxSignatureBodyBytes)
	var body submitBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.SignerName) == "" {
		httpx.WriteError(w, 400, "VALIDATION_ERROR", "signer_name is required", nil)
		return
	}
	sigPNG, err := base64.StdEncoding.DecodeString(body.SignatureImageB64)
	if err != nil || len(sigPNG) == 0 {
		httpx.WriteError(w, 400, "VALIDATION_ERROR", "signature_image_base64 must be a non-empty base64 PNG", nil)
		return
	}

	req, err := h.Ledger.ResolveToken(r.Context(), token)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	doc, err := render.Render(req.Terms)
	if err != nil {
		httpx.WriteError(w, 500, "RENDER_ERROR", err.Error(), nil)
		return
	}

	capture := Capture{
		RequestID:  req.RequestID,
		SignerName: body.SignerName,
		Email:      req.Recipient.Email,
		IP:         httpx.ClientIP(r),
		UserAgent:  r.UserAgent(),
		SignedAt:   h.now(),
	}
	stamped, satisfied, err := Stamp(doc, req.Role, sigPNG, capture)
	if err != nil {
		httpx.WriteError(w, 400, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	hash := dochash.SHA256Hex(stamped)

	artifact := artifacts.Artifact{
		ArtifactID: artifacts.NewID(),
		RequestID:  req.RequestID,
		LeaseID:    req.LeaseID,
		Role:       req.Role,
		Document:   stamped,
		SHA256:     hash,
		CreatedAt:  capture.SignedAt,
		Audit: artifacts.AuditRecord{
			RequestID:        req.RequestID,
			LeaseID:          req.LeaseID,
			Role:             req.Role,
			SignerName:       capture.SignerName,
			Email:            capture.Email,
			IP:               capture.IP,
			UserAgent:        capture.UserAgent,
			SignedAt:         capture.SignedAt,
			SatisfiedAnchors: satisfied,
			RenderedHash:     doc.Hash(),
		},
	}

	var result leases.Result
	err = h.Tx.InTx(r.Context(), func(q db.DBTX) error {
		// MarkSigned's CAS decides the race: exactly one concurrent submit
		// stores an artifact, the rest roll back here.
		if err := h.Ledger.MarkSigned(r.Context(), q, req.RequestID, hash, capture.SignedAt); err != nil {
			return err
		}
		if err := h.Artifacts.Insert(r.Context(), q, artifact); err != nil {
			return err
		}
		var err error
		result, err = h.Sync.RecordSignature(r.Context(), q, req.LeaseID, req.Role, capture.SignedAt)
		return err
	})
	if err != nil {
		if isTokenStateErr(err) {
			writeTokenError(w, err)
			return
		}
		h.Log.Error("signing completion failed, rolled back",
			zap.String("request_id", req.RequestID), zap.Error(err))
		httpx.WriteError(w, 500, "STORAGE_ERROR", "could not store signed document, please retry", nil)
		return
	}

	h.Log.Info("signature captured",
		zap.String("lease_id", req.LeaseID),
		zap.String("role", string(req.Role)),
		zap.String("artifact_id", artifact.ArtifactID),
		zap.Bool("fully_executed", result.FullyExecuted))

	if result.FullyExecuted {
		// The transition has committed; a client disconnect must not cancel
		// the announcement.
		h.Notify.LeaseFullyExecuted(context.WithoutCancel(r.Context()), req.LeaseID, capture.SignedAt)
	}

	httpx.WriteJSON(w, 201, map[string]any{
		"request_id":     httpx.NewRequestID(),
		"artifact_id":    artifact.ArtifactID,
		"sha256":         hash,
		"lease_id":       req.LeaseID,
		"role":           req.Role,
		"fully_executed": result.FullyExecuted,
	})
}

func anchorsForRole(doc render.Document, role domain.Role) []render.Anchor {
	out := make([]render.Anchor, 0, len(doc.Anchors))
	for _, a := range doc.Anchors {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

func isTokenStateErr(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrExpired) ||
		errors.Is(err, domain.ErrAlreadyCompleted)
}

// writeTokenError maps ledger state violations to the user-facing messages
// the signing page shows. These never surface as generic failures.
func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyCompleted):
		httpx.WriteError(w, 409, "ALREADY_SIGNED", "this document has already been signed", nil)
	case errors.Is(err, domain.ErrExpired):
		httpx.WriteError(w, 410, "LINK_EXPIRED", "this signing link has expired; ask for a new one", nil)
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, 401, "UNAUTHORIZED", "this signing link is not valid", nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}
