package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/ledger"
)

// Notifier is the collaborator the signing core informs; delivery of signing
// links and the fully-executed announcement belong to the wider platform,
// not to this subsystem.
type Notifier interface {
	SigningLinkCreated(ctx context.Context, req ledger.Request, link string)
	LeaseFullyExecuted(ctx context.Context, leaseID string, at time.Time)
}

// HTTPNotifier posts JSON events to the platform notification service. Fire
// and forget: a notification failure is logged, never propagated, because
// the lease state transition has already committed.
type HTTPNotifier struct {
	BaseURL string
	HTTP    *http.Client
	Log     *zap.Logger
}

func NewHTTPNotifier(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}, Log: log}
}

func (n *HTTPNotifier) SigningLinkCreated(ctx context.Context, req ledger.Request, link string) {
	n.post(ctx, "/events/signing-link", map[string]any{
		"request_id":      req.RequestID,
		"lease_id":        req.LeaseID,
		"role":            req.Role,
		"recipient_name":  req.Recipient.Name,
		"recipient_email": req.Recipient.Email,
		"link":            link,
		"expires_at":      req.ExpiresAt,
	})
}

func (n *HTTPNotifier) LeaseFullyExecuted(ctx context.Context, leaseID string, at time.Time) {
	n.post(ctx, "/events/lease-fully-executed", map[string]any{
		"lease_id":    leaseID,
		"executed_at": at.UTC().Format(time.RFC3339),
	})
}

func (n *HTTPNotifier) post(ctx context.Context, path string, payload map[string]any) {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		n.Log.Error("notify request build failed", zap.String("path", path), zap.Error(err))
		return
	}
	req.Header.Set("content-type", "application/json")
	resp, err := n.HTTP.Do(req)
	if err != nil {
		n.Log.Warn("notify delivery failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.Log.Warn("notify delivery rejected", zap.String("path", path), zap.Error(fmt.Errorf("status %d", resp.StatusCode)))
	}
}

// LogNotifier serves development and tests: events go to the log only.
type LogNotifier struct{ Log *zap.Logger }

func (n LogNotifier) SigningLinkCreated(_ context.Context, req ledger.Request, link string) {
	n.Log.Info("signing link created",
		zap.String("lease_id", req.LeaseID), zap.String("role", string(req.Role)), zap.String("link", link))
}

func (n LogNotifier) LeaseFullyExecuted(_ context.Context, leaseID string, at time.Time) {
	n.Log.Info("lease fully executed", zap.String("lease_id", leaseID), zap.Time("at", at))
}
