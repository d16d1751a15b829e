package signing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/artifacts"
	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/leases"
	"github.com/vegaswarrior/leasesign/internal/ledger"
	"github.com/vegaswarrior/leasesign/pkg/db"
)

type fakeLedger struct {
	req        ledger.Request
	resolveErr error
	markErr    error
	marked     int
	markedHash string
}

func (f *fakeLedger) ResolveToken(ctx context.Context, raw string) (ledger.Request, error) {
	if f.resolveErr != nil {
		return ledger.Request{}, f.resolveErr
	}
	return f.req, nil
}

func (f *fakeLedger) MarkSigned(ctx context.Context, q db.DBTX, requestID, hash string, at time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked++
	f.markedHash = hash
	return nil
}

type fakeArtifacts struct {
	inserted []artifacts.Artifact
	err      error
}

func (f *fakeArtifacts) Insert(ctx context.Context, q db.DBTX, a artifacts.Artifact) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, a)
	return nil
}

type fakeSync struct {
	result leases.Result
	err    error
	calls  []string
}

func (f *fakeSync) RecordSignature(ctx context.Context, q db.DBTX, leaseID string, role domain.Role, at time.Time) (leases.Result, error) {
	f.calls = append(f.calls, leaseID+"/"+string(role))
	return f.result, f.err
}

type fakeNotifier struct {
	executed int
	lastCtx  context.Context
}

func (f *fakeNotifier) LeaseFullyExecuted(ctx context.Context, leaseID string, at time.Time) {
	f.executed++
	f.lastCtx = ctx
}

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(q db.DBTX) error) error { return fn(nil) }

func sentRequest() ledger.Request {
	return ledger.Request{
		RequestID: "sr_1",
		LeaseID:   "lse_1",
		Role:      domain.RoleTenant,
		Recipient: ledger.Recipient{Name: "Tess Tenant", Email: "tess@example.com"},
		Status:    ledger.StatusSent,
		Terms:     testTerms(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newTestHandler(l *fakeLedger, a *fakeArtifacts, s *fakeSync, n *fakeNotifier) *Handler {
	h := NewHandler(l, a, s, n, passTx{}, zap.NewNop())
	h.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	return h
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func submitBodyJSON() string {
	b, _ := json.Marshal(map[string]string{
		"signer_name":            "Tess Tenant",
		"signature_image_base64": base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	})
	return string(b)
}

func TestShowRendersSnapshotDocument(t *testing.T) {
	l := &fakeLedger{req: sentRequest()}
	h := newTestHandler(l, &fakeArtifacts{}, &fakeSync{}, &fakeNotifier{})

	w := serve(h, "GET", "/sign/tok", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		LeaseID  string `json:"lease_id"`
		Role     string `json:"role"`
		Document string `json:"document"`
		Anchors  []struct {
			Role string `json:"role"`
		} `json:"anchors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LeaseID != "lse_1" || resp.Role != "tenant" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(resp.Document, "Tess Tenant") {
		t.Fatalf("document missing tenant name")
	}
	for _, a := range resp.Anchors {
		if a.Role != "tenant" {
			t.Fatalf("anchors must be scoped to the signer's role, got %s", a.Role)
		}
	}
}

func TestSubmitHappyPathSetsOneRole(t *testing.T) {
	l := &fakeLedger{req: sentRequest()}
	a := &fakeArtifacts{}
	s := &fakeSync{result: leases.Result{Applied: true, FullyExecuted: false}}
	n := &fakeNotifier{}
	h := newTestHandler(l, a, s, n)

	w := serve(h, "POST", "/sign/tok", submitBodyJSON())
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if l.marked != 1 {
		t.Fatalf("expected MarkSigned once, got %d", l.marked)
	}
	if len(a.inserted) != 1 {
		t.Fatalf("expected one artifact, got %d", len(a.inserted))
	}
	if a.inserted[0].SHA256 != l.markedHash {
		t.Fatalf("artifact hash must match the hash recorded on the request")
	}
	if len(s.calls) != 1 || s.calls[0] != "lse_1/tenant" {
		t.Fatalf("unexpected sync calls: %v", s.calls)
	}
	if n.executed != 0 {
		t.Fatalf("fully-executed event must not fire for a single signature")
	}
}

func TestSubmitSecondRoleFiresFullyExecutedOnce(t *testing.T) {
	req := sentRequest()
	req.Role = domain.RoleLandlord
	l := &fakeLedger{req: req}
	s := &fakeSync{result: leases.Result{Applied: true, FullyExecuted: true}}
	n := &fakeNotifier{}
	h := newTestHandler(l, &fakeArtifacts{}, s, n)

	w := serve(h, "POST", "/sign/tok", submitBodyJSON())
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if n.executed != 1 {
		t.Fatalf("expected exactly one fully-executed event, got %d", n.executed)
	}
}

func TestFullyExecutedNotifySurvivesClientDisconnect(t *testing.T) {
	req := sentRequest()
	req.Role = domain.RoleLandlord
	l := &fakeLedger{req: req}
	s := &fakeSync{result: leases.Result{Applied: true, FullyExecuted: true}}
	n := &fakeNotifier{}
	h := newTestHandler(l, &fakeArtifacts{}, s, n)

	router := chi.NewRouter()
	h.Routes(router)
	ctx, cancel := context.WithCancel(context.Background())
	httpReq := httptest.NewRequest("POST", "/sign/tok", strings.NewReader(submitBodyJSON())).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	cancel() // signer's browser goes away right after commit

	if w.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if n.executed != 1 {
		t.Fatalf("expected one fully-executed event, got %d", n.executed)
	}
	if n.lastCtx == nil || n.lastCtx.Err() != nil {
		t.Fatalf("notify context must outlive the request, got err %v", n.lastCtx.Err())
	}
}

func TestSubmitAlreadySignedTokenIsRejected(t *testing.T) {
	l := &fakeLedger{resolveErr: domain.ErrAlreadyCompleted}
	a := &fakeArtifacts{}
	h := newTestHandler(l, a, &fakeSync{}, &fakeNotifier{})

	w := serve(h, "POST", "/sign/tok", submitBodyJSON())
	if w.Code != 409 {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if len(a.inserted) != 0 {
		t.Fatalf("no new artifact may be created for a consumed token")
	}
}

func TestSubmitExpiredToken(t *testing.T) {
	l := &fakeLedger{resolveErr: domain.ErrExpired}
	h := newTestHandler(l, &fakeArtifacts{}, &fakeSync{}, &fakeNotifier{})

	if w := serve(h, "POST", "/sign/tok", submitBodyJSON()); w.Code != 410 {
		t.Fatalf("expected 410, got %d", w.Code)
	}
}

func TestShowUnknownToken(t *testing.T) {
	l := &fakeLedger{resolveErr: domain.ErrNotFound}
	h := newTestHandler(l, &fakeArtifacts{}, &fakeSync{}, &fakeNotifier{})

	if w := serve(h, "GET", "/sign/tok", ""); w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestSubmitStorageFailureRollsBack(t *testing.T) {
	l := &fakeLedger{req: sentRequest()}
	a := &fakeArtifacts{err: domain.ErrStorage}
	s := &fakeSync{result: leases.Result{Applied: true}}
	n := &fakeNotifier{}
	h := newTestHandler(l, a, s, n)

	w := serve(h, "POST", "/sign/tok", submitBodyJSON())
	if w.Code != 500 {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if n.executed != 0 {
		t.Fatalf("no event may fire when the transaction fails")
	}
	if len(s.calls) != 0 {
		t.Fatalf("lease update must not run after storage failure")
	}
}

func TestSubmitLosingRaceTreatedAsCompleted(t *testing.T) {
	l := &fakeLedger{req: sentRequest(), markErr: domain.ErrAlreadyCompleted}
	a := &fakeArtifacts{}
	h := newTestHandler(l, a, &fakeSync{}, &fakeNotifier{})

	w := serve(h, "POST", "/sign/tok", submitBodyJSON())
	if w.Code != 409 {
		t.Fatalf("expected 409 for the losing submit, got %d", w.Code)
	}
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	l := &fakeLedger{req: sentRequest()}
	h := newTestHandler(l, &fakeArtifacts{}, &fakeSync{}, &fakeNotifier{})

	if w := serve(h, "POST", "/sign/tok", `{"signer_name":""}`); w.Code != 400 {
		t.Fatalf("expected 400 for missing signer name, got %d", w.Code)
	}
	if w := serve(h, "POST", "/sign/tok", `{"signer_name":"Tess","signature_image_base64":"!!!"}`); w.Code != 400 {
		t.Fatalf("expected 400 for bad base64, got %d", w.Code)
	}
}
