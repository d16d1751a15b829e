package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/artifacts"
	"github.com/vegaswarrior/leasesign/internal/config"
	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/ingest"
	"github.com/vegaswarrior/leasesign/internal/leases"
	"github.com/vegaswarrior/leasesign/internal/ledger"
	"github.com/vegaswarrior/leasesign/internal/notify"
	"github.com/vegaswarrior/leasesign/internal/provider"
	"github.com/vegaswarrior/leasesign/internal/render"
	"github.com/vegaswarrior/leasesign/internal/signing"
	"github.com/vegaswarrior/leasesign/pkg/db"
	"github.com/vegaswarrior/leasesign/pkg/httpx"
	"github.com/vegaswarrior/leasesign/pkg/secrets"
)

const oauthCookieMaxAge = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var log *zap.Logger
	if cfg.Environment == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connect failed", zap.Error(err))
	}
	defer pool.Close()

	box, err := secrets.NewBox(cfg.SecretsKey)
	if err != nil {
		log.Fatal("secrets key invalid", zap.Error(err))
	}

	ledgerStore := ledger.New(pool, cfg.SigningLinkTTL, cfg.TokenBytes)
	leaseStore := leases.NewStore(pool)
	sync := leases.NewSynchronizer(pool, log)
	artifactStore := artifacts.NewStore(pool)
	receiptStore := ingest.NewReceiptStore(pool)

	var notifier notify.Notifier
	if cfg.NotifyBaseURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyBaseURL, cfg.HTTPTimeout, log)
	} else {
		notifier = notify.LogNotifier{Log: log}
	}

	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderClientID, cfg.ProviderSecret,
		cfg.ProviderRedirect, cfg.HTTPTimeout, cfg.MaxRetries, log)
	connStore := provider.NewConnStore(pool, box)
	connector := provider.NewConnector(connStore, providerClient, leaseStore, ledgerStore, log)

	signingHandler := signing.NewHandler(ledgerStore, artifactStore, sync, notifier, db.PoolRunner{Pool: pool}, log)
	ingestHandler := ingest.NewHandler(leaseStore, connStore, sync, notifier, receiptStore, ledgerStore, pool, cfg.WebhookSecret, log)

	srv := &server{
		cfg:       cfg,
		log:       log,
		ledger:    ledgerStore,
		leases:    leaseStore,
		artifacts: artifactStore,
		connector: connector,
		connStore: connStore,
		notifier:  notifier,
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	signingHandler.Routes(r)
	r.Post("/webhooks/esign", ingestHandler.HandleEvent)

	r.Get("/connect", srv.handleConnect)
	r.Get("/callback", srv.handleCallback)

	r.Post("/leases/{lease_id}/send", srv.handleSend)
	r.Get("/leases/{lease_id}", srv.handleGetLease)

	r.Get("/artifacts/{artifact_id}", srv.handleGetArtifact)
	r.Get("/artifacts/{artifact_id}/verify", srv.handleVerifyArtifact)

	log.Info("lease signing service listening", zap.String("port", cfg.HTTPPort))
	if err := http.ListenAndServe(":"+cfg.HTTPPort, r); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

type server struct {
	cfg       config.Config
	log       *zap.Logger
	ledger    *ledger.Store
	leases    *leases.Store
	artifacts *artifacts.Store
	connector *provider.Connector
	connStore *provider.ConnStore
	notifier  notify.Notifier
}

type sendBody struct {
	Mode      string            `json:"mode"` // "native" or "hosted"
	Role      domain.Role       `json:"role,omitempty"`
	Terms     render.LeaseTerms `json:"terms"`
	Recipient ledger.Recipient  `json:"recipient,omitempty"`
	Tenant    ledger.Recipient  `json:"tenant,omitempty"`
	Landlord  ledger.Recipient  `json:"landlord,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
}

// handleSend opens a signing obligation for a lease: a token-link request on
// the native path, or a provider envelope on the hosted path.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "lease_id")
	var body sendBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	body.Terms.LeaseID = leaseID

	if err := body.Terms.Validate(); err != nil {
		httpx.WriteError(w, 400, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if err := s.leases.Ensure(r.Context(), leaseID); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}

	switch body.Mode {
	case "native":
		req, rawToken, err := s.ledger.CreateRequest(r.Context(), body.Terms, body.Role, body.Recipient)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				httpx.WriteError(w, 400, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		link := s.cfg.PublicBaseURL + "/sign/" + rawToken
		// Request creation has committed; deliver the link even if the caller
		// disconnects.
		s.notifier.SigningLinkCreated(context.WithoutCancel(r.Context()), req, link)
		httpx.WriteJSON(w, 201, map[string]any{
			"request_id":        httpx.NewRequestID(),
			"signature_request": req,
			"signing_link":      link,
		})
	case "hosted":
		envelopeID, err := s.connector.SendEnvelope(r.Context(), body.AccountID, body.Terms, body.Tenant, body.Landlord)
		if err != nil {
			writeProviderError(w, err)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{
			"request_id":  httpx.NewRequestID(),
			"envelope_id": envelopeID,
		})
	default:
		httpx.WriteError(w, 400, "VALIDATION_ERROR", `mode must be "native" or "hosted"`, nil)
	}
}

func (s *server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	lease, err := s.leases.Get(r.Context(), chi.URLParam(r, "lease_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "lease not found", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":      httpx.NewRequestID(),
		"lease":           lease,
		"tenant_signed":   lease.TenantSignedAt != nil,
		"landlord_signed": lease.LandlordSignedAt != nil,
		"fully_executed":  lease.FullyExecuted(),
	})
}

// handleConnect starts the OAuth/PKCE handshake for a landlord account and
// redirects the browser to the provider. The short-lived cookies let the
// callback cross-check the browser that initiated the flow.
func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		httpx.WriteError(w, 400, "VALIDATION_ERROR", "accountId is required", nil)
		return
	}
	authURL, state, err := s.connector.StartConnect(r.Context(), accountID)
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	setOAuthCookie(w, "oauth_state", state)
	setOAuthCookie(w, "pkce_verifier", "1") // presence marker only; the verifier stays server-side
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	// Cookies are one-shot regardless of outcome.
	defer func() {
		clearOAuthCookie(w, "oauth_state")
		clearOAuthCookie(w, "pkce_verifier")
	}()

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		httpx.WriteError(w, 400, "VALIDATION_ERROR", "code and state are required", nil)
		return
	}
	if c, err := r.Cookie("oauth_state"); err != nil || c.Value != state {
		httpx.WriteError(w, 401, "PROVIDER_AUTH_ERROR", "state does not match this browser session", nil)
		return
	}

	accountID, err := s.connStore.FindAccountByState(r.Context(), state)
	if err != nil {
		httpx.WriteError(w, 401, "PROVIDER_AUTH_ERROR", "no pending connect attempt for this state", nil)
		return
	}
	if err := s.connector.HandleCallback(r.Context(), accountID, code, state); err != nil {
		writeProviderError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"connected":  true,
		"account_id": accountID,
	})
}

func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.artifacts.Get(r.Context(), chi.URLParam(r, "artifact_id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "artifact not found", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Header().Set("x-content-sha256", a.SHA256)
	w.WriteHeader(200)
	_, _ = w.Write(a.Document)
}

func (s *server) handleVerifyArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifact_id")
	ok, err := s.artifacts.VerifyIntegrity(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "artifact not found", nil)
			return
		}
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"artifact_id": id,
		"intact":      ok,
	})
}

func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		httpx.WriteError(w, 400, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, domain.ErrProviderAuth):
		httpx.WriteError(w, 401, "PROVIDER_AUTH_ERROR", "provider authorization failed; reconnect the account", nil)
	case errors.Is(err, domain.ErrProviderAPI):
		httpx.WriteError(w, 502, "PROVIDER_API_ERROR", "provider request failed; try again", nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}

func setOAuthCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name: name, Value: value, Path: "/",
		MaxAge: int(oauthCookieMaxAge.Seconds()),
		HttpOnly: true, Secure: true, SameSite: http.SameSiteLaxMode,
	})
}

func clearOAuthCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name: name, Value: "", Path: "/", MaxAge: -1,
		HttpOnly: true, Secure: true, SameSite: http.SameSiteLaxMode,
	})
}
