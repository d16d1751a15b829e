package provider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/ledger"
	"github.com/vegaswarrior/leasesign/internal/render"
)

// refreshSkew refreshes tokens slightly before their stated expiry so a call
// never races the provider's clock.
const refreshSkew = 60 * time.Second

type LeaseEnvelopes interface {
	SetEnvelope(ctx context.Context, leaseID, envelopeID string) error
}

// RequestLedger opens the per-(lease, role) signing obligation. The hosted
// path records one per recipient; the raw token is discarded because the
// provider, not a token link, drives these to completion.
type RequestLedger interface {
	CreateRequest(ctx context.Context, terms render.LeaseTerms, role domain.Role, rcpt ledger.Recipient) (ledger.Request, string, error)
}

// ConnectionStore is the persistence the connector needs for handshakes,
// token pairs, and recipient mappings.
type ConnectionStore interface {
	SaveHandshake(ctx context.Context, accountID, state, verifier string) error
	GetHandshake(ctx context.Context, accountID string) (state, verifier string, err error)
	ClearHandshake(ctx context.Context, accountID string) error
	SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, providerAccountID string) error
	GetConnection(ctx context.Context, accountID string) (Connection, error)
	SaveRecipientMapping(ctx context.Context, envelopeID string, roles map[int]domain.Role) error
}

// Connector owns the OAuth/PKCE handshake with the hosted provider and
// envelope submission on a landlord's behalf.
type Connector struct {
	Store    ConnectionStore
	Client   *Client
	Leases   LeaseEnvelopes
	Requests RequestLedger
	Log      *zap.Logger
	now      func() time.Time
}

func NewConnector(store ConnectionStore, client *Client, leaseStore LeaseEnvelopes, requests RequestLedger, log *zap.Logger) *Connector {
	return &Connector{Store: store, Client: client, Leases: leaseStore, Requests: requests, Log: log,
		now: func() time.Time { return time.Now().UTC() }}
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// StartConnect generates the state/verifier pair, persists it server-side
// keyed by account, and returns the provider authorization URL. The verifier
// never travels to the browser in cleartext-usable form; the callback
// exchange reads the stored copy.
func (c *Connector) StartConnect(ctx context.Context, accountID string) (authorizeURL, state string, err error) {
	state, err = randomURLSafe(32)
	if err != nil {
		return "", "", err
	}
	verifier, err := randomURLSafe(64)
	if err != nil {
		return "", "", err
	}
	if err := c.Store.SaveHandshake(ctx, accountID, state, verifier); err != nil {
		return "", "", err
	}
	return c.Client.AuthorizeURL(state, pkceChallenge(verifier)), state, nil
}

// HandleCallback validates the returned state against the stored value (the
// CSRF defense for the flow), exchanges code+verifier for tokens, stores them
// encrypted, and clears the one-time pair whatever the outcome. A state
// mismatch leaves any existing connection untouched.
func (c *Connector) HandleCallback(ctx context.Context, accountID, code, state string) error {
	storedState, verifier, err := c.Store.GetHandshake(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: no pending connect attempt", domain.ErrProviderAuth)
	}
	if subtle.ConstantTimeCompare([]byte(storedState), []byte(state)) != 1 {
		c.Log.Warn("oauth state mismatch", zap.String("account_id", accountID))
		return fmt.Errorf("%w: state mismatch", domain.ErrProviderAuth)
	}

	defer func() {
		if err := c.Store.ClearHandshake(ctx, accountID); err != nil {
			c.Log.Warn("failed to clear oauth handshake", zap.String("account_id", accountID), zap.Error(err))
		}
	}()

	pair, err := c.Client.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return err
	}
	expiresAt := c.now().Add(time.Duration(pair.ExpiresIn) * time.Second)
	if err := c.Store.SaveTokens(ctx, accountID, pair.AccessToken, pair.RefreshToken, expiresAt, pair.ProviderAccountID); err != nil {
		return err
	}
	c.Log.Info("provider connected", zap.String("account_id", accountID))
	return nil
}

// ensureAccessToken returns a currently valid access token, refreshing and
// re-persisting the pair when the stored one is at or past expiry. A failed
// refresh surfaces ErrProviderAuth so the caller can tell the landlord to
// reconnect.
func (c *Connector) ensureAccessToken(ctx context.Context, accountID string) (string, error) {
	conn, err := c.Store.GetConnection(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("%w: account not connected", domain.ErrProviderAuth)
		}
		return "", err
	}
	if c.now().Before(conn.TokenExpiresAt.Add(-refreshSkew)) {
		return conn.AccessToken, nil
	}

	pair, err := c.Client.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		return "", err
	}
	expiresAt := c.now().Add(time.Duration(pair.ExpiresIn) * time.Second)
	if pair.ProviderAccountID == "" {
		pair.ProviderAccountID = conn.ProviderAccountID
	}
	if err := c.Store.SaveTokens(ctx, accountID, pair.AccessToken, pair.RefreshToken, expiresAt, pair.ProviderAccountID); err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// SendEnvelope opens the two signing obligations in the ledger, submits a
// two-recipient envelope with tab placements derived from the document
// anchors, records the explicit ordinal-to-role mapping, and stores the
// envelope ID on the lease. A resend voids the prior pending requests the
// same way a native resend does.
func (c *Connector) SendEnvelope(ctx context.Context, accountID string, terms render.LeaseTerms, tenant, landlord ledger.Recipient) (string, error) {
	doc, err := render.Render(terms)
	if err != nil {
		return "", err
	}
	token, err := c.ensureAccessToken(ctx, accountID)
	if err != nil {
		return "", err
	}

	for _, slot := range []struct {
		role domain.Role
		rcpt ledger.Recipient
	}{{domain.RoleTenant, tenant}, {domain.RoleLandlord, landlord}} {
		if _, _, err := c.Requests.CreateRequest(ctx, terms, slot.role, slot.rcpt); err != nil {
			return "", err
		}
	}

	ordinals := map[int]domain.Role{1: domain.RoleTenant, 2: domain.RoleLandlord}
	env := EnvelopeRequest{
		Subject:  "Lease agreement " + terms.LeaseID,
		Document: doc.Text,
		Recipients: []EnvelopeRecipient{
			{Ordinal: 1, Name: tenant.Name, Email: tenant.Email},
			{Ordinal: 2, Name: landlord.Name, Email: landlord.Email},
		},
	}
	for _, a := range doc.Anchors {
		ordinal := 1
		if a.Role == domain.RoleLandlord {
			ordinal = 2
		}
		env.Tabs = append(env.Tabs, EnvelopeTab{Recipient: ordinal, Kind: string(a.Kind), Anchor: a.Marker})
	}

	envelopeID, err := c.Client.CreateEnvelope(ctx, token, env)
	if err != nil {
		return "", err
	}
	if err := c.Store.SaveRecipientMapping(ctx, envelopeID, ordinals); err != nil {
		return "", err
	}
	if err := c.Leases.SetEnvelope(ctx, terms.LeaseID, envelopeID); err != nil {
		return "", err
	}
	c.Log.Info("envelope created",
		zap.String("lease_id", terms.LeaseID), zap.String("envelope_id", envelopeID))
	return envelopeID, nil
}
