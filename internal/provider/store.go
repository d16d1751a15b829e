package provider

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/pkg/secrets"
)

// Connection is the OAuth state held for one landlord account. Token values
// are encrypted at rest and only decrypted inside this package; the struct is
// never serialized to a client.
type Connection struct {
	AccountID         string
	AccessToken       string
	RefreshToken      string
	TokenExpiresAt    time.Time
	ProviderAccountID string
}

type ConnStore struct {
	DB  *pgxpool.Pool
	Box *secrets.Box
}

func NewConnStore(pool *pgxpool.Pool, box *secrets.Box) *ConnStore {
	return &ConnStore{DB: pool, Box: box}
}

// SaveHandshake stores the one-time state/verifier pair for a connect
// attempt, keyed by account. A second concurrent attempt for the same account
// overwrites and thereby invalidates the first.
func (s *ConnStore) SaveHandshake(ctx context.Context, accountID, state, verifier string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO provider_connections(account_id,oauth_state,pkce_verifier,updated_at)
VALUES($1,$2,$3,now())
ON CONFLICT (account_id) DO UPDATE SET oauth_state=$2, pkce_verifier=$3, updated_at=now()
`, accountID, state, verifier)
	return err
}

func (s *ConnStore) GetHandshake(ctx context.Context, accountID string) (state, verifier string, err error) {
	var st, ver *string
	err = s.DB.QueryRow(ctx, `
SELECT oauth_state, pkce_verifier FROM provider_connections WHERE account_id=$1
`, accountID).Scan(&st, &ver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", domain.ErrNotFound
		}
		return "", "", err
	}
	if st == nil || ver == nil {
		return "", "", domain.ErrNotFound
	}
	return *st, *ver, nil
}

// FindAccountByState resolves which account a callback belongs to. The state
// value is single-use and high-entropy, so a hit is unambiguous.
func (s *ConnStore) FindAccountByState(ctx context.Context, state string) (string, error) {
	var accountID string
	err := s.DB.QueryRow(ctx, `
SELECT account_id FROM provider_connections WHERE oauth_state=$1
`, state).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return accountID, nil
}

// ClearHandshake drops the one-time pair. Called on callback completion,
// success or failure.
func (s *ConnStore) ClearHandshake(ctx context.Context, accountID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE provider_connections SET oauth_state=NULL, pkce_verifier=NULL, updated_at=now()
WHERE account_id=$1
`, accountID)
	return err
}

// SaveTokens encrypts and persists a token pair. Prior handshake state is left
// to ClearHandshake so a failed exchange cannot strand half-written state.
func (s *ConnStore) SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, providerAccountID string) error {
	accEnc, err := s.Box.Seal(accessToken)
	if err != nil {
		return err
	}
	refEnc, err := s.Box.Seal(refreshToken)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO provider_connections(account_id,access_token_enc,refresh_token_enc,token_expires_at,provider_account_id,updated_at)
VALUES($1,$2,$3,$4,$5,now())
ON CONFLICT (account_id) DO UPDATE SET
  access_token_enc=$2, refresh_token_enc=$3, token_expires_at=$4, provider_account_id=$5, updated_at=now()
`, accountID, accEnc, refEnc, expiresAt.UTC(), providerAccountID)
	return err
}

func (s *ConnStore) GetConnection(ctx context.Context, accountID string) (Connection, error) {
	var accEnc, refEnc, provAcct *string
	var expires *time.Time
	err := s.DB.QueryRow(ctx, `
SELECT access_token_enc, refresh_token_enc, token_expires_at, provider_account_id
FROM provider_connections WHERE account_id=$1
`, accountID).Scan(&accEnc, &refEnc, &expires, &provAcct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, domain.ErrNotFound
		}
		return Connection{}, err
	}
	if accEnc == nil || refEnc == nil || expires == nil {
		return Connection{}, domain.ErrProviderAuth
	}
	conn := Connection{AccountID: accountID, TokenExpiresAt: *expires}
	if provAcct != nil {
		conn.ProviderAccountID = *provAcct
	}
	if conn.AccessToken, err = s.Box.Open(*accEnc); err != nil {
		return Connection{}, err
	}
	if conn.RefreshToken, err = s.Box.Open(*refEnc); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

// SaveRecipientMapping records which role each envelope recipient ordinal
// stands for, fixed at envelope creation. Webhook correlation reads this
// instead of assuming creation order.
func (s *ConnStore) SaveRecipientMapping(ctx context.Context, envelopeID string, roles map[int]domain.Role) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for ordinal, role := range roles {
		if _, err := tx.Exec(ctx, `
INSERT INTO envelope_recipients(envelope_id,ordinal,role)
VALUES($1,$2,$3)
ON CONFLICT (envelope_id,ordinal) DO UPDATE SET role=$3
`, envelopeID, ordinal, string(role)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *ConnStore) RoleForOrdinal(ctx context.Context, envelopeID string, ordinal int) (domain.Role, error) {
	var role string
	err := s.DB.QueryRow(ctx, `
SELECT role FROM envelope_recipients WHERE envelope_id=$1 AND ordinal=$2
`, envelopeID, ordinal).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.Role(role), nil
}
