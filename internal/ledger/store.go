package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/internal/render"
	"github.com/vegaswarrior/leasesign/pkg/db"
)

// Status values for a signature request. sent is the only live state; the
// other three are terminal and no transition ever leaves them.
const (
	StatusSent    = "sent"
	StatusSigned  = "signed"
	StatusExpired = "expired"
	StatusVoid    = "void"
)

type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Request struct {
	RequestID    string            `json:"request_id"`
	LeaseID      string            `json:"lease_id"`
	Role         domain.Role       `json:"role"`
	Recipient    Recipient         `json:"recipient"`
	Status       string            `json:"status"`
	Terms        render.LeaseTerms `json:"terms"`
	DocumentHash string            `json:"document_hash,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	SignedAt     *time.Time        `json:"signed_at,omitempty"`
}

type Store struct {
	DB  *pgxpool.Pool
	TTL time.Duration
	// TokenBytes sets raw entropy per token; 16 is the floor (128 bits).
	TokenBytes int
	now        func() time.Time
}

func New(pool *pgxpool.Pool, ttl time.Duration, tokenBytes int) *Store {
	if tokenBytes < 16 {
		tokenBytes = 16
	}
	return &Store{DB: pool, TTL: ttl, TokenBytes: tokenBytes, now: func() time.Time { return time.Now().UTC() }}
}

// HashToken is the only form a token is ever persisted in.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateRequest voids any outstanding sent request for the same (lease, role)
// and opens a fresh one. The raw token is returned exactly once; only its
// hash is stored. Delivery of the signing link is the caller's job.
func (s *Store) CreateRequest(ctx context.Context, terms render.LeaseTerms, role domain.Role, rcpt Recipient) (Request, string, error) {
	if !role.Valid() {
		return Request{}, "", fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	if err := terms.Validate(); err != nil {
		return Request{}, "", err
	}

	raw, err := newToken(s.TokenBytes)
	if err != nil {
		return Request{}, "", err
	}

	now := s.now()
	req := Request{
		RequestID: "sr_" + uuid.NewString(),
		LeaseID:   terms.LeaseID,
		Role:      role,
		Recipient: rcpt,
		Status:    StatusSent,
		Terms:     terms,
		CreatedAt: now,
		ExpiresAt: now.Add(s.TTL),
	}
	termsJSON, err := json.Marshal(terms)
	if err != nil {
		return Request{}, "", err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Request{}, "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE signature_requests SET status=$1
WHERE lease_id=$2 AND role=$3 AND status=$4
`, StatusVoid, terms.LeaseID, string(role), StatusSent); err != nil {
		return Request{}, "", err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO signature_requests(request_id,lease_id,role,recipient_name,recipient_email,token_hash,status,terms_snapshot,created_at,expires_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10)
`, req.RequestID, req.LeaseID, string(role), rcpt.Name, rcpt.Email, HashToken(raw), StatusSent, string(termsJSON), req.CreatedAt, req.ExpiresAt); err != nil {
		return Request{}, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, "", err
	}
	return req, raw, nil
}

// ResolveToken looks a request up by token hash alone; the token is the sole
// credential. Expiry is applied lazily: a sent request past its deadline is
// flipped to expired here rather than by a background sweeper.
func (s *Store) ResolveToken(ctx context.Context, rawToken string) (Request, error) {
	req, err := s.getByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		return Request{}, err
	}
	switch req.Status {
	case StatusSigned:
		return req, domain.ErrAlreadyCompleted
	case StatusExpired:
		return req, domain.ErrExpired
	case StatusVoid:
		return Request{}, domain.ErrNotFound
	}
	if s.now().After(req.ExpiresAt) {
		// CAS so a racing markSigned is not clobbered.
		tag, err := s.DB.Exec(ctx, `
UPDATE signature_requests SET status=$1 WHERE request_id=$2 AND status=$3
`, StatusExpired, req.RequestID, StatusSent)
		if err != nil {
			return Request{}, err
		}
		if tag.RowsAffected() == 1 {
			req.Status = StatusExpired
			return req, domain.ErrExpired
		}
		return s.ResolveToken(ctx, rawToken)
	}
	return req, nil
}

// MarkSigned transitions sent -> signed, recording the final document hash.
// A request already in signed state is a no-op so webhook replays and
// double-submits stay safe. Runs against q so the native completion
// transaction can include it.
func (s *Store) MarkSigned(ctx context.Context, q db.DBTX, requestID, documentHash string, signedAt time.Time) error {
	tag, err := q.Exec(ctx, `
UPDATE signature_requests SET status=$1, document_hash=$2, signed_at=$3
WHERE request_id=$4 AND status=$5
`, StatusSigned, documentHash, signedAt, requestID, StatusSent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = q.QueryRow(ctx, `SELECT status FROM signature_requests WHERE request_id=$1`, requestID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	switch status {
	case StatusSigned:
		return nil
	case StatusExpired:
		return domain.ErrExpired
	default:
		return domain.ErrNotFound
	}
}

// MarkSignedForLease closes the pending request for (lease, role) when the
// signature arrived through the hosted provider, where no token is presented.
// Zero rows means no request is pending (replay, or a native completion beat
// us); both are no-ops.
func (s *Store) MarkSignedForLease(ctx context.Context, q db.DBTX, leaseID string, role domain.Role, signedAt time.Time) error {
	_, err := q.Exec(ctx, `
UPDATE signature_requests SET status=$1, signed_at=$2
WHERE lease_id=$3 AND role=$4 AND status=$5
`, StatusSigned, signedAt.UTC(), leaseID, string(role), StatusSent)
	return err
}

func (s *Store) Get(ctx context.Context, requestID string) (Request, error) {
	return s.scanOne(s.DB.QueryRow(ctx, selectRequest+` WHERE request_id=$1`, requestID))
}

func (s *Store) getByTokenHash(ctx context.Context, tokenHash string) (Request, error) {
	return s.scanOne(s.DB.QueryRow(ctx, selectRequest+` WHERE token_hash=$1`, tokenHash))
}

const selectRequest = `
SELECT request_id,lease_id,role,recipient_name,recipient_email,status,terms_snapshot,document_hash,created_at,expires_at,signed_at
FROM signature_requests`

func (s *Store) scanOne(row pgx.Row) (Request, error) {
	var req Request
	var role string
	var termsJSON []byte
	var docHash *string
	if err := row.Scan(&req.RequestID, &req.LeaseID, &role, &req.Recipient.Name, &req.Recipient.Email,
		&req.Status, &termsJSON, &docHash, &req.CreatedAt, &req.ExpiresAt, &req.SignedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, domain.ErrNotFound
		}
		return Request{}, err
	}
	req.Role = domain.Role(role)
	if docHash != nil {
		req.DocumentHash = *docHash
	}
	if err := json.Unmarshal(termsJSON, &req.Terms); err != nil {
		return Request{}, fmt.Errorf("decode terms snapshot: %w", err)
	}
	return req, nil
}
