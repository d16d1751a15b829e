package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/pkg/db"
	"github.com/vegaswarrior/leasesign/pkg/dochash"
)

// AuditRecord is the machine-readable capture context persisted next to the
// document bytes. It is a tamper-evident record distinct from the visible
// document body.
type AuditRecord struct {
	RequestID  string      `json:"request_id"`
	LeaseID    string      `json:"lease_id"`
	Role       domain.Role `json:"role"`
	SignerName string      `json:"signer_name"`
	Email      string      `json:"email"`
	IP         string      `json:"ip"`
	UserAgent  string      `json:"user_agent"`
	SignedAt   time.Time   `json:"signed_at"`
	// Anchors satisfied by this signing session, by marker.
	SatisfiedAnchors []string `json:"satisfied_anchors"`
	// Hash of the document before stamping, tying the artifact back to what
	// the signer was shown.
	RenderedHash string `json:"rendered_hash"`
}

// Artifact is immutable once inserted; re-signing produces a new row.
type Artifact struct {
	ArtifactID string      `json:"artifact_id"`
	RequestID  string      `json:"request_id"`
	LeaseID    string      `json:"lease_id"`
	Role       domain.Role `json:"role"`
	Document   []byte      `json:"-"`
	Audit      AuditRecord `json:"audit"`
	SHA256     string      `json:"sha256"`
	CreatedAt  time.Time   `json:"created_at"`
}

type Store struct{ DB *pgxpool.Pool }

func NewStore(pool *pgxpool.Pool) *Store { return &Store{DB: pool} }

func NewID() string { return "art_" + uuid.NewString() }

// Insert persists the stamped document and its audit record. It runs on q so
// the caller can make storage, MarkSigned, and the lease update one atomic
// commit.
func (s *Store) Insert(ctx context.Context, q db.DBTX, a Artifact) error {
	auditJSON, err := json.Marshal(a.Audit)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
INSERT INTO signed_artifacts(artifact_id,request_id,lease_id,role,document,audit_record,sha256,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8)
`, a.ArtifactID, a.RequestID, a.LeaseID, string(a.Role), a.Document, string(auditJSON), a.SHA256, a.CreatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, artifactID string) (Artifact, error) {
	var a Artifact
	var role string
	var auditJSON []byte
	err := s.DB.QueryRow(ctx, `
SELECT artifact_id,request_id,lease_id,role,document,audit_record,sha256,created_at
FROM signed_artifacts WHERE artifact_id=$1
`, artifactID).Scan(&a.ArtifactID, &a.RequestID, &a.LeaseID, &role, &a.Document, &auditJSON, &a.SHA256, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Artifact{}, domain.ErrNotFound
		}
		return Artifact{}, err
	}
	a.Role = domain.Role(role)
	if err := json.Unmarshal(auditJSON, &a.Audit); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// VerifyIntegrity recomputes the content hash of the stored bytes and
// compares it to the recorded one.
func (s *Store) VerifyIntegrity(ctx context.Context, artifactID string) (bool, error) {
	a, err := s.Get(ctx, artifactID)
	if err != nil {
		return false, err
	}
	return dochash.Verify(a.Document, a.SHA256), nil
}
