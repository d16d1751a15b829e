package leases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vegaswarrior/leasesign/internal/domain"
	"github.com/vegaswarrior/leasesign/pkg/db"
)

type Lease struct {
	LeaseID          string     `json:"lease_id"`
	TenantSignedAt   *time.Time `json:"tenant_signed_at"`
	LandlordSignedAt *time.Time `json:"landlord_signed_at"`
	FullyExecutedAt  *time.Time `json:"fully_executed_at"`
	EnvelopeID       *string    `json:"envelope_id,omitempty"`
}

func (l Lease) FullyExecuted() bool {
	return l.TenantSignedAt != nil && l.LandlordSignedAt != nil
}

// Result reports what a RecordSignature call actually changed.
type Result struct {
	// Applied is false when the role's timestamp was already set; the call
	// was a duplicate and nothing moved.
	Applied bool
	// FullyExecuted is true only for the single call that completed the
	// second signature. Exactly one caller per lease ever sees it.
	FullyExecuted bool
}

// Synchronizer is the sole writer of the two completion timestamps. Both the
// native flow and the webhook ingestor feed it; every write is a conditional
// update so concurrent or replayed signals cannot regress state.
type Synchronizer struct {
	DB  *pgxpool.Pool
	log *zap.Logger
}

func NewSynchronizer(pool *pgxpool.Pool, log *zap.Logger) *Synchronizer {
	return &Synchronizer{DB: pool, log: log}
}

func signedColumn(role domain.Role) (string, error) {
	switch role {
	case domain.RoleTenant:
		return "tenant_signed_at", nil
	case domain.RoleLandlord:
		return "landlord_signed_at", nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
}

// RecordSignature sets the role's timestamp first-writer-wins, then claims
// the fully-executed transition with a second CAS. Both statements run on q,
// so a caller holding a transaction gets write-and-check atomicity for free.
func (s *Synchronizer) RecordSignature(ctx context.Context, q db.DBTX, leaseID string, role domain.Role, signedAt time.Time) (Result, error) {
	col, err := signedColumn(role)
	if err != nil {
		return Result{}, err
	}

	tag, err := q.Exec(ctx, `
UPDATE leases SET `+col+`=$1 WHERE lease_id=$2 AND `+col+` IS NULL
`, signedAt.UTC(), leaseID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Applied: tag.RowsAffected() == 1}

	if !res.Applied {
		// Confirm the lease exists; a duplicate for a signed role is a
		// no-op, a missing lease is an error.
		var one int
		if err := q.QueryRow(ctx, `SELECT 1 FROM leases WHERE lease_id=$1`, leaseID).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Result{}, domain.ErrNotFound
			}
			return Result{}, err
		}
		s.log.Debug("duplicate signature signal ignored",
			zap.String("lease_id", leaseID), zap.String("role", string(role)))
		return res, nil
	}

	// Whoever wins this row claims the one and only transition to fully
	// executed, regardless of which backend delivered the second signature.
	tag, err = q.Exec(ctx, `
UPDATE leases SET fully_executed_at=$1
WHERE lease_id=$2 AND fully_executed_at IS NULL
  AND tenant_signed_at IS NOT NULL AND landlord_signed_at IS NOT NULL
`, signedAt.UTC(), leaseID)
	if err != nil {
		return Result{}, err
	}
	res.FullyExecuted = tag.RowsAffected() == 1
	return res, nil
}

type Store struct{ DB *pgxpool.Pool }

func NewStore(pool *pgxpool.Pool) *Store { return &Store{DB: pool} }

func (s *Store) Get(ctx context.Context, leaseID string) (Lease, error) {
	var l Lease
	err := s.DB.QueryRow(ctx, `
SELECT lease_id,tenant_signed_at,landlord_signed_at,fully_executed_at,envelope_id
FROM leases WHERE lease_id=$1
`, leaseID).Scan(&l.LeaseID, &l.TenantSignedAt, &l.LandlordSignedAt, &l.FullyExecutedAt, &l.EnvelopeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, domain.ErrNotFound
		}
		return Lease{}, err
	}
	return l, nil
}

func (s *Store) GetByEnvelopeID(ctx context.Context, envelopeID string) (Lease, error) {
	var l Lease
	err := s.DB.QueryRow(ctx, `
SELECT lease_id,tenant_signed_at,landlord_signed_at,fully_executed_at,envelope_id
FROM leases WHERE envelope_id=$1
`, envelopeID).Scan(&l.LeaseID, &l.TenantSignedAt, &l.LandlordSignedAt, &l.FullyExecutedAt, &l.EnvelopeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, domain.ErrNotFound
		}
		return Lease{}, err
	}
	return l, nil
}

// SetEnvelope records the hosted provider's envelope on the lease once the
// envelope is created.
func (s *Store) SetEnvelope(ctx context.Context, leaseID, envelopeID string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE leases SET envelope_id=$1 WHERE lease_id=$2`, envelopeID, leaseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ensure upserts the lease row this subsystem needs; party CRUD owns the rest
// of the aggregate.
func (s *Store) Ensure(ctx context.Context, leaseID string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO leases(lease_id) VALUES($1) ON CONFLICT (lease_id) DO NOTHING
`, leaseID)
	return err
}
