package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vegaswarrior/leasesign/internal/domain"
)

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("tok-123")
	b := HashToken("tok-123")
	if a != b {
		t.Fatalf("same token must hash identically")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha-256, got %d chars", len(a))
	}
	if HashToken("tok-124") == a {
		t.Fatalf("distinct tokens must not collide here")
	}
	if strings.Contains(a, "tok-123") {
		t.Fatalf("hash must not leak the raw token")
	}
}

func TestNewTokenURLSafeAndSized(t *testing.T) {
	tok, err := newToken(32)
	if err != nil {
		t.Fatalf("newToken error: %v", err)
	}
	if len(tok) < 40 {
		t.Fatalf("32 bytes of entropy should encode longer than %d chars", len(tok))
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Fatalf("token must be URL-safe, got %q", tok)
	}
	other, _ := newToken(32)
	if tok == other {
		t.Fatalf("tokens must not repeat")
	}
}

// markDB scripts one Exec tag and one status row for MarkSigned.
type markDB struct {
	t       *testing.T
	execTag string
	status  string
	rowErr  error
	execs   int
	queried bool
}

func (m *markDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs++
	return pgconn.NewCommandTag(m.execTag), nil
}

func (m *markDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.t.Fatalf("unexpected Query: %s", sql)
	return nil, nil
}

func (m *markDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.queried = true
	return statusRow{status: m.status, err: m.rowErr}
}

type statusRow struct {
	status string
	err    error
}

func (r statusRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*string); ok {
		*p = r.status
	}
	return nil
}

func TestMarkSignedWinsTransition(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 1"}
	s := &Store{}

	if err := s.MarkSigned(context.Background(), db, "sr_1", "abc123", time.Now()); err != nil {
		t.Fatalf("MarkSigned error: %v", err)
	}
	if db.queried {
		t.Fatalf("a winning update needs no status re-check")
	}
}

func TestMarkSignedAlreadySignedIsNoOp(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 0", status: StatusSigned}
	s := &Store{}

	if err := s.MarkSigned(context.Background(), db, "sr_1", "abc123", time.Now()); err != nil {
		t.Fatalf("already-signed replay must succeed silently, got %v", err)
	}
}

func TestMarkSignedExpiredRequest(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 0", status: StatusExpired}
	s := &Store{}

	if err := s.MarkSigned(context.Background(), db, "sr_1", "abc123", time.Now()); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestMarkSignedVoidRequest(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 0", status: StatusVoid}
	s := &Store{}

	if err := s.MarkSigned(context.Background(), db, "sr_1", "abc123", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSignedForLeaseClosesPendingRequest(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 1"}
	s := &Store{}

	if err := s.MarkSignedForLease(context.Background(), db, "lease_1", domain.RoleTenant, time.Now()); err != nil {
		t.Fatalf("MarkSignedForLease error: %v", err)
	}
	if db.execs != 1 || db.queried {
		t.Fatalf("expected a single conditional update")
	}
}

func TestMarkSignedForLeaseNoPendingRequestIsNoOp(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 0"}
	s := &Store{}

	if err := s.MarkSignedForLease(context.Background(), db, "lease_1", domain.RoleLandlord, time.Now()); err != nil {
		t.Fatalf("no pending request must be a silent no-op, got %v", err)
	}
}

func TestMarkSignedMissingRequest(t *testing.T) {
	db := &markDB{t: t, execTag: "UPDATE 0", rowErr: pgx.ErrNoRows}
	s := &Store{}

	if err := s.MarkSigned(context.Background(), db, "sr_missing", "abc123", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
