package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vegaswarrior/leasesign/pkg/dochash"
)

// Receipt is the durable record of one webhook delivery, kept whether or not
// the event applied. Raw bytes and their hash make later disputes auditable.
type Receipt struct {
	ReceiptID        string
	ProviderEventID  string
	EventType        string
	ReceivedAt       time.Time
	RawBody          []byte
	RawBodySHA256    string
	SignatureValid   bool
	ProcessingStatus string
	LeaseID          string
}

const (
	ReceiptApplied   = "APPLIED"
	ReceiptDuplicate = "DUPLICATE"
	ReceiptIgnored   = "IGNORED"
	ReceiptRejected  = "REJECTED"
	// ReceiptFailed marks a verified, well-formed event that could not be
	// applied; the delivery was answered 5xx so the provider redelivers.
	ReceiptFailed = "FAILED"
)

type ReceiptStore struct{ DB *pgxpool.Pool }

func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore { return &ReceiptStore{DB: pool} }

func (s *ReceiptStore) Insert(ctx context.Context, r Receipt) (string, error) {
	if r.ReceiptID == "" {
		r.ReceiptID = "whr_" + uuid.NewString()
	}
	if r.RawBodySHA256 == "" {
		r.RawBodySHA256 = dochash.SHA256Hex(r.RawBody)
	}
	var eventID, leaseID any
	if r.ProviderEventID != "" {
		eventID = r.ProviderEventID
	}
	if r.LeaseID != "" {
		leaseID = r.LeaseID
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO webhook_receipts(receipt_id,provider_event_id,event_type,received_at,raw_body,raw_body_sha256,signature_valid,processing_status,lease_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, r.ReceiptID, eventID, r.EventType, r.ReceivedAt, r.RawBody, r.RawBodySHA256, r.SignatureValid, r.ProcessingStatus, leaseID)
	return r.ReceiptID, err
}
