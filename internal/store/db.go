// Package store persists payment history in postgres. The tracker hands it
// terminal payments; the presentation layer reads them back for the
// activity list.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/NicolaLS/payment-app-sub000/internal/pending"
)

var _ pending.History = (*Storage)(nil)

// Entry is one historical payment row.
type Entry struct {
	ID          string
	Invoice     string
	PaymentHash string
	AmountMsat  int64
	FeeMsat     sql.NullInt64
	WalletID    string
	Origin      string
	Status      string
	ErrMessage  sql.NullString
	CreatedAt   time.Time
	RecordedAt  time.Time
}

type Storage struct {
	db *sql.DB
}

func Init(databaseURL string) (*Storage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS payments_history (
			id           text PRIMARY KEY,
			invoice      text NOT NULL,
			payment_hash text NOT NULL,
			amount_msat  bigint NOT NULL,
			fee_msat     bigint,
			wallet_id    text NOT NULL,
			origin       text NOT NULL,
			status       text NOT NULL,
			err_message  text,
			created_at   timestamp NOT NULL,
			recorded_at  timestamp NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create payments table: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Record upserts a terminal payment. Re-recording the same id overwrites
// the row, so a late settlement wins over an earlier failure snapshot.
func (s *Storage) Record(ctx context.Context, p pending.Payment) error {
	amount := p.SettledMsat
	if amount == 0 {
		amount = p.RequestedMsat
	}
	var fee sql.NullInt64
	if p.FeeMsat != nil {
		fee = sql.NullInt64{Int64: *p.FeeMsat, Valid: true}
	}
	var errMsg sql.NullString
	if p.Err != nil {
		errMsg = sql.NullString{String: p.Err.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments_history
			(id, invoice, payment_hash, amount_msat, fee_msat, wallet_id, origin, status, err_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			amount_msat = EXCLUDED.amount_msat,
			fee_msat    = EXCLUDED.fee_msat,
			status      = EXCLUDED.status,
			err_message = EXCLUDED.err_message,
			recorded_at = NOW()`,
		p.ID, p.Invoice, p.PaymentHash, amount, fee, p.WalletID,
		p.Origin.String(), p.Status.String(), errMsg, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Storage) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice, payment_hash, amount_msat, fee_msat, wallet_id,
		       origin, status, err_message, created_at, recorded_at
		FROM payments_history
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.Invoice, &e.PaymentHash, &e.AmountMsat, &e.FeeMsat,
			&e.WalletID, &e.Origin, &e.Status, &e.ErrMessage, &e.CreatedAt,
			&e.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ByInvoice reports whether an invoice was already settled, so duplicate
// scans can be flagged before paying twice.
func (s *Storage) ByInvoice(ctx context.Context, invoice string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments_history
			WHERE invoice = $1 AND status = 'success'
		)`, invoice).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query invoice: %w", err)
	}
	return exists, nil
}
