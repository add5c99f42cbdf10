package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `id, order_id, amount, method, slip_image_ref, bank_name, account_number, account_name,
	transfer_at, reference, status, mode, confidence, verified_by, verified_at, verification_note, warnings,
	bank_sms_id, suggested_sms_id, expires_at, created_at, updated_at`

const smsColumns = `id, sender, message, received_at, bank_name, transaction_type, amount, transfer_from,
	transfer_at, reference_no, balance, payment_id, created_at`

// PostgresStore keeps payments and bank_sms. The SMS claim is a single
// conditional UPDATE, so two payments can never own the same SMS.
type PostgresStore struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &p.SlipImageRef, &p.BankName, &p.AccountNumber,
		&p.AccountName, &p.TransferAt, &p.Reference, &p.Status, &p.Mode, &p.Confidence, &p.VerifiedBy,
		&p.VerifiedAt, &p.VerificationNote, &p.Warnings, &p.BankSmsID, &p.SuggestedSmsID, &p.ExpiresAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func paymentArgs(p *Payment) []any {
	warnings := p.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return []any{p.ID, p.OrderID, p.Amount, p.Method, p.SlipImageRef, p.BankName, p.AccountNumber,
		p.AccountName, p.TransferAt, p.Reference, p.Status, p.Mode, p.Confidence, p.VerifiedBy,
		p.VerifiedAt, p.VerificationNote, warnings, p.BankSmsID, p.SuggestedSmsID, p.ExpiresAt,
		p.CreatedAt, p.UpdatedAt}
}

func scanSms(row pgx.Row) (*BankSms, error) {
	var s BankSms
	var paymentID *string
	err := row.Scan(&s.ID, &s.Sender, &s.Message, &s.ReceivedAt, &s.BankName, &s.TransactionType, &s.Amount,
		&s.TransferFrom, &s.TransferAt, &s.ReferenceNo, &s.Balance, &paymentID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if paymentID != nil {
		s.PaymentID = *paymentID
	}
	return &s, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO payments(`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`, paymentArgs(p)...)
	return err
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, err := scanPayment(s.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payment", id)
	}
	return p, err
}

func (s *PostgresStore) MutatePayment(ctx context.Context, id string, fn func(p *Payment) error) (*Payment, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())); err != nil {
			return nil, err
		}
	}
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payment", id)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "40001") {
			return nil, apperr.Conflict("payment %s row lock: %s", id, pgErr.Message)
		}
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	warnings := p.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err = tx.Exec(ctx, `
		UPDATE payments SET status=$2, mode=$3, confidence=$4, verified_by=$5, verified_at=$6,
			verification_note=$7, warnings=$8, bank_sms_id=$9, suggested_sms_id=$10, expires_at=$11, updated_at=$12
		WHERE id=$1`,
		p.ID, p.Status, p.Mode, p.Confidence, p.VerifiedBy, p.VerifiedAt,
		p.VerificationNote, warnings, p.BankSmsID, p.SuggestedSmsID, p.ExpiresAt, p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) listPayments(ctx context.Context, where string, arg any) ([]*Payment, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	return s.listPayments(ctx, "order_id=$1", orderID)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status VerificationStatus) ([]*Payment, error) {
	return s.listPayments(ctx, "status=$1", status)
}

func (s *PostgresStore) SaveSms(ctx context.Context, in *BankSms) (*BankSms, bool, error) {
	ct, err := s.DB.Exec(ctx, `INSERT INTO bank_sms(`+smsColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL,$12)
		ON CONFLICT (id) DO NOTHING`,
		in.ID, in.Sender, in.Message, in.ReceivedAt, in.BankName, in.TransactionType, in.Amount,
		in.TransferFrom, in.TransferAt, in.ReferenceNo, in.Balance, in.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	stored, err := s.GetSms(ctx, in.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, ct.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetSms(ctx context.Context, id string) (*BankSms, error) {
	m, err := scanSms(s.DB.QueryRow(ctx, `SELECT `+smsColumns+` FROM bank_sms WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("bank sms", id)
	}
	return m, err
}

func (s *PostgresStore) SmsBetween(ctx context.Context, from, to time.Time) ([]*BankSms, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+smsColumns+` FROM bank_sms
		WHERE COALESCE(transfer_at, received_at) BETWEEN $1 AND $2 ORDER BY received_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BankSms
	for rows.Next() {
		m, err := scanSms(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimSms(ctx context.Context, smsID, paymentID string) error {
	ct, err := s.DB.Exec(ctx, `UPDATE bank_sms SET payment_id=$2
		WHERE id=$1 AND (payment_id IS NULL OR payment_id=$2)`, smsID, paymentID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetSms(ctx, smsID)
	if err != nil {
		return err
	}
	return apperr.Conflict("bank sms %s already matched to payment %s", smsID, cur.PaymentID)
}

func (s *PostgresStore) ReleaseSms(ctx context.Context, smsID, paymentID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE bank_sms SET payment_id=NULL WHERE id=$1 AND payment_id=$2`, smsID, paymentID)
	return err
}

var _ Store = (*PostgresStore)(nil)
