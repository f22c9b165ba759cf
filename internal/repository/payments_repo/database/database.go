// Package database stores payments in Postgres or SQLite through database/sql.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"yookassa/internal/domain"
	"yookassa/internal/infrastructure/database"
	"yookassa/internal/repository/payments_repo"
)

const paymentColumns = `id, idempotency_key, status, amount, currency, captured_amount, description, confirmation_url, customer, receipt, metadata, created_at, updated_at`

const refundColumns = `id, payment_id, idempotency_key, status, amount, currency, description, created_at, updated_at`

// maxCASAttempts bounds the retry of a status update that lost a race.
const maxCASAttempts = 3

type Storage struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

var _ payments_repo.Storage = (*Storage)(nil)

func New(db *sql.DB, dialect database.Dialect) *Storage {
	return &Storage{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Storage) bind(query string) string {
	return database.Rebind(s.dialect, query)
}

func (s *Storage) Save(ctx context.Context, p *domain.Payment) error {
	customer, err := marshalNullable(p.Customer, p.Customer == nil)
	if err != nil {
		return fmt.Errorf("failed to encode customer for payment %s: %w", p.ID, err)
	}
	receipt, err := marshalNullable(p.Receipt, p.Receipt == nil)
	if err != nil {
		return fmt.Errorf("failed to encode receipt for payment %s: %w", p.ID, err)
	}
	metadata, err := marshalNullable(p.Metadata, len(p.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for payment %s: %w", p.ID, err)
	}

	// NULL keeps payments without a key out of the unique index.
	key := sql.NullString{String: p.IdempotencyKey, Valid: p.IdempotencyKey != ""}
	var captured sql.NullString
	if p.CapturedAmount != nil {
		captured = sql.NullString{String: p.CapturedAmount.String(), Valid: true}
	}

	query := s.bind(`INSERT INTO payments (` + paymentColumns + `) VALUES (` + database.Placeholders(13) + `)`)
	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		key,
		string(p.Status),
		p.Amount.String(),
		string(p.Amount.Currency),
		captured,
		p.Description,
		p.ConfirmationURL,
		customer,
		receipt,
		metadata,
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (*domain.Payment, error) {
	query := s.bind(`SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`)
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment %s: %w", id, err)
	}
	return p, nil
}

func (s *Storage) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	query := s.bind(`SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = ?`)
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %s: %w", key, domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment by idempotency key %s: %w", key, err)
	}
	return p, nil
}

// UpdateStatus is a compare-and-swap: the row only changes while its current
// status is a legal predecessor of the new one.
func (s *Storage) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown payment status %q", domain.ErrValidation, status)
	}
	return s.casStatus(ctx, id, status, "", nil)
}

func (s *Storage) Capture(ctx context.Context, id string, captured domain.Amount) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := payments_repo.CheckCaptured(p.Amount, captured); err != nil {
		return err
	}
	return s.casStatus(ctx, id, domain.PaymentStatusSucceeded, "captured_amount = ?, ", []any{captured.String()})
}

// casStatus sets status (plus the extra assignments in set) while the stored
// status is a legal predecessor, re-reading the row when it lost a race.
func (s *Storage) casStatus(ctx context.Context, id string, status domain.PaymentStatus, set string, setArgs []any) error {
	preds := domain.PaymentStatusPredecessors(status)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if len(preds) > 0 {
			args := append([]any{string(status)}, setArgs...)
			args = append(args, s.now(), id)
			for _, p := range preds {
				args = append(args, string(p))
			}
			query := s.bind(`UPDATE payments SET status = ?, ` + set + `updated_at = ? WHERE id = ? AND status IN (` + database.Placeholders(len(preds)) + `)`)
			res, err := s.db.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to update status of payment %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected for payment %s: %w", id, err)
			}
			if n > 0 {
				return nil
			}
		}

		var current string
		err := s.db.QueryRowContext(ctx, s.bind(`SELECT status FROM payments WHERE id = ?`), id).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("payment %s: %w", id, domain.ErrPaymentNotFound)
			}
			return fmt.Errorf("failed to read status of payment %s: %w", id, err)
		}
		apply, err := payments_repo.CheckTransition(domain.PaymentStatus(current), status)
		if err != nil || !apply {
			return err
		}
		// The row moved between the update and the read; try again.
	}
	return fmt.Errorf("%w: payment %s status kept changing", domain.ErrConflict, id)
}

func (s *Storage) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error) {
	query := s.bind(`SELECT ` + paymentColumns + ` FROM payments WHERE status = ? ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list payments with status %s: %w", status, err)
	}
	defer rows.Close()

	out := make([]*domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment rows: %w", err)
	}
	return out, nil
}

func (s *Storage) SaveRefund(ctx context.Context, r *domain.Refund) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT 1 FROM payments WHERE id = ?`), r.PaymentID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("refund %s references payment %s: %w", r.ID, r.PaymentID, domain.ErrPaymentNotFound)
		}
		return fmt.Errorf("failed to check payment %s for refund %s: %w", r.PaymentID, r.ID, err)
	}

	query := s.bind(`INSERT INTO refunds (` + refundColumns + `) VALUES (` + database.Placeholders(9) + `)`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.PaymentID,
		r.IdempotencyKey,
		string(r.Status),
		r.Amount.String(),
		string(r.Amount.Currency),
		r.Description,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return fmt.Errorf("refund %s: %w", r.ID, domain.ErrAlreadyExists)
		case database.IsForeignKeyViolation(err):
			return fmt.Errorf("refund %s references payment %s: %w", r.ID, r.PaymentID, domain.ErrPaymentNotFound)
		}
		return fmt.Errorf("failed to insert refund %s: %w", r.ID, err)
	}
	return nil
}

func (s *Storage) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	query := s.bind(`SELECT ` + refundColumns + ` FROM refunds WHERE id = ?`)
	r, err := scanRefund(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refund %s: %w", id, domain.ErrRefundNotFound)
		}
		return nil, fmt.Errorf("failed to get refund %s: %w", id, err)
	}
	return r, nil
}

func (s *Storage) UpdateRefundStatus(ctx context.Context, id string, status domain.RefundStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown refund status %q", domain.ErrValidation, status)
	}

	if status.IsTerminal() {
		query := s.bind(`UPDATE refunds SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
		res, err := s.db.ExecContext(ctx, query, string(status), s.now(), id, string(domain.RefundStatusPending))
		if err != nil {
			return fmt.Errorf("failed to update status of refund %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for refund %s: %w", id, err)
		}
		if n > 0 {
			return nil
		}
	}

	var current string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT status FROM refunds WHERE id = ?`), id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("refund %s: %w", id, domain.ErrRefundNotFound)
		}
		return fmt.Errorf("failed to read status of refund %s: %w", id, err)
	}
	// Pending has a single successor set, so a failed CAS never needs a retry.
	_, err = payments_repo.CheckRefundTransition(domain.RefundStatus(current), status)
	return err
}

func (s *Storage) ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error) {
	query := s.bind(`SELECT ` + refundColumns + ` FROM refunds WHERE payment_id = ? ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds of payment %s: %w", paymentID, err)
	}
	defer rows.Close()

	out := make([]*domain.Refund, 0)
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refund rows: %w", err)
	}
	return out, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var (
		p                           domain.Payment
		status, amount, currency    string
		key, captured               sql.NullString
		customer, receipt, metadata sql.NullString
	)
	err := row.Scan(
		&p.ID,
		&key,
		&status,
		&amount,
		&currency,
		&captured,
		&p.Description,
		&p.ConfirmationURL,
		&customer,
		&receipt,
		&metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.IdempotencyKey = key.String
	p.Status = domain.PaymentStatus(status)
	if p.Amount, err = parseAmount(amount, currency); err != nil {
		return nil, err
	}
	if captured.Valid {
		c, err := parseAmount(captured.String, currency)
		if err != nil {
			return nil, err
		}
		p.CapturedAmount = &c
	}
	if customer.Valid {
		p.Customer = &domain.CustomerInfo{}
		if err := json.Unmarshal([]byte(customer.String), p.Customer); err != nil {
			return nil, fmt.Errorf("failed to decode customer of payment %s: %w", p.ID, err)
		}
	}
	if receipt.Valid {
		p.Receipt = &domain.Receipt{}
		if err := json.Unmarshal([]byte(receipt.String), p.Receipt); err != nil {
			return nil, fmt.Errorf("failed to decode receipt of payment %s: %w", p.ID, err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of payment %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanRefund(row scanner) (*domain.Refund, error) {
	var (
		r                        domain.Refund
		status, amount, currency string
	)
	err := row.Scan(
		&r.ID,
		&r.PaymentID,
		&r.IdempotencyKey,
		&status,
		&amount,
		&currency,
		&r.Description,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RefundStatus(status)
	if r.Amount, err = parseAmount(amount, currency); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func parseAmount(value, currency string) (domain.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("failed to parse stored amount %q: %w", value, err)
	}
	return domain.Amount{Value: d, Currency: domain.Currency(currency)}, nil
}

func marshalNullable(v any, null bool) (sql.NullString, error) {
	if null {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
