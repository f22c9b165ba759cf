package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"yookassa/internal/infrastructure/database"
	"yookassa/internal/repository/outbox_repo"
)

type OutboxRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

var _ outbox_repo.Repository = (*OutboxRepository)(nil)

func NewOutboxRepository(db *sql.DB, dialect database.Dialect) *OutboxRepository {
	return &OutboxRepository{db: db, dialect: dialect}
}

func (r *OutboxRepository) Create(ctx context.Context, msg *outbox_repo.Message) error {
	query := database.Rebind(r.dialect, `
		INSERT INTO outbox_messages (id, sink, payment_id, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if msg.Status == "" {
		msg.Status = outbox_repo.MessageStatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.Sink,
		msg.PaymentID,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]outbox_repo.Message, error) {
	query := database.Rebind(r.dialect, `
		SELECT id, sink, payment_id, payload, status, attempts, created_at, sent_at
		FROM outbox_messages
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`)
	rows, err := r.db.QueryContext(ctx, query, outbox_repo.MessageStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []outbox_repo.Message
	for rows.Next() {
		msg := outbox_repo.Message{}
		var sentAt sql.NullTime
		err := rows.Scan(
			&msg.ID,
			&msg.Sink,
			&msg.PaymentID,
			&msg.Payload,
			&msg.Status,
			&msg.Attempts,
			&msg.CreatedAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	return messages, nil
}

func (r *OutboxRepository) UpdateAttempts(ctx context.Context, id string, attempts int) error {
	res, err := r.db.ExecContext(ctx,
		database.Rebind(r.dialect, `UPDATE outbox_messages SET attempts = ? WHERE id = ?`), attempts, id)
	if err != nil {
		return fmt.Errorf("failed to update attempts for outbox message %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox message %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no outbox message found with id %s", id)
	}
	return nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, ids []string) error {
	return r.setStatus(ctx, ids, outbox_repo.MessageStatusSent, sql.NullTime{Time: time.Now().UTC(), Valid: true})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, ids []string) error {
	return r.setStatus(ctx, ids, outbox_repo.MessageStatusFailed, sql.NullTime{})
}

func (r *OutboxRepository) setStatus(ctx context.Context, ids []string, status outbox_repo.MessageStatus, sentAt sql.NullTime) error {
	if len(ids) == 0 {
		return nil
	}
	query := database.Rebind(r.dialect,
		`UPDATE outbox_messages SET status = ?, sent_at = ? WHERE id IN (`+database.Placeholders(len(ids))+`)`)
	args := make([]any, 0, len(ids)+2)
	args = append(args, status, sentAt)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark outbox messages as %s: %w", status, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox %s: %w", status, err)
	}
	if rowsAffected != int64(len(ids)) {
		return fmt.Errorf("not all outbox messages were marked as %s; expected %d, got %d", status, len(ids), rowsAffected)
	}
	return nil
}
