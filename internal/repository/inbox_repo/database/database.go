// Package database records webhook event ids in the webhook_inbox table.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yookassa/internal/infrastructure/database"
	"yookassa/internal/repository/inbox_repo"
)

type Deduplicator struct {
	db      *sql.DB
	dialect database.Dialect
	ttl     time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	lastPurge time.Time
	now       func() time.Time
}

var _ inbox_repo.Deduplicator = (*Deduplicator)(nil)

func New(db *sql.DB, dialect database.Dialect, ttl time.Duration, logger *zap.Logger) *Deduplicator {
	if ttl <= 0 {
		ttl = inbox_repo.DefaultTTL
	}
	return &Deduplicator{
		db:      db,
		dialect: dialect,
		ttl:     ttl,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Deduplicator) Claim(ctx context.Context, id string) (bool, error) {
	now := d.now()
	d.maybePurge(ctx, now)

	cutoff := now.Add(-d.ttl)
	_, err := d.db.ExecContext(ctx,
		database.Rebind(d.dialect, `DELETE FROM webhook_inbox WHERE id = ? AND received_at < ?`), id, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to expire webhook inbox entry %s: %w", id, err)
	}

	res, err := d.db.ExecContext(ctx,
		database.Rebind(d.dialect, `INSERT INTO webhook_inbox (id, received_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`), id, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook inbox entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for webhook inbox entry %s: %w", id, err)
	}
	return n == 1, nil
}

func (d *Deduplicator) Release(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, database.Rebind(d.dialect, `DELETE FROM webhook_inbox WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to release webhook inbox entry %s: %w", id, err)
	}
	return nil
}

// Purge deletes every entry older than the window.
func (d *Deduplicator) Purge(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		database.Rebind(d.dialect, `DELETE FROM webhook_inbox WHERE received_at < ?`), d.now().Add(-d.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook inbox: %w", err)
	}
	return res.RowsAffected()
}

// maybePurge runs Purge at most once per tenth of the window.
func (d *Deduplicator) maybePurge(ctx context.Context, now time.Time) {
	d.mu.Lock()
	due := now.Sub(d.lastPurge) >= d.ttl/10
	if due {
		d.lastPurge = now
	}
	d.mu.Unlock()
	if !due {
		return
	}

	n, err := d.Purge(ctx)
	if err != nil {
		d.logger.Warn("Failed to purge webhook inbox", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Debug("Purged webhook inbox", zap.Int64("deleted", n))
	}
}
