// Package redis shares the webhook dedup window between replicas via SET NX.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"yookassa/internal/repository/inbox_repo"
)

const DefaultPrefix = "yookassa:webhook:"

type Deduplicator struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ inbox_repo.Deduplicator = (*Deduplicator)(nil)

func New(client redis.Cmdable, prefix string, ttl time.Duration) *Deduplicator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = inbox_repo.DefaultTTL
	}
	return &Deduplicator{client: client, prefix: prefix, ttl: ttl}
}

func (d *Deduplicator) key(id string) string {
	return d.prefix + id
}

func (d *Deduplicator) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(id), time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event %s: %w", id, err)
	}
	return ok, nil
}

func (d *Deduplicator) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to release webhook event %s: %w", id, err)
	}
	return nil
}
