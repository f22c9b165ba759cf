// Package jsonfile persists payments as a single JSON document on disk.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"yookassa/internal/domain"
	"yookassa/internal/repository/payments_repo"
	"yookassa/internal/repository/payments_repo/memory"
)

// Storage serves reads from memory and rewrites the file after every mutation.
type Storage struct {
	mu   sync.Mutex
	path string
	mem  *memory.Storage
}

var _ payments_repo.Storage = (*Storage)(nil)

func Open(path string) (*Storage, error) {
	if path == "" {
		return nil, errors.New("json storage path is empty")
	}
	s := &Storage{path: path, mem: memory.New()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read payments file %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var snap memory.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode payments file %s: %w", path, err)
	}
	if err := s.mem.Restore(snap); err != nil {
		return nil, fmt.Errorf("failed to load payments file %s: %w", path, err)
	}
	return s, nil
}

func (s *Storage) mutate(fn func(tx *memory.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.mem.Snapshot()
	if err := s.mem.Mutate(fn); err != nil {
		return err
	}
	if err := s.flush(); err != nil {
		if restoreErr := s.mem.Restore(before); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	return nil
}

func (s *Storage) flush() error {
	data, err := json.MarshalIndent(s.mem.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode payments: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

func (s *Storage) Save(_ context.Context, p *domain.Payment) error {
	return s.mutate(func(tx *memory.Tx) error { return tx.Save(p) })
}

func (s *Storage) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.mem.Get(ctx, id)
}

func (s *Storage) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	return s.mem.GetByIdempotencyKey(ctx, key)
}

func (s *Storage) UpdateStatus(_ context.Context, id string, status domain.PaymentStatus) error {
	return s.mutate(func(tx *memory.Tx) error { return tx.UpdateStatus(id, status) })
}

func (s *Storage) Capture(_ context.Context, id string, captured domain.Amount) error {
	return s.mutate(func(tx *memory.Tx) error { return tx.Capture(id, captured) })
}

func (s *Storage) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error) {
	return s.mem.ListByStatus(ctx, status)
}

func (s *Storage) SaveRefund(_ context.Context, r *domain.Refund) error {
	return s.mutate(func(tx *memory.Tx) error { return tx.SaveRefund(r) })
}

func (s *Storage) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	return s.mem.GetRefund(ctx, id)
}

func (s *Storage) UpdateRefundStatus(_ context.Context, id string, status domain.RefundStatus) error {
	return s.mutate(func(tx *memory.Tx) error { return tx.UpdateRefundStatus(id, status) })
}

func (s *Storage) ListRefunds(ctx context.Context, paymentID string) ([]*domain.Refund, error) {
	return s.mem.ListRefunds(ctx, paymentID)
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}
