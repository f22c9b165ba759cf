// Package memory keeps payments in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"yookassa/internal/domain"
	"yookassa/internal/repository/payments_repo"
)

type Storage struct {
	mu              sync.RWMutex
	payments        map[string]*domain.Payment
	idempotencyKeys map[string]string
	refunds         map[string]*domain.Refund
	now             func() time.Time
}

var _ payments_repo.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		payments:        make(map[string]*domain.Payment),
		idempotencyKeys: make(map[string]string),
		refunds:         make(map[string]*domain.Refund),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *Storage) Save(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(p)
}

func (s *Storage) saveLocked(p *domain.Payment) error {
	if _, exists := s.payments[p.ID]; exists {
		return fmt.Errorf("payment %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if p.IdempotencyKey != "" {
		if _, exists := s.idempotencyKeys[p.IdempotencyKey]; exists {
			return fmt.Errorf("idempotency key %s: %w", p.IdempotencyKey, domain.ErrAlreadyExists)
		}
		s.idempotencyKeys[p.IdempotencyKey] = p.ID
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *Storage) Get(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrPaymentNotFound)
	}
	return p.Clone(), nil
}

func (s *Storage) GetByIdempotencyKey(_ context.Context, key string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotencyKeys[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, domain.ErrPaymentNotFound)
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, domain.ErrPaymentNotFound)
	}
	return p.Clone(), nil
}

func (s *Storage) UpdateStatus(_ context.Context, id string, status domain.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, status)
}

func (s *Storage) updateStatusLocked(id string, status domain.PaymentStatus) error {
	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, domain.ErrPaymentNotFound)
	}
	apply, err := payments_repo.CheckTransition(p.Status, status)
	if err != nil || !apply {
		return err
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return nil
}

func (s *Storage) Capture(_ context.Context, id string, captured domain.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureLocked(id, captured)
}

func (s *Storage) captureLocked(id string, captured domain.Amount) error {
	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, domain.ErrPaymentNotFound)
	}
	if err := payments_repo.CheckCaptured(p.Amount, captured); err != nil {
		return err
	}
	apply, err := payments_repo.CheckTransition(p.Status, domain.PaymentStatusSucceeded)
	if err != nil || !apply {
		return err
	}
	p.Status = domain.PaymentStatusSucceeded
	p.CapturedAmount = &captured
	p.UpdatedAt = s.now()
	return nil
}

func (s *Storage) ListByStatus(_ context.Context, status domain.PaymentStatus) ([]*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Payment, 0)
	for _, p := range s.payments {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) SaveRefund(_ context.Context, r *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRefundLocked(r)
}

func (s *Storage) saveRefundLocked(r *domain.Refund) error {
	if _, ok := s.payments[r.PaymentID]; !ok {
		return fmt.Errorf("refund %s references payment %s: %w", r.ID, r.PaymentID, domain.ErrPaymentNotFound)
	}
	if _, exists := s.refunds[r.ID]; exists {
		return fmt.Errorf("refund %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	s.refunds[r.ID] = r.Clone()
	return nil
}

func (s *Storage) GetRefund(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.refunds[id]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", id, domain.ErrRefundNotFound)
	}
	return r.Clone(), nil
}

func (s *Storage) UpdateRefundStatus(_ context.Context, id string, status domain.RefundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRefundStatusLocked(id, status)
}

func (s *Storage) updateRefundStatusLocked(id string, status domain.RefundStatus) error {
	r, ok := s.refunds[id]
	if !ok {
		return fmt.Errorf("refund %s: %w", id, domain.ErrRefundNotFound)
	}
	apply, err := payments_repo.CheckRefundTransition(r.Status, status)
	if err != nil || !apply {
		return err
	}
	r.Status = status
	r.UpdatedAt = s.now()
	return nil
}

func (s *Storage) ListRefunds(_ context.Context, paymentID string) ([]*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Refund, 0)
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) Close() error { return nil }

// Snapshot is the serializable state of a Storage.
type Snapshot struct {
	Payments []*domain.Payment `json:"payments"`
	Refunds  []*domain.Refund  `json:"refunds"`
}

func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Payments: make([]*domain.Payment, 0, len(s.payments)),
		Refunds:  make([]*domain.Refund, 0, len(s.refunds)),
	}
	for _, p := range s.payments {
		snap.Payments = append(snap.Payments, p.Clone())
	}
	for _, r := range s.refunds {
		snap.Refunds = append(snap.Refunds, r.Clone())
	}
	sort.Slice(snap.Payments, func(i, j int) bool { return snap.Payments[i].ID < snap.Payments[j].ID })
	sort.Slice(snap.Refunds, func(i, j int) bool { return snap.Refunds[i].ID < snap.Refunds[j].ID })
	return snap
}

// Restore replaces the current state with snap.
func (s *Storage) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments = make(map[string]*domain.Payment, len(snap.Payments))
	s.idempotencyKeys = make(map[string]string, len(snap.Payments))
	s.refunds = make(map[string]*domain.Refund, len(snap.Refunds))
	for _, p := range snap.Payments {
		if err := s.saveLocked(p); err != nil {
			return err
		}
	}
	for _, r := range snap.Refunds {
		if err := s.saveRefundLocked(r); err != nil {
			return err
		}
	}
	return nil
}

// Mutate runs fn under the write lock; used by wrappers that persist after each change.
func (s *Storage) Mutate(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// Tx exposes the mutating operations to Mutate callbacks.
type Tx struct{ s *Storage }

func (t *Tx) Save(p *domain.Payment) error { return t.s.saveLocked(p) }

func (t *Tx) UpdateStatus(id string, status domain.PaymentStatus) error {
	return t.s.updateStatusLocked(id, status)
}

func (t *Tx) Capture(id string, captured domain.Amount) error {
	return t.s.captureLocked(id, captured)
}

func (t *Tx) SaveRefund(r *domain.Refund) error { return t.s.saveRefundLocked(r) }

func (t *Tx) UpdateRefundStatus(id string, status domain.RefundStatus) error {
	return t.s.updateRefundStatusLocked(id, status)
}
