// Package reconcile periodically asks the provider about payments that are
// still in flight, so a lost webhook never leaves a record stuck.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"yookassa/internal/domain"
)

const DefaultSchedule = "@every 5m"

// Syncer is the part of the payment service the reconciler drives.
type Syncer interface {
	ListPayments(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error)
	SyncStatus(ctx context.Context, paymentID string) (*domain.Payment, error)
}

type Result struct {
	Checked int
	Updated int
	Failed  int
}

type Reconciler struct {
	syncer   Syncer
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewReconciler validates schedule (standard cron syntax or a descriptor
// such as "@every 5m"); timeout bounds a single SyncStatus call.
func NewReconciler(syncer Syncer, schedule string, timeout time.Duration, logger *zap.Logger) (*Reconciler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger = logger.With(zap.String("component", "reconciler"))
	return &Reconciler{
		syncer:   syncer,
		schedule: schedule,
		timeout:  timeout,
		cron:     cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		logger:   logger,
	}, nil
}

// Start schedules RunOnce; runs that would overlap are skipped.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		r.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	r.cron.Start()
	r.logger.Info("Сверка платежей запланирована", zap.String("schedule", r.schedule))
	return nil
}

// Stop waits for a running pass to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("Сверка платежей остановлена")
}

// RunOnce syncs every payment in a non-terminal status once.
func (r *Reconciler) RunOnce(ctx context.Context) Result {
	var res Result
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("Предыдущая сверка еще выполняется, запуск пропущен")
		return res
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	for _, status := range []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusWaitingForCapture} {
		list, err := r.syncer.ListPayments(ctx, status)
		if err != nil {
			r.logger.Error("Не удалось получить платежи для сверки", zap.String("status", string(status)), zap.Error(err))
			res.Failed++
			continue
		}
		for _, p := range list {
			if ctx.Err() != nil {
				return res
			}
			res.Checked++
			updated, err := r.syncOne(ctx, p)
			switch {
			case err != nil:
				res.Failed++
			case updated:
				res.Updated++
			}
		}
	}

	if res.Checked > 0 {
		r.logger.Info("Сверка платежей завершена",
			zap.Int("checked", res.Checked),
			zap.Int("updated", res.Updated),
			zap.Int("failed", res.Failed))
	}
	return res
}

func (r *Reconciler) syncOne(ctx context.Context, p *domain.Payment) (bool, error) {
	syncCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	synced, err := r.syncer.SyncStatus(syncCtx, p.ID)
	if err != nil {
		r.logger.Warn("Не удалось сверить статус платежа",
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)),
			zap.Error(err))
		return false, err
	}
	return synced.Status != p.Status, nil
}

// cronLogger routes the scheduler's own messages into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
