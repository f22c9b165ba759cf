package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"yookassa/internal/domain"
	"yookassa/internal/repository/outbox_repo"
	"yookassa/internal/util"
)

// Publisher accepts status events without blocking the caller.
type Publisher interface {
	Publish(evt domain.PaymentStatusEvent)
}

// Sink delivers one event to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.PaymentStatusEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(domain.PaymentStatusEvent) {}

type Config struct {
	BufferSize      int
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	MaxAttempts     int
}

type delivery struct {
	evt      domain.PaymentStatusEvent
	sink     Sink
	attempts int
	msgID    string
}

// Processor queues events in memory and fans them out to every sink. Failed
// deliveries are retried on each tick until MaxAttempts is reached.
type Processor struct {
	sinks  []Sink
	cfg    Config
	queue  chan domain.PaymentStatusEvent
	repo   outbox_repo.Repository
	logger *zap.Logger

	mu      sync.Mutex
	pending []delivery

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
	done           chan struct{}
}

var _ Publisher = (*Processor)(nil)

func NewProcessor(cfg Config, logger *zap.Logger, sinks ...Sink) *Processor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Processor{
		sinks:          sinks,
		cfg:            cfg,
		queue:          make(chan domain.PaymentStatusEvent, cfg.BufferSize),
		logger:         logger.With(zap.String("component", "outbox")),
		shutdownSignal: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// WithRepository makes failed deliveries survive a restart: they are stored
// on the first failure and reloaded by Start. Call it before Start.
func (p *Processor) WithRepository(repo outbox_repo.Repository) *Processor {
	p.repo = repo
	return p
}

func (p *Processor) Publish(evt domain.PaymentStatusEvent) {
	if len(p.sinks) == 0 {
		return
	}
	select {
	case p.queue <- evt:
	default:
		p.logger.Warn("Outbox buffer full, dropping status event",
			zap.String("payment_id", evt.PaymentID),
			zap.String("status", evt.Status))
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...", zap.Int("sinks", len(p.sinks)))
	p.restore(ctx)
	ticker := time.NewTicker(p.cfg.PollInterval)

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case evt := <-p.queue:
				p.fanOut(ctx, evt)
			case <-ticker.C:
				p.retryPending(ctx)
			case <-ctx.Done():
				p.drain(context.Background())
				return
			case <-p.shutdownSignal:
				p.drain(ctx)
				return
			}
		}
	}()
}

// Stop flushes queued events once and waits for the loop to exit.
func (p *Processor) Stop() {
	p.shutdownOnce.Do(func() {
		p.logger.Info("Signaling outbox processor to stop...")
		close(p.shutdownSignal)
	})
	<-p.done
	p.logger.Info("Outbox processor stopped.")
}

// Pending returns the number of deliveries waiting for a retry.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Processor) drain(ctx context.Context) {
	for {
		select {
		case evt := <-p.queue:
			p.fanOut(ctx, evt)
		default:
			p.retryPending(ctx)
			if n := p.Pending(); n > 0 {
				p.logger.Warn("Outbox stopped with undelivered events", zap.Int("count", n))
			}
			return
		}
	}
}

func (p *Processor) fanOut(ctx context.Context, evt domain.PaymentStatusEvent) {
	for _, sink := range p.sinks {
		p.attempt(ctx, delivery{evt: evt, sink: sink})
	}
}

func (p *Processor) retryPending(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.logger.Debug("Retrying outbox deliveries", zap.Int("count", len(batch)))
	for _, d := range batch {
		p.attempt(ctx, d)
	}
}

func (p *Processor) attempt(ctx context.Context, d delivery) {
	deliverCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()

	d.attempts++
	err := d.sink.Deliver(deliverCtx, d.evt)
	if err == nil {
		p.logger.Debug("Status event delivered",
			zap.String("sink", d.sink.Name()),
			zap.String("payment_id", d.evt.PaymentID),
			zap.String("status", d.evt.Status))
		p.mark(ctx, d.msgID, outbox_repo.MessageStatusSent)
		return
	}

	if d.attempts >= p.cfg.MaxAttempts {
		p.logger.Error("Giving up on status event delivery",
			zap.String("sink", d.sink.Name()),
			zap.String("payment_id", d.evt.PaymentID),
			zap.String("status", d.evt.Status),
			zap.Int("attempts", d.attempts),
			zap.Error(err))
		p.mark(ctx, d.msgID, outbox_repo.MessageStatusFailed)
		return
	}
	d = p.persist(ctx, d)

	p.logger.Warn("Status event delivery failed, will retry",
		zap.String("sink", d.sink.Name()),
		zap.String("payment_id", d.evt.PaymentID),
		zap.Int("attempt", d.attempts),
		zap.Error(err))
	p.mu.Lock()
	p.pending = append(p.pending, d)
	p.mu.Unlock()
}

// persist records a failing delivery, or its attempt count when already stored.
func (p *Processor) persist(ctx context.Context, d delivery) delivery {
	if p.repo == nil {
		return d
	}
	if d.msgID != "" {
		if err := p.repo.UpdateAttempts(ctx, d.msgID, d.attempts); err != nil {
			p.logger.Error("Failed to update outbox message attempts", zap.String("message_id", d.msgID), zap.Error(err))
		}
		return d
	}

	payload, err := json.Marshal(d.evt)
	if err != nil {
		p.logger.Error("Failed to marshal status event for outbox", zap.String("payment_id", d.evt.PaymentID), zap.Error(err))
		return d
	}
	msg := &outbox_repo.Message{
		ID:        util.GenerateUUID(),
		Sink:      d.sink.Name(),
		PaymentID: d.evt.PaymentID,
		Payload:   payload,
		Status:    outbox_repo.MessageStatusPending,
		Attempts:  d.attempts,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.repo.Create(ctx, msg); err != nil {
		p.logger.Error("Failed to store outbox message", zap.String("payment_id", d.evt.PaymentID), zap.Error(err))
		return d
	}
	d.msgID = msg.ID
	return d
}

func (p *Processor) mark(ctx context.Context, msgID string, status outbox_repo.MessageStatus) {
	if p.repo == nil || msgID == "" {
		return
	}
	var err error
	if status == outbox_repo.MessageStatusSent {
		err = p.repo.MarkSent(ctx, []string{msgID})
	} else {
		err = p.repo.MarkFailed(ctx, []string{msgID})
	}
	if err != nil {
		p.logger.Error("Failed to update outbox message status",
			zap.String("message_id", msgID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// restore reloads deliveries stored by a previous run.
func (p *Processor) restore(ctx context.Context) {
	if p.repo == nil {
		return
	}
	msgs, err := p.repo.GetPending(ctx, p.cfg.BufferSize)
	if err != nil {
		p.logger.Error("Failed to load pending outbox messages", zap.Error(err))
		return
	}

	sinks := make(map[string]Sink, len(p.sinks))
	for _, s := range p.sinks {
		sinks[s.Name()] = s
	}

	var restored []delivery
	for _, msg := range msgs {
		sink, ok := sinks[msg.Sink]
		var evt domain.PaymentStatusEvent
		if ok {
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				ok = false
			}
		}
		if !ok {
			p.logger.Warn("Dropping stored outbox message", zap.String("message_id", msg.ID), zap.String("sink", msg.Sink))
			p.mark(ctx, msg.ID, outbox_repo.MessageStatusFailed)
			continue
		}
		restored = append(restored, delivery{evt: evt, sink: sink, attempts: msg.Attempts, msgID: msg.ID})
	}

	if len(restored) > 0 {
		p.logger.Info("Restored pending outbox deliveries", zap.Int("count", len(restored)))
		p.mu.Lock()
		p.pending = append(p.pending, restored...)
		p.mu.Unlock()
	}
}
