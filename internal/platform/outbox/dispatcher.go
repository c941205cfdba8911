package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DispatcherConfig bounds the polling loop and per-message retry budget.
type DispatcherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	MaxAttempts    int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	return c
}

// Observer receives delivery outcomes for metrics.
type Observer interface {
	ObserveOutboxPublished()
	ObserveOutboxPoison()
	ObserveOutboxRetry()
}

// Dispatcher drains the outbox into the sink. Messages sharing a partition
// key are published in enqueue order; a failing message blocks only its own
// partition within the current batch.
type Dispatcher struct {
	source   Source
	sink     Sink
	cfg      DispatcherConfig
	logger   *zap.Logger
	observer Observer
}

func NewDispatcher(source Source, sink Sink, cfg DispatcherConfig, logger *zap.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:   source,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("outbox"),
		observer: observer,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("drain failed", zap.Error(err))
			}
		}
	}
}

// Drain fetches one batch and attempts delivery. Exported so tests and the
// dev mode can pump the outbox synchronously.
func (d *Dispatcher) Drain(ctx context.Context) error {
	msgs, err := d.source.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	// Skip the rest of a partition once one of its messages fails, so
	// in-partition ordering survives transient errors.
	blocked := make(map[string]struct{})
	for _, msg := range msgs {
		if _, ok := blocked[msg.PartitionKey]; ok {
			continue
		}
		if err := d.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			blocked[msg.PartitionKey] = struct{}{}
		}
	}
	return nil
}

// deliver makes one publish attempt. Transient failures are retried on a
// later poll with the attempt count persisted, which gives a capped
// effective backoff without stalling other partitions.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err := d.sink.Publish(pubCtx, msg)
	cancel()
	if err == nil {
		if err := d.source.MarkPublished(ctx, msg.ID); err != nil {
			return err
		}
		if d.observer != nil {
			d.observer.ObserveOutboxPublished()
		}
		return nil
	}

	attempts := msg.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		d.logger.Error("message poisoned",
			zap.String("id", msg.ID.String()),
			zap.String("partition", msg.PartitionKey),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if markErr := d.source.MarkPoison(ctx, msg.ID, attempts); markErr != nil {
			return markErr
		}
		if d.observer != nil {
			d.observer.ObserveOutboxPoison()
		}
		// Poisoned messages stop blocking their partition.
		return nil
	}
	if recErr := d.source.RecordAttempt(ctx, msg.ID, attempts); recErr != nil {
		return recErr
	}
	if d.observer != nil {
		d.observer.ObserveOutboxRetry()
	}
	d.logger.Warn("publish failed",
		zap.String("id", msg.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return err
}
