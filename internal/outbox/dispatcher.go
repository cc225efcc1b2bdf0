package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/wallet-ledger/internal/metrics"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// Store claims and settles outbox rows.
type Store interface {
	// ClaimEvents moves up to limit due pending rows, and processing rows
	// claimed before staleBefore, to processing and increments attempts.
	ClaimEvents(ctx context.Context, limit int, now, staleBefore time.Time) ([]Event, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error
}

// Publisher delivers one event to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Dispatcher polls the outbox and publishes what it claims.
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	BatchSize    int
	PollInterval time.Duration
	StaleAfter   time.Duration
}

func NewDispatcher(store Store, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
		BatchSize:    defaultBatchSize,
		PollInterval: defaultPollInterval,
		StaleAfter:   defaultStaleProcessing,
	}
}

// Run flushes on every tick until ctx is done, then closes the publisher.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	defer func() {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("close publisher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// FlushOnce publishes one claimed batch and returns how many events were
// delivered.
func (d *Dispatcher) FlushOnce(ctx context.Context) (int, error) {
	now := d.now().UTC()
	events, err := d.store.ClaimEvents(ctx, d.BatchSize, now, now.Add(-d.StaleAfter))
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range events {
		if err := d.publisher.Publish(ctx, e); err != nil {
			retryAt := d.now().UTC().Add(time.Duration(retryDelaySeconds(e.Attempts)) * time.Second)
			d.logger.Warn("outbox publish failed", "event_id", e.ID, "type", e.Type, "attempts", e.Attempts, "error", err)
			metrics.OutboxPublished.WithLabelValues(e.Type, "failed").Inc()
			if mErr := d.store.MarkFailed(ctx, e.ID, retryAt, err.Error()); mErr != nil {
				d.logger.Error("mark outbox event failed", "event_id", e.ID, "error", mErr)
			}
			continue
		}
		metrics.OutboxPublished.WithLabelValues(e.Type, "published").Inc()
		if err := d.store.MarkPublished(ctx, e.ID, d.now().UTC()); err != nil {
			d.logger.Error("mark outbox event published", "event_id", e.ID, "error", err)
			continue
		}
		published++
	}
	if published > 0 {
		d.logger.Debug("outbox flushed", "published", published, "claimed", len(events))
	}
	return published, nil
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
