package outbox

import (
	"context"
	"database/sql"
	"log"
	"time"

	"codeweft/internal/domain"
	"codeweft/internal/repo"
)

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 100
)

// Sink receives published events. Implementations must confirm the enqueue
// round-trip before returning nil.
type Sink interface {
	Publish(ctx context.Context, e domain.OutboxEvent) error
}

// Publisher drains pending outbox events on a fixed polling interval.
// Delivery is publish-then-mark: an event is flipped to published only after
// the sink confirmed it. A mark failure after a successful publish means the
// event will go out again next cycle; consumers are idempotent by contract.
type Publisher struct {
	Repo      repo.Repo
	Sink      Sink
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Logf      func(format string, args ...any)
}

func NewPublisher(db *sql.DB, sink Sink) *Publisher {
	return &Publisher{
		Repo:      repo.Repo{DB: db},
		Sink:      sink,
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
		Now:       time.Now,
	}
}

func (p *Publisher) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// PublishPending runs one polling cycle and reports how many events were
// published. One poisoned event never blocks the rest of the batch.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pending, err := p.Repo.ListPendingOutboxEvents(ctx, batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := p.Sink.Publish(ctx, e); err != nil {
			p.logf("outbox: publish %s (%s) failed, left pending: %v", e.ID, e.EventName, err)
			continue
		}
		if err := p.Repo.MarkOutboxPublished(ctx, e.ID, p.now().UTC().Format(time.RFC3339)); err != nil {
			// The publish already went out; the event will be re-delivered
			// next cycle. Consumers dedupe, so this is loud but survivable.
			p.logf("outbox: CRITICAL: event %s published but status update failed (duplicate delivery ahead): %v", e.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

// Run polls until the context is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
			p.logf("outbox: poll cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
