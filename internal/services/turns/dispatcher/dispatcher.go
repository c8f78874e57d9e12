// Package dispatcher delivers settlement outbox rows to the billing
// consumer.
//
// Delivery is at-least-once: rows are leased per instance, acknowledged on
// success, and retried with exponential backoff on failure until the attempt
// cap parks them as failed. The consumer deduplicates by
// (tenant_id, turn_id, request_id). Delivery state never touches turn or
// quota state.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/meterline/turnstile/internal/platform/id"
	"github.com/meterline/turnstile/internal/platform/timeouts"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 20
	defaultLeaseTTL     = 30 * time.Second
	defaultBackoffBase  = 2 * time.Second
	defaultBackoffMax   = 5 * time.Minute
	defaultMaxAttempts  = 8
)

// BillingConsumer receives one settlement event.
type BillingConsumer interface {
	Deliver(ctx context.Context, settlement storage.SettlementRecord) error
}

// Config tunes the delivery loop.
type Config struct {
	// Consumer names this dispatcher instance for lease ownership. A
	// default derived from the hostname is applied when empty.
	Consumer     string
	PollInterval time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "dispatcher"
		}
		c.Consumer = host + "-" + id.MustNewID()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Dispatcher polls the settlement outbox and pushes events downstream.
type Dispatcher struct {
	store    storage.SettlementStore
	consumer BillingConsumer
	cfg      Config
	clock    func() time.Time
}

// New creates a dispatcher for one billing consumer.
func New(store storage.SettlementStore, consumer BillingConsumer, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    store,
		consumer: consumer,
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
	}
}

// WithClock overrides the dispatcher clock. Intended for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Run polls on the configured interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("dispatcher %s: polling every %s", d.cfg.Consumer, d.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				log.Printf("dispatcher %s: %v", d.cfg.Consumer, err)
			}
		}
	}
}

// DispatchOnce leases one batch of due settlements and attempts delivery.
// It returns how many events were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.clock().UTC()
	leased, err := d.store.LeaseSettlements(ctx, d.cfg.Consumer, d.cfg.BatchSize, now, d.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease settlements: %w", err)
	}

	delivered := 0
	for _, settlement := range leased {
		if err := d.deliver(ctx, settlement); err != nil {
			d.recordFailure(ctx, settlement, err)
			continue
		}
		if err := d.store.MarkSettlementSent(ctx, settlement.ID, d.cfg.Consumer, d.clock().UTC()); err != nil {
			// The lease guard rejected the ack, most likely because the
			// lease expired mid-delivery. The row stays due and will be
			// redelivered; the consumer's dedupe absorbs it.
			log.Printf("dispatcher %s: ack settlement %s: %v", d.cfg.Consumer, settlement.ID, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, settlement storage.SettlementRecord) error {
	deliverCtx, cancel := context.WithTimeout(ctx, timeouts.BillingDelivery)
	defer cancel()
	return d.consumer.Deliver(deliverCtx, settlement)
}

func (d *Dispatcher) recordFailure(ctx context.Context, settlement storage.SettlementRecord, cause error) {
	now := d.clock().UTC()
	attempts := settlement.AttemptCount + 1

	if attempts >= d.cfg.MaxAttempts {
		log.Printf("dispatcher %s: ALERT settlement %s (turn %s) failed permanently after %d attempts: %v",
			d.cfg.Consumer, settlement.ID, settlement.TurnID, attempts, cause)
		if err := d.store.MarkSettlementFailed(ctx, settlement.ID, d.cfg.Consumer, cause.Error(), now); err != nil {
			log.Printf("dispatcher %s: park settlement %s: %v", d.cfg.Consumer, settlement.ID, err)
		}
		return
	}

	nextAttemptAt := now.Add(d.backoff(settlement.AttemptCount))
	if err := d.store.MarkSettlementRetry(ctx, settlement.ID, d.cfg.Consumer, nextAttemptAt, cause.Error(), now); err != nil {
		log.Printf("dispatcher %s: schedule retry for settlement %s: %v", d.cfg.Consumer, settlement.ID, err)
		return
	}
	log.Printf("dispatcher %s: settlement %s attempt %d failed, retrying at %s: %v",
		d.cfg.Consumer, settlement.ID, attempts, nextAttemptAt.Format(time.RFC3339), cause)
}

// backoff returns base·2^failures, capped.
func (d *Dispatcher) backoff(failures int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return delay
}
