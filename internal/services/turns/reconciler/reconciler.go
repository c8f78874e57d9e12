// Package reconciler recovers turns stranded in the running state.
//
// A crash between dispatch and finalization leaves a turn no live signal
// will ever finish. The sweep acts purely on stored turn age and settles
// through the same conditional transition as the live path, so any number
// of instances can run it concurrently.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	platformerrors "github.com/meterline/turnstile/internal/platform/errors"
	"github.com/meterline/turnstile/internal/platform/timeouts"
	"github.com/meterline/turnstile/internal/services/turns/app"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

const (
	defaultInterval    = time.Minute
	defaultOrphanAfter = 5 * time.Minute
	defaultBatchSize   = 100
)

// Config tunes the sweep.
type Config struct {
	Interval    time.Duration
	OrphanAfter time.Duration
	BatchSize   int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = defaultOrphanAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Reconciler periodically finalizes orphaned turns as aborted.
type Reconciler struct {
	store     storage.TurnStore
	finalizer *app.Finalizer
	cfg       Config
	clock     func() time.Time
}

// New creates a reconciler over the given turn store.
func New(store storage.TurnStore, finalizer *app.Finalizer, cfg Config) *Reconciler {
	return &Reconciler{
		store:     store,
		finalizer: finalizer,
		cfg:       cfg.withDefaults(),
		clock:     time.Now,
	}
}

// WithClock overrides the reconciler clock. Intended for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run sweeps on the configured interval until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: sweeping every %s, orphan after %s", r.cfg.Interval, r.cfg.OrphanAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := r.SweepOnce(ctx)
			if err != nil {
				log.Printf("reconciler: sweep: %v", err)
				continue
			}
			if recovered > 0 {
				log.Printf("reconciler: recovered %d orphaned turns", recovered)
			}
		}
	}
}

// SweepOnce finalizes every running turn older than the orphan cutoff as
// aborted with bounded debit. It returns how many turns this sweep settled;
// turns another caller finalizes first are skipped silently.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	cutoff := r.clock().UTC().Add(-r.cfg.OrphanAfter)
	orphans, err := r.store.ListOrphanTurns(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list orphan turns: %w", err)
	}

	recovered := 0
	for _, turn := range orphans {
		applied, err := r.recover(ctx, turn)
		if err != nil {
			log.Printf("reconciler: recover turn %s: %v", turn.ID, err)
			continue
		}
		if applied {
			recovered++
		}
	}
	return recovered, nil
}

func (r *Reconciler) recover(ctx context.Context, turn domain.Turn) (bool, error) {
	finalizeCtx, cancel := context.WithTimeout(ctx, timeouts.Finalize)
	defer cancel()
	return r.finalizer.Finalize(finalizeCtx, turn, domain.OutcomeAborted, nil, string(platformerrors.CodeSettlementOrphaned), "")
}
