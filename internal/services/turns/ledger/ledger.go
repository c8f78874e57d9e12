// Package ledger resolves tiers and reserves quota ahead of external work.
//
// Reservation runs strictly before any provider call: a turn that cannot hold
// its estimated budget in every configured period of some tier never reaches
// the generation source, so a rejected request has zero billable footprint.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	platformerrors "github.com/meterline/turnstile/internal/platform/errors"
	"github.com/meterline/turnstile/internal/platform/id"
	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

// Estimate is the caller's token budget for one turn.
type Estimate struct {
	InputTokens     int64
	MaxOutputTokens int64
}

// Hold returns the total reservation amount.
func (e Estimate) Hold() int64 {
	return e.InputTokens + e.MaxOutputTokens
}

// Reservation is a granted quota hold at a resolved tier, linked to the
// turn it was taken for.
type Reservation struct {
	ID                   string
	TurnID               string
	Tier                 string
	Model                string
	ReservedTokens       int64
	EstimatedInputTokens int64
	Periods              []storage.PeriodKey
}

// Record converts the reservation to its storage shape.
func (r Reservation) Record(identity domain.Identity, now time.Time) storage.ReservationRecord {
	return storage.ReservationRecord{
		ID:                   r.ID,
		TurnID:               r.TurnID,
		Model:                r.Model,
		TenantID:             identity.TenantID,
		UserID:               identity.UserID,
		Tier:                 r.Tier,
		ReservedTokens:       r.ReservedTokens,
		EstimatedInputTokens: r.EstimatedInputTokens,
		Periods:              r.Periods,
		State:                storage.ReservationHeld,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Ledger walks the tier cascade and places quota holds.
type Ledger struct {
	store   storage.QuotaStore
	catalog *catalog.Catalog
	clock   func() time.Time
}

// New creates a ledger over the given quota store and tier catalog.
func New(store storage.QuotaStore, cat *catalog.Catalog) *Ledger {
	return &Ledger{
		store:   store,
		catalog: cat,
		clock:   time.Now,
	}
}

// WithClock overrides the ledger clock. Intended for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// ResolveAndReserve walks the cascade starting at the requested tier and
// returns the first tier able to hold the full estimate across all of its
// configured periods. Each attempt is a single atomic transaction that also
// stamps the hold onto the running turn, so no hold ever outlives the turn
// that will settle it. A tier with any exhausted period is skipped whole.
func (l *Ledger) ResolveAndReserve(ctx context.Context, turnID string, identity domain.Identity, requestedTier string, estimate Estimate) (Reservation, error) {
	if l == nil || l.store == nil || l.catalog == nil {
		return Reservation{}, fmt.Errorf("ledger is not configured")
	}
	if strings.TrimSpace(turnID) == "" {
		return Reservation{}, fmt.Errorf("turn id is required")
	}
	if identity.TenantID == "" {
		return Reservation{}, platformerrors.New(platformerrors.CodeQuotaIdentityMissing, "tenant id is required")
	}
	if estimate.InputTokens <= 0 {
		return Reservation{}, fmt.Errorf("estimated input tokens must be greater than zero")
	}
	if estimate.MaxOutputTokens < 0 {
		return Reservation{}, fmt.Errorf("max output tokens must not be negative")
	}

	cascade := l.catalog.Cascade(requestedTier)
	if cascade == nil {
		return Reservation{}, platformerrors.WithMetadata(
			platformerrors.CodeQuotaUnknownTier,
			fmt.Sprintf("tier %q is not in the catalog", requestedTier),
			map[string]string{"tier": requestedTier},
		)
	}

	now := l.clock().UTC()
	hold := estimate.Hold()
	for _, tier := range cascade {
		if hold > tier.ContextTokens {
			// The estimate cannot fit this tier's context window.
			continue
		}

		reservationID, err := id.NewID()
		if err != nil {
			return Reservation{}, fmt.Errorf("generate reservation id: %w", err)
		}
		reservation := Reservation{
			ID:                   reservationID,
			TurnID:               turnID,
			Tier:                 tier.Name,
			Model:                tier.Model,
			ReservedTokens:       hold,
			EstimatedInputTokens: estimate.InputTokens,
			Periods:              periodKeys(tier, now),
		}

		err = l.store.ReserveQuota(ctx, reservation.Record(identity, now))
		if err == nil {
			return reservation, nil
		}
		if errors.Is(err, storage.ErrInsufficientQuota) {
			continue
		}
		return Reservation{}, fmt.Errorf("reserve quota at tier %s: %w", tier.Name, err)
	}

	return Reservation{}, platformerrors.WithMetadata(
		platformerrors.CodeQuotaExhausted,
		"no tier has remaining capacity",
		map[string]string{
			"tenant_id": identity.TenantID,
			"tier":      requestedTier,
		},
	)
}

// periodKeys captures the counter rows a reservation will hold, pinned to
// the calendar boundaries in effect at reservation time.
func periodKeys(tier catalog.Tier, now time.Time) []storage.PeriodKey {
	keys := make([]storage.PeriodKey, 0, len(tier.Limits))
	for _, limit := range tier.Limits {
		keys = append(keys, storage.PeriodKey{
			Period:    limit.Period,
			Start:     periodStart(limit.Period, now),
			MaxTokens: limit.MaxTokens,
		})
	}
	return keys
}

// periodStart returns the UTC calendar boundary that opens the period
// containing the given instant.
func periodStart(period catalog.PeriodType, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case catalog.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
