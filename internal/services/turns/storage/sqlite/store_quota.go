package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

// ReserveQuota atomically places the hold on every period of one tier,
// inserts the reservation row, and stamps the hold onto the running turn.
// Conditional updates keyed on remaining capacity prevent concurrent
// reservations from observing stale counters; the turn stamp riding in the
// same transaction means a crash can never strand a hold with no turn
// pointing back at it.
func (s *Store) ReserveQuota(ctx context.Context, reservation storage.ReservationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	reservation.ID = strings.TrimSpace(reservation.ID)
	reservation.TurnID = strings.TrimSpace(reservation.TurnID)
	reservation.TenantID = strings.TrimSpace(reservation.TenantID)
	reservation.UserID = strings.TrimSpace(reservation.UserID)
	reservation.Tier = strings.TrimSpace(reservation.Tier)
	if reservation.ID == "" {
		return fmt.Errorf("reservation id is required")
	}
	if reservation.TurnID == "" {
		return fmt.Errorf("turn id is required")
	}
	if reservation.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if reservation.Tier == "" {
		return fmt.Errorf("tier is required")
	}
	if reservation.ReservedTokens <= 0 {
		return fmt.Errorf("reserved tokens must be greater than zero")
	}
	if len(reservation.Periods) == 0 {
		return fmt.Errorf("at least one period is required")
	}
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now().UTC()
	}
	if reservation.UpdatedAt.IsZero() {
		reservation.UpdatedAt = reservation.CreatedAt
	}

	periodsJSON, err := json.Marshal(reservation.Periods)
	if err != nil {
		return fmt.Errorf("encode reservation periods: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start reserve transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	nowMillis := toMillis(reservation.UpdatedAt)
	for _, period := range reservation.Periods {
		if !period.Period.Valid() {
			return fmt.Errorf("period %q is invalid", period.Period)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO quota_counters (
	tenant_id, user_id, tier, period_type, period_start,
	consumed_tokens, reserved_tokens, consumed_calls, updated_at
) VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?)
`,
			reservation.TenantID,
			reservation.UserID,
			reservation.Tier,
			string(period.Period),
			toMillis(period.Start),
			nowMillis,
		); err != nil {
			return fmt.Errorf("ensure quota counter: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
UPDATE quota_counters
SET reserved_tokens = reserved_tokens + ?, updated_at = ?
WHERE tenant_id = ? AND user_id = ? AND tier = ?
	AND period_type = ? AND period_start = ?
	AND consumed_tokens + reserved_tokens + ? <= ?
`,
			reservation.ReservedTokens,
			nowMillis,
			reservation.TenantID,
			reservation.UserID,
			reservation.Tier,
			string(period.Period),
			toMillis(period.Start),
			reservation.ReservedTokens,
			period.MaxTokens,
		)
		if err != nil {
			return fmt.Errorf("hold quota for period %s: %w", period.Period, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("hold quota affected rows: %w", err)
		}
		if affected == 0 {
			// One exhausted period exhausts the whole tier.
			return storage.ErrInsufficientQuota
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO reservations (
	id, tenant_id, user_id, tier, reserved_tokens, estimated_input_tokens,
	periods_json, state, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		reservation.ID,
		reservation.TenantID,
		reservation.UserID,
		reservation.Tier,
		reservation.ReservedTokens,
		reservation.EstimatedInputTokens,
		string(periodsJSON),
		string(storage.ReservationHeld),
		toMillis(reservation.CreatedAt),
		nowMillis,
	); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE turns
SET tier = ?,
	model = ?,
	reservation_id = ?,
	reserved_tokens = ?,
	estimated_input_tokens = ?,
	updated_at = ?
WHERE id = ? AND state = ?
`,
		reservation.Tier,
		reservation.Model,
		reservation.ID,
		reservation.ReservedTokens,
		reservation.EstimatedInputTokens,
		nowMillis,
		reservation.TurnID,
		string(domain.StateRunning),
	)
	if err != nil {
		return fmt.Errorf("stamp reservation on turn: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("stamp reservation affected rows: %w", err)
	}
	if affected == 0 {
		// The turn is gone or already terminal. The rollback drops the hold.
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve transaction: %w", err)
	}
	return nil
}

// GetReservation returns one reservation by ID.
func (s *Store) GetReservation(ctx context.Context, id string) (storage.ReservationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReservationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ReservationRecord{}, fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return storage.ReservationRecord{}, fmt.Errorf("reservation id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, tenant_id, user_id, tier, reserved_tokens, estimated_input_tokens,
	periods_json, state, created_at, updated_at
FROM reservations
WHERE id = ?
`, id)

	var (
		record      storage.ReservationRecord
		periodsJSON string
		state       string
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&record.ID,
		&record.TenantID,
		&record.UserID,
		&record.Tier,
		&record.ReservedTokens,
		&record.EstimatedInputTokens,
		&periodsJSON,
		&state,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ReservationRecord{}, storage.ErrNotFound
		}
		return storage.ReservationRecord{}, fmt.Errorf("get reservation: %w", err)
	}
	if err := json.Unmarshal([]byte(periodsJSON), &record.Periods); err != nil {
		return storage.ReservationRecord{}, fmt.Errorf("decode reservation periods: %w", err)
	}
	record.State = storage.ReservationState(state)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// GetQuotaCounter returns one counter row.
func (s *Store) GetQuotaCounter(ctx context.Context, tenantID, userID, tier string, period catalog.PeriodType, periodStart time.Time) (storage.CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CounterRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CounterRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT tenant_id, user_id, tier, period_type, period_start,
	consumed_tokens, reserved_tokens, consumed_calls, updated_at
FROM quota_counters
WHERE tenant_id = ? AND user_id = ? AND tier = ? AND period_type = ? AND period_start = ?
`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(userID),
		strings.TrimSpace(tier),
		string(period),
		toMillis(periodStart),
	)

	var (
		record      storage.CounterRecord
		periodValue string
		startMillis int64
		updatedAt   int64
	)
	if err := row.Scan(
		&record.TenantID,
		&record.UserID,
		&record.Tier,
		&periodValue,
		&startMillis,
		&record.ConsumedTokens,
		&record.ReservedTokens,
		&record.ConsumedCalls,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CounterRecord{}, storage.ErrNotFound
		}
		return storage.CounterRecord{}, fmt.Errorf("get quota counter: %w", err)
	}
	record.Period = catalog.PeriodType(periodValue)
	record.PeriodStart = fromMillis(startMillis)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
