package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

const settlementColumns = `
	id,
	turn_id,
	conversation_id,
	request_id,
	tenant_id,
	user_id,
	outcome,
	settlement_method,
	charged_tokens,
	reserved_tokens,
	tier,
	model,
	payload_json,
	delivery_status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	delivered_at,
	created_at,
	updated_at
`

// GetSettlementByTurn returns the settlement outbox row for one turn.
func (s *Store) GetSettlementByTurn(ctx context.Context, turnID string) (storage.SettlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SettlementRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SettlementRecord{}, fmt.Errorf("storage is not configured")
	}

	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return storage.SettlementRecord{}, fmt.Errorf("turn id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+settlementColumns+`
FROM settlements
WHERE turn_id = ?
`, turnID)
	record, err := scanSettlement(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SettlementRecord{}, storage.ErrNotFound
		}
		return storage.SettlementRecord{}, fmt.Errorf("get settlement: %w", err)
	}
	return record, nil
}

// LeaseSettlements leases due settlement rows for one dispatcher instance.
// Pending rows whose next attempt is due qualify, as do rows whose previous
// lease expired without an ack.
func (s *Store) LeaseSettlements(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]storage.SettlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	leaseExpiresAt := now.Add(leaseTTL)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM settlements
WHERE (
	(delivery_status = ? AND next_attempt_at <= ?)
	OR
	(delivery_status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?
`,
		string(storage.DeliveryPending),
		toMillis(now),
		string(storage.DeliveryLeased),
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidateIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", scanErr)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}
	if len(candidateIDs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty lease transaction: %w", err)
		}
		return []storage.SettlementRecord{}, nil
	}

	leased := make([]storage.SettlementRecord, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		result, updateErr := tx.ExecContext(ctx, `
UPDATE settlements
SET
	delivery_status = ?,
	lease_owner = ?,
	lease_expires_at = ?,
	updated_at = ?
WHERE id = ?
AND (
	(delivery_status = ? AND next_attempt_at <= ?)
	OR
	(delivery_status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)
`,
			string(storage.DeliveryLeased),
			consumer,
			toMillis(leaseExpiresAt),
			toMillis(now),
			id,
			string(storage.DeliveryPending),
			toMillis(now),
			string(storage.DeliveryLeased),
			toMillis(now),
		)
		if updateErr != nil {
			return nil, fmt.Errorf("lease settlement %s: %w", id, updateErr)
		}
		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, rowsErr)
		}
		if rowsAffected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, `
SELECT `+settlementColumns+`
FROM settlements
WHERE id = ?
`, id)
		record, scanErr := scanSettlement(row.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan leased settlement %s: %w", id, scanErr)
		}
		leased = append(leased, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkSettlementSent marks one leased settlement as delivered.
func (s *Store) MarkSettlementSent(ctx context.Context, id, owner string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	if id == "" {
		return fmt.Errorf("settlement id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE settlements
SET
	delivery_status = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = '',
	delivered_at = ?,
	updated_at = ?
WHERE id = ?
AND delivery_status = ?
AND lease_owner = ?
`,
		string(storage.DeliverySent),
		toMillis(now),
		toMillis(now),
		id,
		string(storage.DeliveryLeased),
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark settlement sent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark settlement sent rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkSettlementRetry returns one leased settlement to pending with a later attempt.
func (s *Store) MarkSettlementRetry(ctx context.Context, id, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("settlement id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE settlements
SET
	delivery_status = ?,
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	updated_at = ?
WHERE id = ?
AND delivery_status = ?
AND lease_owner = ?
`,
		string(storage.DeliveryPending),
		toMillis(nextAttemptAt.UTC()),
		lastError,
		toMillis(now),
		id,
		string(storage.DeliveryLeased),
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark settlement retry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark settlement retry rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkSettlementFailed parks one leased settlement after the attempt cap.
func (s *Store) MarkSettlementFailed(ctx context.Context, id, owner string, lastError string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	owner = strings.TrimSpace(owner)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("settlement id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE settlements
SET
	delivery_status = ?,
	attempt_count = attempt_count + 1,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	updated_at = ?
WHERE id = ?
AND delivery_status = ?
AND lease_owner = ?
`,
		string(storage.DeliveryFailed),
		lastError,
		toMillis(now),
		id,
		string(storage.DeliveryLeased),
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark settlement failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark settlement failed rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanSettlement(scan func(dest ...any) error) (storage.SettlementRecord, error) {
	var (
		record         storage.SettlementRecord
		outcome        string
		method         string
		deliveryStatus string
		nextAttemptAt  int64
		leaseExpiresAt sql.NullInt64
		deliveredAt    sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	if err := scan(
		&record.ID,
		&record.TurnID,
		&record.ConversationID,
		&record.RequestID,
		&record.TenantID,
		&record.UserID,
		&outcome,
		&method,
		&record.ChargedTokens,
		&record.ReservedTokens,
		&record.Tier,
		&record.Model,
		&record.PayloadJSON,
		&deliveryStatus,
		&record.AttemptCount,
		&nextAttemptAt,
		&record.LeaseOwner,
		&leaseExpiresAt,
		&record.LastError,
		&deliveredAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.SettlementRecord{}, err
	}
	record.Outcome = domain.Outcome(outcome)
	record.Method = domain.SettlementMethod(method)
	record.DeliveryStatus = storage.DeliveryStatus(deliveryStatus)
	record.NextAttemptAt = fromMillis(nextAttemptAt)
	record.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	record.DeliveredAt = fromNullMillis(deliveredAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
