package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

const turnColumns = `
	id,
	conversation_id,
	request_id,
	tenant_id,
	user_id,
	state,
	tier,
	model,
	reservation_id,
	reserved_tokens,
	estimated_input_tokens,
	dispatched,
	error_code,
	charged_tokens,
	settlement_method,
	result_ref,
	created_at,
	updated_at,
	finalized_at
`

// CreateTurn inserts a running turn, relying on the table's unique key and
// the partial running-per-conversation index for admission control.
func (s *Store) CreateTurn(ctx context.Context, turn domain.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	turn.ID = strings.TrimSpace(turn.ID)
	turn.ConversationID = strings.TrimSpace(turn.ConversationID)
	turn.RequestID = strings.TrimSpace(turn.RequestID)
	turn.TenantID = strings.TrimSpace(turn.TenantID)
	turn.UserID = strings.TrimSpace(turn.UserID)
	if turn.ID == "" {
		return fmt.Errorf("turn id is required")
	}
	if turn.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if turn.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if turn.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if !turn.State.Valid() {
		return fmt.Errorf("turn state %q is invalid", turn.State)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.UpdatedAt.IsZero() {
		turn.UpdatedAt = turn.CreatedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO turns (
	id, conversation_id, request_id, tenant_id, user_id, state,
	tier, model, reservation_id, reserved_tokens, estimated_input_tokens,
	dispatched, error_code, charged_tokens, settlement_method, result_ref,
	created_at, updated_at, finalized_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
`,
		turn.ID,
		turn.ConversationID,
		turn.RequestID,
		turn.TenantID,
		turn.UserID,
		string(turn.State),
		turn.Tier,
		turn.Model,
		turn.ReservationID,
		turn.ReservedTokens,
		turn.EstimatedInputTokens,
		boolToInt(turn.Dispatched),
		turn.ErrorCode,
		turn.ChargedTokens,
		string(turn.SettlementMethod),
		turn.ResultRef,
		toMillis(turn.CreatedAt),
		toMillis(turn.UpdatedAt),
	)
	if err != nil {
		message := err.Error()
		if strings.Contains(message, "idx_turns_conversation_running") {
			return storage.ErrConversationBusy
		}
		if strings.Contains(message, "turns.conversation_id") {
			return storage.ErrTurnExists
		}
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetTurn returns the turn keyed by (conversation_id, request_id).
func (s *Store) GetTurn(ctx context.Context, conversationID, requestID string) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Turn{}, fmt.Errorf("storage is not configured")
	}

	conversationID = strings.TrimSpace(conversationID)
	requestID = strings.TrimSpace(requestID)
	if conversationID == "" {
		return domain.Turn{}, fmt.Errorf("conversation id is required")
	}
	if requestID == "" {
		return domain.Turn{}, fmt.Errorf("request id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+turnColumns+`
FROM turns
WHERE conversation_id = ? AND request_id = ?
`, conversationID, requestID)
	turn, err := scanTurn(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Turn{}, storage.ErrNotFound
		}
		return domain.Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

// GetTurnByID returns one turn by its identifier.
func (s *Store) GetTurnByID(ctx context.Context, id string) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Turn{}, fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Turn{}, fmt.Errorf("turn id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+turnColumns+`
FROM turns
WHERE id = ?
`, id)
	turn, err := scanTurn(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Turn{}, storage.ErrNotFound
		}
		return domain.Turn{}, fmt.Errorf("get turn by id: %w", err)
	}
	return turn, nil
}

// MarkTurnDispatched durably records that the external source was opened.
func (s *Store) MarkTurnDispatched(ctx context.Context, turnID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return fmt.Errorf("turn id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE turns
SET dispatched = 1, updated_at = ?
WHERE id = ? AND state = ?
`, toMillis(now), turnID, string(domain.StateRunning))
	if err != nil {
		return fmt.Errorf("mark turn dispatched: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark turn dispatched affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListOrphanTurns returns running turns created before the cutoff.
func (s *Store) ListOrphanTurns(ctx context.Context, cutoff time.Time, limit int) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+turnColumns+`
FROM turns
WHERE state = ? AND created_at <= ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, string(domain.StateRunning), toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list orphan turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan orphan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read orphan turns: %w", err)
	}
	return turns, nil
}

// FinalizeTurn applies the terminal transition, the ledger settlement, and
// the outbox write as one transaction. The conditional update on the state
// column is the sole finalization gate; losing the race is not an error.
func (s *Store) FinalizeTurn(ctx context.Context, params storage.FinalizeTurnParams) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	params.TurnID = strings.TrimSpace(params.TurnID)
	if params.TurnID == "" {
		return false, fmt.Errorf("turn id is required")
	}
	if !params.Outcome.Valid() {
		return false, fmt.Errorf("outcome %q is invalid", params.Outcome)
	}
	if strings.TrimSpace(params.SettlementID) == "" {
		return false, fmt.Errorf("settlement id is required")
	}
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	nowMillis := toMillis(params.Now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("start finalize transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE turns
SET state = ?,
	error_code = ?,
	charged_tokens = ?,
	settlement_method = ?,
	result_ref = CASE WHEN ? <> '' THEN ? ELSE result_ref END,
	updated_at = ?,
	finalized_at = ?
WHERE id = ? AND state = ?
`,
		string(params.Outcome.State()),
		params.ErrorCode,
		params.Charge.Tokens,
		string(params.Charge.Method),
		params.ResultRef,
		params.ResultRef,
		nowMillis,
		nowMillis,
		params.TurnID,
		string(domain.StateRunning),
	)
	if err != nil {
		return false, fmt.Errorf("transition turn state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition affected rows: %w", err)
	}
	if affected == 0 {
		// Another caller already finalized this turn.
		return false, nil
	}

	row := tx.QueryRowContext(ctx, `
SELECT conversation_id, request_id, tenant_id, user_id, tier, model,
	reservation_id, reserved_tokens, dispatched
FROM turns
WHERE id = ?
`, params.TurnID)
	var (
		conversationID string
		requestID      string
		tenantID       string
		userID         string
		tier           string
		model          string
		reservationID  string
		reservedTokens int64
		dispatched     int
	)
	if err := row.Scan(&conversationID, &requestID, &tenantID, &userID, &tier, &model, &reservationID, &reservedTokens, &dispatched); err != nil {
		return false, fmt.Errorf("load finalized turn: %w", err)
	}

	if reservationID != "" {
		if err := settleReservationTx(ctx, tx, reservationID, params.Charge.Tokens, dispatched == 1, nowMillis); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO settlements (
	id, turn_id, conversation_id, request_id, tenant_id, user_id,
	outcome, settlement_method, charged_tokens, reserved_tokens,
	tier, model, payload_json, delivery_status, attempt_count,
	next_attempt_at, lease_owner, lease_expires_at, last_error,
	delivered_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', NULL, '', NULL, ?, ?)
`,
		params.SettlementID,
		params.TurnID,
		conversationID,
		requestID,
		tenantID,
		userID,
		string(params.Outcome),
		string(params.Charge.Method),
		params.Charge.Tokens,
		reservedTokens,
		tier,
		model,
		params.PayloadJSON,
		string(storage.DeliveryPending),
		nowMillis,
		nowMillis,
		nowMillis,
	); err != nil {
		return false, fmt.Errorf("insert settlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize transaction: %w", err)
	}
	return true, nil
}

// settleReservationTx releases the quota hold and commits the charge against
// the period counters captured at reservation time.
func settleReservationTx(ctx context.Context, tx *sql.Tx, reservationID string, chargedTokens int64, dispatched bool, nowMillis int64) error {
	row := tx.QueryRowContext(ctx, `
SELECT tenant_id, user_id, tier, reserved_tokens, periods_json, state
FROM reservations
WHERE id = ?
`, reservationID)
	var (
		tenantID       string
		userID         string
		tier           string
		reservedTokens int64
		periodsJSON    string
		state          string
	)
	if err := row.Scan(&tenantID, &userID, &tier, &reservedTokens, &periodsJSON, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reservation %s not found", reservationID)
		}
		return fmt.Errorf("load reservation: %w", err)
	}
	if storage.ReservationState(state) != storage.ReservationHeld {
		// Hold already settled or released; nothing left to adjust.
		return nil
	}

	var periods []storage.PeriodKey
	if err := json.Unmarshal([]byte(periodsJSON), &periods); err != nil {
		return fmt.Errorf("decode reservation periods: %w", err)
	}

	calls := int64(0)
	if dispatched {
		calls = 1
	}
	for _, period := range periods {
		result, err := tx.ExecContext(ctx, `
UPDATE quota_counters
SET consumed_tokens = consumed_tokens + ?,
	reserved_tokens = CASE WHEN reserved_tokens >= ? THEN reserved_tokens - ? ELSE 0 END,
	consumed_calls = consumed_calls + ?,
	updated_at = ?
WHERE tenant_id = ? AND user_id = ? AND tier = ? AND period_type = ? AND period_start = ?
`,
			chargedTokens,
			reservedTokens,
			reservedTokens,
			calls,
			nowMillis,
			tenantID,
			userID,
			tier,
			string(period.Period),
			toMillis(period.Start),
		)
		if err != nil {
			return fmt.Errorf("settle quota counter: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("settle quota counter affected rows: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("quota counter missing for reservation %s period %s", reservationID, period.Period)
		}
	}

	nextState := storage.ReservationSettled
	if chargedTokens == 0 {
		nextState = storage.ReservationReleased
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE reservations
SET state = ?, updated_at = ?
WHERE id = ?
`, string(nextState), nowMillis, reservationID); err != nil {
		return fmt.Errorf("update reservation state: %w", err)
	}
	return nil
}

func scanTurn(scan func(dest ...any) error) (domain.Turn, error) {
	var (
		turn             domain.Turn
		state            string
		settlementMethod string
		dispatched       int
		createdAt        int64
		updatedAt        int64
		finalizedAt      sql.NullInt64
	)
	if err := scan(
		&turn.ID,
		&turn.ConversationID,
		&turn.RequestID,
		&turn.TenantID,
		&turn.UserID,
		&state,
		&turn.Tier,
		&turn.Model,
		&turn.ReservationID,
		&turn.ReservedTokens,
		&turn.EstimatedInputTokens,
		&dispatched,
		&turn.ErrorCode,
		&turn.ChargedTokens,
		&settlementMethod,
		&turn.ResultRef,
		&createdAt,
		&updatedAt,
		&finalizedAt,
	); err != nil {
		return domain.Turn{}, err
	}
	turn.State = domain.State(state)
	turn.SettlementMethod = domain.SettlementMethod(settlementMethod)
	turn.Dispatched = dispatched == 1
	turn.CreatedAt = fromMillis(createdAt)
	turn.UpdatedAt = fromMillis(updatedAt)
	turn.FinalizedAt = fromNullMillis(finalizedAt)
	return turn, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
