// Package storage defines persistence contracts for the turn runtime.
//
// Correctness-critical coordination lives here, not in process memory:
// finalization is a conditional state transition checked by affected-row
// count, and quota holds are conditional increments. Any number of processes
// may race through these operations safely.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTurnExists indicates a turn already exists for (conversation_id, request_id).
var ErrTurnExists = errors.New("turn already exists")

// ErrConversationBusy indicates another turn is running for the conversation.
var ErrConversationBusy = errors.New("conversation has a running turn")

// ErrInsufficientQuota indicates a tier had no remaining capacity in at least
// one of its configured periods.
var ErrInsufficientQuota = errors.New("insufficient quota")

// PeriodKey identifies one quota counter row captured at reservation time.
// Settlement releases and commits against exactly these rows, even when the
// turn outlives a calendar period boundary.
type PeriodKey struct {
	Period    catalog.PeriodType `json:"period"`
	Start     time.Time          `json:"start"`
	MaxTokens int64              `json:"max_tokens"`
}

// ReservationState tracks the lifecycle of a quota hold.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// ReservationRecord is a provisional quota hold taken before dispatch.
// TurnID links the hold to its turn inside the reserve transaction itself,
// so a committed hold is always reachable from a turn the reconciler will
// eventually finalize. Model rides along for the turn-row stamp; the
// reservations table does not store it.
type ReservationRecord struct {
	ID                   string
	TurnID               string
	Model                string
	TenantID             string
	UserID               string
	Tier                 string
	ReservedTokens       int64
	EstimatedInputTokens int64
	Periods              []PeriodKey
	State                ReservationState
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CounterRecord is one per-key quota accumulator row.
type CounterRecord struct {
	TenantID       string
	UserID         string
	Tier           string
	Period         catalog.PeriodType
	PeriodStart    time.Time
	ConsumedTokens int64
	ReservedTokens int64
	ConsumedCalls  int64
	UpdatedAt      time.Time
}

// DeliveryStatus tracks outbox delivery of a settlement event.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryLeased  DeliveryStatus = "leased"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// SettlementRecord is the durable exactly-once charge record for one turn,
// doubling as the outbox row awaiting delivery to the billing consumer.
// It is written only inside the finalize transaction; the delivery columns
// are owned solely by the dispatcher.
type SettlementRecord struct {
	ID             string
	TurnID         string
	ConversationID string
	RequestID      string
	TenantID       string
	UserID         string
	Outcome        domain.Outcome
	Method         domain.SettlementMethod
	ChargedTokens  int64
	ReservedTokens int64
	Tier           string
	Model          string
	PayloadJSON    string
	DeliveryStatus DeliveryStatus
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FinalizeTurnParams carries one finalization: the terminal transition, the
// ledger settlement, and the outbox write, applied as a single transaction.
type FinalizeTurnParams struct {
	TurnID       string
	SettlementID string
	Outcome      domain.Outcome
	ErrorCode    string
	ResultRef    string
	Charge       domain.Charge
	PayloadJSON  string
	Now          time.Time
}

// TurnStore persists turn lifecycle records.
type TurnStore interface {
	// CreateTurn inserts a running turn. It returns ErrTurnExists when the
	// (conversation_id, request_id) key is taken and ErrConversationBusy
	// when another turn is running for the conversation.
	CreateTurn(ctx context.Context, turn domain.Turn) error
	GetTurn(ctx context.Context, conversationID, requestID string) (domain.Turn, error)
	GetTurnByID(ctx context.Context, id string) (domain.Turn, error)
	// MarkTurnDispatched durably records that the external source was opened.
	MarkTurnDispatched(ctx context.Context, turnID string, now time.Time) error
	// ListOrphanTurns returns running turns created before the cutoff.
	ListOrphanTurns(ctx context.Context, cutoff time.Time, limit int) ([]domain.Turn, error)
	// FinalizeTurn applies the terminal transition guarded by
	// "WHERE state = 'running'". It reports applied=false when another
	// caller already finalized the turn, in which case nothing is written.
	FinalizeTurn(ctx context.Context, params FinalizeTurnParams) (applied bool, err error)
}

// QuotaStore persists quota counters and reservations.
type QuotaStore interface {
	// ReserveQuota atomically places the hold on every period of one tier,
	// inserting the reservation row and stamping the tier, model, and hold
	// onto the running turn named by TurnID, all in one transaction. It
	// returns ErrInsufficientQuota, with no side effects, when any period
	// lacks remaining capacity, and ErrNotFound, again with no side
	// effects, when the turn is missing or no longer running. A hold can
	// never exist without a turn that points back at it.
	ReserveQuota(ctx context.Context, reservation ReservationRecord) error
	GetReservation(ctx context.Context, id string) (ReservationRecord, error)
	GetQuotaCounter(ctx context.Context, tenantID, userID, tier string, period catalog.PeriodType, periodStart time.Time) (CounterRecord, error)
}

// SettlementStore reads and delivers settlement outbox rows.
type SettlementStore interface {
	GetSettlementByTurn(ctx context.Context, turnID string) (SettlementRecord, error)
	// LeaseSettlements leases due pending rows, and rows whose lease
	// expired, for one dispatcher instance.
	LeaseSettlements(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]SettlementRecord, error)
	MarkSettlementSent(ctx context.Context, id, owner string, now time.Time) error
	MarkSettlementRetry(ctx context.Context, id, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error
	MarkSettlementFailed(ctx context.Context, id, owner string, lastError string, now time.Time) error
}

// Store is the full persistence surface of the turn runtime.
type Store interface {
	TurnStore
	QuotaStore
	SettlementStore
}
