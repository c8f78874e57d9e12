package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterline/turnstile/internal/platform/id"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

// UsageEvent is the billing payload written into the settlement outbox.
// Consumers deduplicate by (tenant_id, turn_id, request_id).
type UsageEvent struct {
	SettlementID   string                  `json:"settlement_id"`
	TurnID         string                  `json:"turn_id"`
	ConversationID string                  `json:"conversation_id"`
	RequestID      string                  `json:"request_id"`
	TenantID       string                  `json:"tenant_id"`
	UserID         string                  `json:"user_id"`
	Tier           string                  `json:"tier"`
	Model          string                  `json:"model"`
	Outcome        domain.Outcome          `json:"outcome"`
	Method         domain.SettlementMethod `json:"method"`
	ChargedTokens  int64                   `json:"charged_tokens"`
	ReservedTokens int64                   `json:"reserved_tokens"`
	InputTokens    int64                   `json:"input_tokens,omitempty"`
	OutputTokens   int64                   `json:"output_tokens,omitempty"`
	FinalizedAt    time.Time               `json:"finalized_at"`
}

// Finalizer records terminal outcomes. Any number of callers may race to
// finalize the same turn; the store's conditional transition admits one.
type Finalizer struct {
	store  storage.Store
	policy domain.DebitPolicy
	clock  func() time.Time
}

// NewFinalizer creates a finalizer with the given bounded-debit policy.
func NewFinalizer(store storage.Store, policy domain.DebitPolicy) *Finalizer {
	return &Finalizer{store: store, policy: policy, clock: time.Now}
}

// WithClock overrides the finalizer clock. Intended for tests.
func (f *Finalizer) WithClock(clock func() time.Time) *Finalizer {
	f.clock = clock
	return f
}

// Finalize applies the terminal transition, settles the reservation, and
// writes the settlement outbox row as one transaction. It returns
// applied=false, with no side effects, when the turn was already finalized.
func (f *Finalizer) Finalize(ctx context.Context, turn domain.Turn, outcome domain.Outcome, usage *domain.Usage, errorCode, resultRef string) (bool, error) {
	if f == nil || f.store == nil {
		return false, fmt.Errorf("finalizer is not configured")
	}
	if !outcome.Valid() {
		return false, fmt.Errorf("invalid outcome %q", outcome)
	}

	now := f.clock().UTC()
	charge := domain.Settle(outcome, turn.Dispatched, turn.ReservedTokens, turn.EstimatedInputTokens, usage, f.policy)

	settlementID, err := id.NewID()
	if err != nil {
		return false, fmt.Errorf("generate settlement id: %w", err)
	}

	event := UsageEvent{
		SettlementID:   settlementID,
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
		RequestID:      turn.RequestID,
		TenantID:       turn.TenantID,
		UserID:         turn.UserID,
		Tier:           turn.Tier,
		Model:          turn.Model,
		Outcome:        outcome,
		Method:         charge.Method,
		ChargedTokens:  charge.Tokens,
		ReservedTokens: turn.ReservedTokens,
		FinalizedAt:    now,
	}
	if usage != nil {
		event.InputTokens = usage.InputTokens
		event.OutputTokens = usage.OutputTokens
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal usage event: %w", err)
	}

	applied, err := f.store.FinalizeTurn(ctx, storage.FinalizeTurnParams{
		TurnID:       turn.ID,
		SettlementID: settlementID,
		Outcome:      outcome,
		ErrorCode:    errorCode,
		ResultRef:    resultRef,
		Charge:       charge,
		PayloadJSON:  string(payload),
		Now:          now,
	})
	if err != nil {
		return false, fmt.Errorf("finalize turn %s: %w", turn.ID, err)
	}
	return applied, nil
}
