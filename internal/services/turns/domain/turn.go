// Package domain holds the turn lifecycle model and settlement rules.
//
// A turn is one user-initiated exchange attempt within a conversation. It is
// created in StateRunning, and exactly one terminal transition is ever
// recorded for it, no matter how many competing signals race to finalize.
package domain

import "time"

// State is the lifecycle state of a turn.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether the value is a known turn state.
func (s State) Valid() bool {
	switch s {
	case StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Outcome is the settlement outcome recorded for a finalized turn.
//
// Aborted covers every path where no terminal signal arrived from the
// provider: client disconnects, internal aborts, and reconciler timeouts.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// State returns the turn state a finalized outcome lands in.
func (o Outcome) State() State {
	switch o {
	case OutcomeCompleted:
		return StateCompleted
	case OutcomeFailed:
		return StateFailed
	case OutcomeAborted:
		return StateCancelled
	}
	return ""
}

// Valid reports whether the value is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeAborted:
		return true
	}
	return false
}

// Identity names the tenant and user a turn is accounted against.
// Authorization happens upstream; identities arrive here already resolved.
type Identity struct {
	TenantID string
	UserID   string
}

// Usage is token usage reported by the external generation source.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Turn is one exchange attempt, unique per (conversation_id, request_id).
type Turn struct {
	ID             string
	ConversationID string
	RequestID      string
	TenantID       string
	UserID         string
	State          State

	Tier          string
	Model         string
	ReservationID string

	// ReservedTokens is the quota hold taken before dispatch;
	// EstimatedInputTokens feeds the bounded-debit formula.
	ReservedTokens       int64
	EstimatedInputTokens int64

	// Dispatched records durably that the external source was opened for
	// this turn. Settlement of unknown usage hinges on it: a turn that
	// never reached the source is charged nothing.
	Dispatched bool

	ErrorCode        string
	ChargedTokens    int64
	SettlementMethod SettlementMethod
	ResultRef        string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinalizedAt *time.Time
}
