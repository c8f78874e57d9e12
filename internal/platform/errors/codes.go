// Package errors provides structured error handling for the turn runtime.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Turn errors
	CodeTurnEmptyConversationID Code = "TURN_EMPTY_CONVERSATION_ID"
	CodeTurnEmptyContent        Code = "TURN_EMPTY_CONTENT"
	CodeTurnInFlight            Code = "TURN_IN_FLIGHT"
	CodeTurnNotReplayable       Code = "TURN_NOT_REPLAYABLE"

	// Quota errors
	CodeQuotaIdentityMissing Code = "QUOTA_IDENTITY_MISSING"
	CodeQuotaExhausted       Code = "QUOTA_EXHAUSTED"
	CodeQuotaUnknownTier     Code = "QUOTA_UNKNOWN_TIER"

	// Provider errors
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeProviderError       Code = "PROVIDER_ERROR"

	// Stream errors
	CodeStreamCancelled Code = "STREAM_CANCELLED"

	// Settlement errors
	CodeSettlementOrphaned Code = "SETTLEMENT_ORPHANED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
