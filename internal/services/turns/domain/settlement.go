package domain

// SettlementMethod records how the charged amount was derived.
type SettlementMethod string

const (
	// SettlementActual means the source reported usage and we charged it.
	SettlementActual SettlementMethod = "actual"
	// SettlementEstimated means usage was unknown and a bounded debit applied.
	SettlementEstimated SettlementMethod = "estimated"
	// SettlementNone means no paid work happened; nothing was charged.
	SettlementNone SettlementMethod = "none"
)

// DebitPolicy configures the bounded debit applied when actual usage is
// unknown. OutputFloorTokens is the minimum generation allowance assumed for
// turns that were cut off without a terminal signal, since the source may
// have produced unacknowledged output.
type DebitPolicy struct {
	OutputFloorTokens int64
}

// Charge is the settled quota cost of one finalized turn.
type Charge struct {
	Tokens int64
	Method SettlementMethod
}

// Settle computes the charge for a finalized turn.
//
// Rules, per outcome:
//   - completed: actual reported tokens. Overshoot beyond the reservation is
//     charged in full, never reversed.
//   - failed before dispatch: zero; the reservation is released, not debited.
//   - failed after dispatch: actual usage when reported, otherwise
//     min(reserved, estimated_input). No output floor: an explicit provider
//     error implies generation stopped.
//   - aborted: actual partial usage when known, otherwise
//     min(reserved, estimated_input + floor). The floor covers output the
//     source may have kept producing after the conduit was severed.
func Settle(outcome Outcome, dispatched bool, reservedTokens, estimatedInputTokens int64, usage *Usage, policy DebitPolicy) Charge {
	if !dispatched {
		// Nothing ever reached the external source.
		return Charge{Tokens: 0, Method: SettlementNone}
	}
	if usage != nil {
		return Charge{Tokens: usage.Total(), Method: SettlementActual}
	}

	switch outcome {
	case OutcomeFailed:
		return Charge{Tokens: minTokens(reservedTokens, estimatedInputTokens), Method: SettlementEstimated}
	default:
		return Charge{
			Tokens: minTokens(reservedTokens, estimatedInputTokens+policy.OutputFloorTokens),
			Method: SettlementEstimated,
		}
	}
}

func minTokens(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
