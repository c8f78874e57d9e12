// Package app orchestrates turn execution: reservation, relay, and
// finalization. The coordinator owns a turn's lifecycle record from creation
// to the terminal signal; everything correctness-critical it delegates to
// storage-level atomics so that competing processes stay safe.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	platformerrors "github.com/meterline/turnstile/internal/platform/errors"
	"github.com/meterline/turnstile/internal/platform/id"
	"github.com/meterline/turnstile/internal/platform/timeouts"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/ledger"
	"github.com/meterline/turnstile/internal/services/turns/provider"
	"github.com/meterline/turnstile/internal/services/turns/relay"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

const defaultMaxOutputTokens = 1024

// SubmitRequest is one turn submission. RequestID is the caller's
// idempotency key; when empty a fresh one is generated and replay is not
// possible.
type SubmitRequest struct {
	ConversationID string
	RequestID      string
	Identity       domain.Identity
	Tier           string
	Content        string

	// EstimatedInputTokens overrides the content-derived estimate when
	// the caller has a real tokenizer. Zero means derive.
	EstimatedInputTokens int64
	// MaxOutputTokens bounds generation; zero applies the default.
	MaxOutputTokens int64
}

// SubmitKind distinguishes how a submission was answered.
type SubmitKind string

const (
	// SubmitStreamed means a new turn ran to a terminal outcome.
	SubmitStreamed SubmitKind = "streamed"
	// SubmitReplayed means a completed turn's stored result was returned
	// with no new reservation, settlement, or outbox row.
	SubmitReplayed SubmitKind = "replayed"
)

// SubmitResult reports the disposition of one submission.
type SubmitResult struct {
	Kind         SubmitKind
	TurnID       string
	RequestID    string
	Outcome      domain.Outcome
	ResultRef    string
	ContentUnits int
}

// TurnStatus is the authoritative stored view of a turn, independent of any
// live connection.
type TurnStatus struct {
	TurnID    string
	State     domain.State
	ErrorCode string
	ResultRef string
}

// Config tunes the coordinator.
type Config struct {
	Relay           relay.Config
	MaxOutputTokens int64
}

// Coordinator runs turns end to end.
type Coordinator struct {
	store     storage.Store
	ledger    *ledger.Ledger
	source    provider.Source
	finalizer *Finalizer
	sessions  *sessionRegistry
	cfg       Config
	clock     func() time.Time
}

// NewCoordinator wires the turn execution path.
func NewCoordinator(store storage.Store, quota *ledger.Ledger, source provider.Source, finalizer *Finalizer, cfg Config) *Coordinator {
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultMaxOutputTokens
	}
	return &Coordinator{
		store:     store,
		ledger:    quota,
		source:    source,
		finalizer: finalizer,
		sessions:  newSessionRegistry(),
		cfg:       cfg,
		clock:     time.Now,
	}
}

// WithClock overrides the coordinator clock. Intended for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// SubmitTurn is the sole entry point for new work. It either streams a new
// turn through the sink to a terminal outcome, replays a completed turn's
// stored result, or rejects synchronously with no billable footprint.
func (c *Coordinator) SubmitTurn(ctx context.Context, req SubmitRequest, sink relay.Sink) (SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return SubmitResult{}, err
	}

	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		generated, err := id.NewID()
		if err != nil {
			return SubmitResult{}, fmt.Errorf("generate request id: %w", err)
		}
		requestID = generated
	} else {
		existing, err := c.store.GetTurn(ctx, req.ConversationID, requestID)
		if err == nil {
			return c.resolveExisting(existing)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return SubmitResult{}, fmt.Errorf("look up turn: %w", err)
		}
	}

	turn, err := c.createTurn(ctx, req, requestID)
	if err != nil {
		var existing *existingTurnError
		if errors.As(err, &existing) {
			return c.resolveExisting(existing.turn)
		}
		return SubmitResult{}, err
	}

	// The reserve transaction stamps the hold onto the turn row itself, so
	// there is no window where a committed hold is unlinked from its turn.
	reservation, err := c.ledger.ResolveAndReserve(ctx, turn.ID, req.Identity, req.Tier, ledger.Estimate{
		InputTokens:     turn.EstimatedInputTokens,
		MaxOutputTokens: maxOutput(req, c.cfg.MaxOutputTokens),
	})
	if err != nil {
		// The speculative turn record is released at zero charge; the
		// rejection itself is what the caller sees.
		c.finalizeDetached(ctx, turn, domain.OutcomeFailed, nil, string(platformerrors.CodeOf(err)), "")
		return SubmitResult{}, err
	}
	turn.Tier = reservation.Tier
	turn.Model = reservation.Model
	turn.ReservationID = reservation.ID
	turn.ReservedTokens = reservation.ReservedTokens

	stream, err := c.source.Open(ctx, provider.Request{
		TurnID:          turn.ID,
		ConversationID:  turn.ConversationID,
		Model:           turn.Model,
		Content:         req.Content,
		MaxOutputTokens: maxOutput(req, c.cfg.MaxOutputTokens),
	})
	if err != nil {
		// Not dispatched: the reservation is released, never debited.
		c.finalizeDetached(ctx, turn, domain.OutcomeFailed, nil, string(platformerrors.CodeProviderUnavailable), "")
		return SubmitResult{}, platformerrors.Wrap(platformerrors.CodeProviderUnavailable, "open generation stream", err)
	}

	if err := c.store.MarkTurnDispatched(ctx, turn.ID, c.clock().UTC()); err != nil {
		stream.Close()
		log.Printf("mark turn %s dispatched: %v", turn.ID, err)
		c.finalizeDetached(ctx, turn, domain.OutcomeFailed, nil, string(platformerrors.CodeUnknown), "")
		return SubmitResult{}, fmt.Errorf("mark dispatched: %w", err)
	}
	turn.Dispatched = true

	session := relay.NewSession(stream, sink, c.cfg.Relay)
	c.sessions.add(turn.ConversationID, turn.RequestID, session)
	defer c.sessions.remove(turn.ConversationID, turn.RequestID)

	result := session.Run(ctx)
	if result.UnitsAfterCancel > 0 {
		log.Printf("turn %s: %d content units arrived after cancel", turn.ID, result.UnitsAfterCancel)
	}

	outcome := result.Outcome
	var errorCode, resultRef string
	switch outcome {
	case domain.OutcomeCompleted:
		resultRef = resultRefFor(turn.ID)
	case domain.OutcomeFailed:
		errorCode = string(platformerrors.CodeProviderError)
		if code := platformerrors.CodeOf(result.Err); code != platformerrors.CodeUnknown && code != "" {
			errorCode = string(code)
		}
	case domain.OutcomeAborted:
		errorCode = string(platformerrors.CodeStreamCancelled)
	}

	c.finalizeDetached(ctx, turn, outcome, result.Usage, errorCode, resultRef)

	return SubmitResult{
		Kind:         SubmitStreamed,
		TurnID:       turn.ID,
		RequestID:    turn.RequestID,
		Outcome:      outcome,
		ResultRef:    resultRef,
		ContentUnits: result.ContentUnits,
	}, nil
}

// GetTurnStatus reads the stored state of a turn. It answers from storage
// only, so it stays authoritative when the live connection is long gone.
func (c *Coordinator) GetTurnStatus(ctx context.Context, conversationID, requestID string) (TurnStatus, error) {
	turn, err := c.store.GetTurn(ctx, conversationID, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return TurnStatus{}, platformerrors.New(platformerrors.CodeNotFound, "turn not found")
	}
	if err != nil {
		return TurnStatus{}, fmt.Errorf("get turn: %w", err)
	}
	return TurnStatus{
		TurnID:    turn.ID,
		State:     turn.State,
		ErrorCode: turn.ErrorCode,
		ResultRef: turn.ResultRef,
	}, nil
}

// CancelTurn requests best-effort cancellation of a live turn hosted by this
// process. Turns running elsewhere are untouched; the reconciler's sweep is
// the cross-process backstop.
func (c *Coordinator) CancelTurn(conversationID, requestID string) bool {
	return c.sessions.cancel(conversationID, requestID)
}

type existingTurnError struct{ turn domain.Turn }

func (e *existingTurnError) Error() string { return "turn already exists" }

func (c *Coordinator) createTurn(ctx context.Context, req SubmitRequest, requestID string) (domain.Turn, error) {
	turnID, err := id.NewID()
	if err != nil {
		return domain.Turn{}, fmt.Errorf("generate turn id: %w", err)
	}
	now := c.clock().UTC()
	turn := domain.Turn{
		ID:                   turnID,
		ConversationID:       req.ConversationID,
		RequestID:            requestID,
		TenantID:             req.Identity.TenantID,
		UserID:               req.Identity.UserID,
		State:                domain.StateRunning,
		EstimatedInputTokens: estimateInput(req),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = c.store.CreateTurn(ctx, turn)
	switch {
	case err == nil:
		return turn, nil
	case errors.Is(err, storage.ErrConversationBusy):
		return domain.Turn{}, platformerrors.WithMetadata(
			platformerrors.CodeTurnInFlight,
			"conversation already has a running turn",
			map[string]string{"conversation_id": req.ConversationID},
		)
	case errors.Is(err, storage.ErrTurnExists):
		// Lost an insert race on (conversation_id, request_id); resolve
		// against the winner.
		existing, getErr := c.store.GetTurn(ctx, req.ConversationID, requestID)
		if getErr != nil {
			return domain.Turn{}, fmt.Errorf("resolve duplicate turn: %w", getErr)
		}
		return domain.Turn{}, &existingTurnError{turn: existing}
	default:
		return domain.Turn{}, fmt.Errorf("create turn: %w", err)
	}
}

// resolveExisting applies the replay policy: completed turns replay their
// stored result, everything else rejects.
func (c *Coordinator) resolveExisting(turn domain.Turn) (SubmitResult, error) {
	switch turn.State {
	case domain.StateCompleted:
		return SubmitResult{
			Kind:      SubmitReplayed,
			TurnID:    turn.ID,
			RequestID: turn.RequestID,
			Outcome:   domain.OutcomeCompleted,
			ResultRef: turn.ResultRef,
		}, nil
	case domain.StateRunning:
		return SubmitResult{}, platformerrors.New(
			platformerrors.CodeTurnInFlight,
			"turn is still running",
		)
	default:
		return SubmitResult{}, platformerrors.WithMetadata(
			platformerrors.CodeTurnNotReplayable,
			"turn reached a non-replayable terminal state; use a new request id",
			map[string]string{"state": string(turn.State)},
		)
	}
}

// finalizeDetached finalizes on a context decoupled from the client's. A
// disconnect must never be able to interrupt its own settlement.
func (c *Coordinator) finalizeDetached(ctx context.Context, turn domain.Turn, outcome domain.Outcome, usage *domain.Usage, errorCode, resultRef string) {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Finalize)
	defer cancel()

	applied, err := c.finalizer.Finalize(finalizeCtx, turn, outcome, usage, errorCode, resultRef)
	if err != nil {
		log.Printf("finalize turn %s as %s: %v", turn.ID, outcome, err)
		return
	}
	if !applied {
		// Lost the terminal race; the winner's settlement stands.
		log.Printf("turn %s already finalized, dropped %s signal", turn.ID, outcome)
	}
}

func validateSubmit(req SubmitRequest) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return platformerrors.New(platformerrors.CodeTurnEmptyConversationID, "conversation id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return platformerrors.New(platformerrors.CodeTurnEmptyContent, "content is required")
	}
	if req.Identity.TenantID == "" {
		return platformerrors.New(platformerrors.CodeQuotaIdentityMissing, "tenant id is required")
	}
	return nil
}

func maxOutput(req SubmitRequest, fallback int64) int64 {
	if req.MaxOutputTokens > 0 {
		return req.MaxOutputTokens
	}
	return fallback
}

// estimateInput derives a coarse token estimate from content length when the
// caller supplied none. Four bytes per token tracks common tokenizers
// closely enough for reservation purposes.
func estimateInput(req SubmitRequest) int64 {
	if req.EstimatedInputTokens > 0 {
		return req.EstimatedInputTokens
	}
	return int64(len(req.Content)/4) + 1
}

// resultRefFor names the stored transcript for a completed turn. The
// transcript itself is written by the delivery surface; this layer only
// tracks the reference.
func resultRefFor(turnID string) string {
	return "results/" + turnID
}
