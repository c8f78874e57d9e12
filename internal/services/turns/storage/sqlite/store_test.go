package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "turns.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func testTurn(id, conversationID, requestID string, now time.Time) domain.Turn {
	return domain.Turn{
		ID:             id,
		ConversationID: conversationID,
		RequestID:      requestID,
		TenantID:       "tenant-1",
		UserID:         "user-1",
		State:          domain.StateRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testReservation(id, turnID string, now time.Time) storage.ReservationRecord {
	return storage.ReservationRecord{
		ID:                   id,
		TurnID:               turnID,
		Model:                "atlas-large",
		TenantID:             "tenant-1",
		UserID:               "user-1",
		Tier:                 "premium",
		ReservedTokens:       1000,
		EstimatedInputTokens: 600,
		Periods: []storage.PeriodKey{
			{Period: catalog.PeriodDaily, Start: now.Truncate(24 * time.Hour), MaxTokens: 10000},
		},
		State:     storage.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateTurnDuplicateKey(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	err := store.CreateTurn(context.Background(), testTurn("turn-2", "conv-1", "req-1", now))
	if !errors.Is(err, storage.ErrTurnExists) && !errors.Is(err, storage.ErrConversationBusy) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestCreateTurnSingleInFlightPerConversation(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	err := store.CreateTurn(context.Background(), testTurn("turn-2", "conv-1", "req-2", now))
	if !errors.Is(err, storage.ErrConversationBusy) {
		t.Fatalf("expected ErrConversationBusy, got %v", err)
	}

	// A different conversation is unaffected.
	if err := store.CreateTurn(context.Background(), testTurn("turn-3", "conv-2", "req-2", now)); err != nil {
		t.Fatalf("create turn in other conversation: %v", err)
	}
}

func TestCreateTurnAllowedAfterFinalization(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	applied, err := store.FinalizeTurn(context.Background(), storage.FinalizeTurnParams{
		TurnID:       "turn-1",
		SettlementID: "set-1",
		Outcome:      domain.OutcomeAborted,
		Charge:       domain.Charge{Tokens: 0, Method: domain.SettlementNone},
		PayloadJSON:  "{}",
		Now:          now,
	})
	if err != nil {
		t.Fatalf("finalize turn: %v", err)
	}
	if !applied {
		t.Fatal("expected finalize to apply")
	}

	// The conversation frees up once no turn is running.
	if err := store.CreateTurn(context.Background(), testTurn("turn-2", "conv-1", "req-2", now)); err != nil {
		t.Fatalf("create follow-up turn: %v", err)
	}
}

func TestGetTurnNotFound(t *testing.T) {
	store := openTempStore(t)

	_, err := store.GetTurn(context.Background(), "conv-1", "req-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReserveQuotaStampsTurnAndDispatch(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if err := store.ReserveQuota(context.Background(), testReservation("res-1", "turn-1", now)); err != nil {
		t.Fatalf("reserve quota: %v", err)
	}
	if err := store.MarkTurnDispatched(context.Background(), "turn-1", now); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	turn, err := store.GetTurn(context.Background(), "conv-1", "req-1")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn.ReservationID != "res-1" {
		t.Fatalf("reservation id = %q", turn.ReservationID)
	}
	if turn.Tier != "premium" || turn.Model != "atlas-large" {
		t.Fatalf("tier/model = %q/%q", turn.Tier, turn.Model)
	}
	if turn.ReservedTokens != 1000 || turn.EstimatedInputTokens != 600 {
		t.Fatalf("reservation amounts = %d/%d", turn.ReservedTokens, turn.EstimatedInputTokens)
	}
	if !turn.Dispatched {
		t.Fatal("expected dispatched turn")
	}
}

func TestListOrphanTurnsRespectsCutoff(t *testing.T) {
	store := openTempStore(t)
	old := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	recent := old.Add(10 * time.Minute)

	if err := store.CreateTurn(context.Background(), testTurn("turn-old", "conv-1", "req-1", old)); err != nil {
		t.Fatalf("create old turn: %v", err)
	}
	if err := store.CreateTurn(context.Background(), testTurn("turn-new", "conv-2", "req-1", recent)); err != nil {
		t.Fatalf("create recent turn: %v", err)
	}

	orphans, err := store.ListOrphanTurns(context.Background(), old.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("orphans = %d, want 1", len(orphans))
	}
	if orphans[0].ID != "turn-old" {
		t.Fatalf("orphan id = %q", orphans[0].ID)
	}
}

func TestFinalizeTurnFirstTerminalWins(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	reservation := testReservation("res-1", "turn-1", now)
	if err := store.ReserveQuota(context.Background(), reservation); err != nil {
		t.Fatalf("reserve quota: %v", err)
	}
	if err := store.MarkTurnDispatched(context.Background(), "turn-1", now); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	applied, err := store.FinalizeTurn(context.Background(), storage.FinalizeTurnParams{
		TurnID:       "turn-1",
		SettlementID: "set-1",
		Outcome:      domain.OutcomeCompleted,
		ResultRef:    "result-1",
		Charge:       domain.Charge{Tokens: 900, Method: domain.SettlementActual},
		PayloadJSON:  `{"turn_id":"turn-1"}`,
		Now:          now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("finalize completed: %v", err)
	}
	if !applied {
		t.Fatal("expected first finalize to apply")
	}

	// A racing abort loses and writes nothing.
	applied, err = store.FinalizeTurn(context.Background(), storage.FinalizeTurnParams{
		TurnID:       "turn-1",
		SettlementID: "set-2",
		Outcome:      domain.OutcomeAborted,
		Charge:       domain.Charge{Tokens: 650, Method: domain.SettlementEstimated},
		PayloadJSON:  "{}",
		Now:          now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("finalize aborted: %v", err)
	}
	if applied {
		t.Fatal("expected losing finalize to be a no-op")
	}

	turn, err := store.GetTurn(context.Background(), "conv-1", "req-1")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn.State != domain.StateCompleted {
		t.Fatalf("state = %q, want %q", turn.State, domain.StateCompleted)
	}
	if turn.ChargedTokens != 900 {
		t.Fatalf("charged = %d, want 900", turn.ChargedTokens)
	}
	if turn.ResultRef != "result-1" {
		t.Fatalf("result ref = %q", turn.ResultRef)
	}
	if turn.FinalizedAt == nil {
		t.Fatal("expected finalized timestamp")
	}

	settlement, err := store.GetSettlementByTurn(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if settlement.ID != "set-1" {
		t.Fatalf("settlement id = %q, want set-1", settlement.ID)
	}
	if settlement.Outcome != domain.OutcomeCompleted {
		t.Fatalf("settlement outcome = %q", settlement.Outcome)
	}
	if settlement.DeliveryStatus != storage.DeliveryPending {
		t.Fatalf("delivery status = %q", settlement.DeliveryStatus)
	}

	counter, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodDaily, reservation.Periods[0].Start)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.ConsumedTokens != 900 {
		t.Fatalf("consumed = %d, want 900", counter.ConsumedTokens)
	}
	if counter.ReservedTokens != 0 {
		t.Fatalf("reserved = %d, want 0 after settlement", counter.ReservedTokens)
	}
	if counter.ConsumedCalls != 1 {
		t.Fatalf("calls = %d, want 1", counter.ConsumedCalls)
	}

	updatedReservation, err := store.GetReservation(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if updatedReservation.State != storage.ReservationSettled {
		t.Fatalf("reservation state = %q", updatedReservation.State)
	}
}

func TestFinalizeTurnZeroChargeReleasesReservation(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	reservation := testReservation("res-1", "turn-1", now)
	if err := store.ReserveQuota(context.Background(), reservation); err != nil {
		t.Fatalf("reserve quota: %v", err)
	}

	applied, err := store.FinalizeTurn(context.Background(), storage.FinalizeTurnParams{
		TurnID:       "turn-1",
		SettlementID: "set-1",
		Outcome:      domain.OutcomeFailed,
		ErrorCode:    "QUOTA_EXHAUSTED",
		Charge:       domain.Charge{Tokens: 0, Method: domain.SettlementNone},
		PayloadJSON:  "{}",
		Now:          now,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !applied {
		t.Fatal("expected finalize to apply")
	}

	counter, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodDaily, reservation.Periods[0].Start)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.ConsumedTokens != 0 {
		t.Fatalf("consumed = %d, want 0", counter.ConsumedTokens)
	}
	if counter.ReservedTokens != 0 {
		t.Fatalf("reserved = %d, want 0 after release", counter.ReservedTokens)
	}
	if counter.ConsumedCalls != 0 {
		t.Fatalf("calls = %d, want 0 for undispatched turn", counter.ConsumedCalls)
	}

	updatedReservation, err := store.GetReservation(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if updatedReservation.State != storage.ReservationReleased {
		t.Fatalf("reservation state = %q", updatedReservation.State)
	}
}

func TestFinalizeTurnConcurrentCallersExactlyOneWins(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}

	const callers = 8
	results := make(chan bool, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			applied, err := store.FinalizeTurn(context.Background(), storage.FinalizeTurnParams{
				TurnID:       "turn-1",
				SettlementID: "set-" + string(rune('a'+i)),
				Outcome:      domain.OutcomeAborted,
				Charge:       domain.Charge{Tokens: 0, Method: domain.SettlementNone},
				PayloadJSON:  "{}",
				Now:          now,
			})
			results <- applied
			errs <- err
		}(i)
	}

	winners := 0
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent finalize: %v", err)
		}
		if <-results {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}
