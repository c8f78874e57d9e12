package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meterline/turnstile/internal/platform/id"
	"github.com/meterline/turnstile/internal/services/turns/app"
	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/storage"
	"github.com/meterline/turnstile/internal/services/turns/storage/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "turns.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seedRunningTurn creates a dispatched running turn with a live reservation,
// created at the given instant.
func seedRunningTurn(t *testing.T, store *sqlite.Store, conversationID string, createdAt time.Time) domain.Turn {
	t.Helper()
	ctx := context.Background()

	turn := domain.Turn{
		ID:                   id.MustNewID(),
		ConversationID:       conversationID,
		RequestID:            id.MustNewID(),
		TenantID:             "tenant-1",
		UserID:               "user-1",
		State:                domain.StateRunning,
		EstimatedInputTokens: 600,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
	if err := store.CreateTurn(ctx, turn); err != nil {
		t.Fatalf("create turn: %v", err)
	}

	reservation := storage.ReservationRecord{
		ID:                   id.MustNewID(),
		TurnID:               turn.ID,
		Model:                "atlas-large",
		TenantID:             turn.TenantID,
		UserID:               turn.UserID,
		Tier:                 "premium",
		ReservedTokens:       1000,
		EstimatedInputTokens: 600,
		Periods: []storage.PeriodKey{{
			Period:    catalog.PeriodDaily,
			Start:     createdAt.Truncate(24 * time.Hour),
			MaxTokens: 100000,
		}},
		State:     storage.ReservationHeld,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := store.ReserveQuota(ctx, reservation); err != nil {
		t.Fatalf("reserve quota: %v", err)
	}
	if err := store.MarkTurnDispatched(ctx, turn.ID, createdAt); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	turn.ReservationID = reservation.ID
	return turn
}

func newTestReconciler(store *sqlite.Store, now time.Time) *Reconciler {
	finalizer := app.NewFinalizer(store, domain.DebitPolicy{OutputFloorTokens: 50})
	return New(store, finalizer, Config{OrphanAfter: 5 * time.Minute}).
		WithClock(func() time.Time { return now })
}

func TestSweepOnceRecoversOrphans(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

	stale := seedRunningTurn(t, store, "conv-stale", now.Add(-10*time.Minute))
	fresh := seedRunningTurn(t, store, "conv-fresh", now.Add(-1*time.Minute))

	recovered, err := newTestReconciler(store, now).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, err := store.GetTurnByID(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("get stale turn: %v", err)
	}
	if got.State != domain.StateCancelled {
		t.Fatalf("stale state = %q, want cancelled", got.State)
	}
	// reserved 1000, estimated input 600, floor 50.
	if got.ChargedTokens != 650 {
		t.Fatalf("charged = %d, want 650", got.ChargedTokens)
	}
	if got.SettlementMethod != domain.SettlementEstimated {
		t.Fatalf("method = %q, want estimated", got.SettlementMethod)
	}
	if _, err := store.GetSettlementByTurn(context.Background(), stale.ID); err != nil {
		t.Fatalf("orphan settlement missing: %v", err)
	}

	untouched, err := store.GetTurnByID(context.Background(), fresh.ID)
	if err != nil {
		t.Fatalf("get fresh turn: %v", err)
	}
	if untouched.State != domain.StateRunning {
		t.Fatalf("fresh state = %q, want running", untouched.State)
	}
}

func TestSweepReleasesHoldWhenCrashPrecedesDispatch(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	createdAt := now.Add(-10 * time.Minute)
	ctx := context.Background()

	// The process died right after the reserve transaction committed: the
	// turn is still running, never dispatched, and the hold is live. The
	// stamp taken inside that transaction is what lets the sweep find and
	// release the hold.
	turn := domain.Turn{
		ID:                   id.MustNewID(),
		ConversationID:       "conv-crashed",
		RequestID:            id.MustNewID(),
		TenantID:             "tenant-1",
		UserID:               "user-1",
		State:                domain.StateRunning,
		EstimatedInputTokens: 600,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
	if err := store.CreateTurn(ctx, turn); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	day := createdAt.Truncate(24 * time.Hour)
	if err := store.ReserveQuota(ctx, storage.ReservationRecord{
		ID:                   "res-crashed",
		TurnID:               turn.ID,
		Model:                "atlas-large",
		TenantID:             turn.TenantID,
		UserID:               turn.UserID,
		Tier:                 "premium",
		ReservedTokens:       1000,
		EstimatedInputTokens: 600,
		Periods: []storage.PeriodKey{{
			Period:    catalog.PeriodDaily,
			Start:     day,
			MaxTokens: 100000,
		}},
		State:     storage.ReservationHeld,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}); err != nil {
		t.Fatalf("reserve quota: %v", err)
	}

	recovered, err := newTestReconciler(store, now).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, err := store.GetTurnByID(ctx, turn.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if got.State != domain.StateCancelled {
		t.Fatalf("state = %q, want cancelled", got.State)
	}
	// Never dispatched, so nothing is billable.
	if got.ChargedTokens != 0 || got.SettlementMethod != domain.SettlementNone {
		t.Fatalf("charge = %d/%q, want 0/none", got.ChargedTokens, got.SettlementMethod)
	}

	counter, err := store.GetQuotaCounter(ctx, "tenant-1", "user-1", "premium", catalog.PeriodDaily, day)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.ReservedTokens != 0 {
		t.Fatalf("reserved = %d, want 0 after recovery", counter.ReservedTokens)
	}
	reservation, err := store.GetReservation(ctx, "res-crashed")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if reservation.State != storage.ReservationReleased {
		t.Fatalf("reservation state = %q, want released", reservation.State)
	}
}

func TestSweepOnceIdempotentAcrossInstances(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	stale := seedRunningTurn(t, store, "conv-stale", now.Add(-10*time.Minute))

	first := newTestReconciler(store, now)
	second := newTestReconciler(store, now)

	recovered, err := first.SweepOnce(context.Background())
	if err != nil || recovered != 1 {
		t.Fatalf("first sweep = (%d, %v), want (1, nil)", recovered, err)
	}
	recovered, err = second.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("second sweep recovered = %d, want 0", recovered)
	}

	settlement, err := store.GetSettlementByTurn(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if settlement.ChargedTokens != 650 {
		t.Fatalf("charged = %d, want 650 exactly once", settlement.ChargedTokens)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := openTestStore(t)
	reconciler := New(store, app.NewFinalizer(store, domain.DebitPolicy{}), Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reconciler.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
