package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/storage"
)

func TestReserveQuotaHoldsEveryPeriod(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	month := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	reservation := storage.ReservationRecord{
		ID:                   "res-1",
		TurnID:               "turn-1",
		Model:                "atlas-large",
		TenantID:             "tenant-1",
		UserID:               "user-1",
		Tier:                 "premium",
		ReservedTokens:       500,
		EstimatedInputTokens: 300,
		Periods: []storage.PeriodKey{
			{Period: catalog.PeriodDaily, Start: day, MaxTokens: 1000},
			{Period: catalog.PeriodMonthly, Start: month, MaxTokens: 20000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.ReserveQuota(context.Background(), reservation); err != nil {
		t.Fatalf("reserve quota: %v", err)
	}

	daily, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodDaily, day)
	if err != nil {
		t.Fatalf("get daily counter: %v", err)
	}
	if daily.ReservedTokens != 500 {
		t.Fatalf("daily reserved = %d, want 500", daily.ReservedTokens)
	}
	monthly, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodMonthly, month)
	if err != nil {
		t.Fatalf("get monthly counter: %v", err)
	}
	if monthly.ReservedTokens != 500 {
		t.Fatalf("monthly reserved = %d, want 500", monthly.ReservedTokens)
	}
}

func TestReserveQuotaRejectsWhenAnyPeriodExhausted(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	month := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if err := store.CreateTurn(context.Background(), testTurn("turn-1", "conv-1", "req-1", now)); err != nil {
		t.Fatalf("create first turn: %v", err)
	}
	if err := store.CreateTurn(context.Background(), testTurn("turn-2", "conv-2", "req-1", now)); err != nil {
		t.Fatalf("create second turn: %v", err)
	}
	first := storage.ReservationRecord{
		ID:             "res-1",
		TurnID:         "turn-1",
		Model:          "atlas-large",
		TenantID:       "tenant-1",
		UserID:         "user-1",
		Tier:           "premium",
		ReservedTokens: 800,
		Periods: []storage.PeriodKey{
			// The daily period is tight; the monthly one is roomy.
			{Period: catalog.PeriodDaily, Start: day, MaxTokens: 1000},
			{Period: catalog.PeriodMonthly, Start: month, MaxTokens: 20000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.ReserveQuota(context.Background(), first); err != nil {
		t.Fatalf("first reservation: %v", err)
	}

	second := first
	second.ID = "res-2"
	second.TurnID = "turn-2"
	second.ReservedTokens = 300
	err := store.ReserveQuota(context.Background(), second)
	if !errors.Is(err, storage.ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}

	// The failed attempt must leave no partial holds behind.
	monthly, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodMonthly, month)
	if err != nil {
		t.Fatalf("get monthly counter: %v", err)
	}
	if monthly.ReservedTokens != 800 {
		t.Fatalf("monthly reserved = %d, want 800 (no leak from rejected hold)", monthly.ReservedTokens)
	}
	if _, err := store.GetReservation(context.Background(), "res-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no reservation row for rejected hold, got %v", err)
	}
}

func TestReserveQuotaConcurrentHoldsNeverOversubscribe(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	const attempts = 10
	for i := 0; i < attempts; i++ {
		suffix := string(rune('a' + i))
		if err := store.CreateTurn(context.Background(), testTurn("turn-"+suffix, "conv-"+suffix, "req-1", now)); err != nil {
			t.Fatalf("create turn %s: %v", suffix, err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.ReserveQuota(context.Background(), storage.ReservationRecord{
				ID:             "res-" + string(rune('a'+i)),
				TurnID:         "turn-" + string(rune('a'+i)),
				Model:          "atlas-large",
				TenantID:       "tenant-1",
				UserID:         "user-1",
				Tier:           "premium",
				ReservedTokens: 400,
				Periods: []storage.PeriodKey{
					{Period: catalog.PeriodDaily, Start: day, MaxTokens: 1000},
				},
				CreatedAt: now,
				UpdatedAt: now,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, storage.ErrInsufficientQuota) {
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	// 1000-token cap fits exactly two 400-token holds.
	if succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", succeeded)
	}

	counter, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodDaily, day)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.ReservedTokens != 800 {
		t.Fatalf("reserved = %d, want 800", counter.ReservedTokens)
	}
}

func TestReserveQuotaRequiresRunningTurn(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	reservation := storage.ReservationRecord{
		ID:             "res-1",
		TurnID:         "turn-missing",
		Model:          "atlas-large",
		TenantID:       "tenant-1",
		UserID:         "user-1",
		Tier:           "premium",
		ReservedTokens: 500,
		Periods: []storage.PeriodKey{
			{Period: catalog.PeriodDaily, Start: day, MaxTokens: 1000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.ReserveQuota(context.Background(), reservation); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing turn, got %v", err)
	}

	// The rejected reserve must roll back completely: no counter, no hold,
	// no reservation row that nothing would ever settle.
	if _, err := store.GetQuotaCounter(context.Background(), "tenant-1", "user-1", "premium", catalog.PeriodDaily, day); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no counter row, got %v", err)
	}
	if _, err := store.GetReservation(context.Background(), "res-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no reservation row, got %v", err)
	}

	reservation.TurnID = ""
	if err := store.ReserveQuota(context.Background(), reservation); err == nil {
		t.Fatal("expected an error for a hold with no turn")
	}
}
