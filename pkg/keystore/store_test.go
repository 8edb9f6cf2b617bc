package keystore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baatcheet/keyrouter/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, clock *fakeClock, capacities ...int) *Store {
	t.Helper()
	pk := models.ProviderKeys{Provider: models.ProviderGroq}
	for i, c := range capacities {
		pk.Keys = append(pk.Keys, models.KeySpec{Secret: "gsk-secret-" + string(rune('a'+i)), DailyCapacity: c})
	}
	return New([]models.ProviderKeys{pk}, WithClock(clock.Now))
}

func TestMarkUsedExhaustsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 3)

	for i := 1; i <= 3; i++ {
		rec, err := s.MarkUsed(models.ProviderGroq, 0)
		if err != nil {
			t.Fatal(err)
		}
		if rec.UsedToday != i {
			t.Fatalf("expected used %d, got %d", i, rec.UsedToday)
		}
		if rec.UsedToday >= rec.DailyCapacity && !rec.Exhausted {
			t.Fatalf("capacity reached at %d but key not exhausted", rec.UsedToday)
		}
		if rec.UsedToday < rec.DailyCapacity && rec.Exhausted {
			t.Fatalf("key exhausted early at %d", rec.UsedToday)
		}
	}

	rec := s.Keys(models.ProviderGroq)[0]
	if !rec.Exhausted || rec.ExhaustedReason != ReasonCapacityReached {
		t.Errorf("expected capacity exhaustion, got %+v", rec)
	}
	if rec.LastSuccessAt != clock.Now() {
		t.Errorf("expected last success at %v, got %v", clock.Now(), rec.LastSuccessAt)
	}
	if _, ok := s.Acquire(models.ProviderGroq, 0); ok {
		t.Error("exhausted key must not be acquirable")
	}
}

func TestMarkExhaustedBeforeFirstUse(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 5)

	rec, err := s.MarkExhausted(models.ProviderGroq, 0, "vendor quota exceeded")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Exhausted {
		t.Error("expected key to be exhausted")
	}
	if rec.UsedToday != 0 {
		t.Errorf("expected used counter unchanged, got %d", rec.UsedToday)
	}
	if rec.LastFailureAt.IsZero() {
		t.Error("expected last failure to be recorded")
	}
	if rec.WindowStartedAt != clock.Now() {
		t.Error("expected window to be anchored at first mutation")
	}
}

func TestMarkFailedKeepsKeyAvailable(t *testing.T) {
	s := newTestStore(t, newFakeClock(), 5)

	rec, err := s.MarkFailed(models.ProviderGroq, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Exhausted || rec.FailuresToday != 1 || rec.LastFailureAt.IsZero() {
		t.Errorf("unexpected record after failure: %+v", rec)
	}
	if _, ok := s.Acquire(models.ProviderGroq, 0); !ok {
		t.Error("failed key should remain available")
	}
}

func TestMaybeResetWindowIdempotent(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 2)

	_, _ = s.MarkUsed(models.ProviderGroq, 0)
	_, _ = s.MarkUsed(models.ProviderGroq, 0)

	clock.Advance(23 * time.Hour)
	for range 2 {
		reset, err := s.MaybeResetWindow(models.ProviderGroq, 0)
		if err != nil {
			t.Fatal(err)
		}
		if reset {
			t.Fatal("reset inside the window")
		}
	}

	clock.Advance(time.Hour)
	reset, _ := s.MaybeResetWindow(models.ProviderGroq, 0)
	if !reset {
		t.Fatal("expected reset once the window elapsed")
	}
	reset, _ = s.MaybeResetWindow(models.ProviderGroq, 0)
	if reset {
		t.Fatal("second reset in the new window")
	}

	rec := s.Keys(models.ProviderGroq)[0]
	if rec.UsedToday != 0 || rec.Exhausted {
		t.Errorf("expected fresh key, got %+v", rec)
	}
	if rec.WindowStartedAt != clock.Now() {
		t.Errorf("expected window to restart at %v, got %v", clock.Now(), rec.WindowStartedAt)
	}
}

func TestAcquireRevivesAfterWindow(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 5)

	_, _ = s.MarkExhausted(models.ProviderGroq, 0, "quota")
	clock.Advance(24*time.Hour + time.Second)

	rec, ok := s.Acquire(models.ProviderGroq, 0)
	if !ok {
		t.Fatal("expected key to be available after the window")
	}
	if rec.UsedToday != 0 || rec.ExhaustedReason != "" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestKeysViewHasNoSideEffects(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 1)
	_, _ = s.MarkUsed(models.ProviderGroq, 0)
	clock.Advance(25 * time.Hour)

	view := s.Keys(models.ProviderGroq)[0]
	if view.Exhausted || view.UsedToday != 0 {
		t.Errorf("expected view to present the reset, got %+v", view)
	}
	// The stored record is untouched until an explicit reset.
	reset, _ := s.MaybeResetWindow(models.ProviderGroq, 0)
	if !reset {
		t.Error("expected stored record to still need a reset")
	}
}

func TestZeroCapacityKeyIsExhausted(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 0)
	if _, ok := s.Acquire(models.ProviderGroq, 0); ok {
		t.Error("zero capacity key must not be acquirable")
	}
	rec := s.Keys(models.ProviderGroq)[0]
	if !rec.Exhausted || rec.ExhaustedReason != ReasonNoCapacity {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestUnknownKey(t *testing.T) {
	s := newTestStore(t, newFakeClock(), 1)
	if _, err := s.MarkUsed(models.ProviderGroq, 3); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := s.MarkExhausted(models.ProviderGemini, 0, "x"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if keys := s.Keys(models.ProviderGemini); keys != nil {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestConcurrentMarkUsed(t *testing.T) {
	s := newTestStore(t, newFakeClock(), 1000)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, _ = s.MarkUsed(models.ProviderGroq, 0)
			}
		}()
	}
	wg.Wait()

	if got := s.Keys(models.ProviderGroq)[0].UsedToday; got != 500 {
		t.Errorf("expected 500 uses, got %d", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, 5, 5)
	_, _ = s.MarkUsed(models.ProviderGroq, 0)
	_, _ = s.MarkUsed(models.ProviderGroq, 0)
	_, _ = s.MarkExhausted(models.ProviderGroq, 1, "quota")

	snap := s.Snapshot()

	// Same secrets, key 1 now has a lower capacity and a new key is added.
	fresh := New([]models.ProviderKeys{{
		Provider: models.ProviderGroq,
		Keys: []models.KeySpec{
			{Secret: "gsk-secret-a", DailyCapacity: 2},
			{Secret: "gsk-secret-b", DailyCapacity: 5},
			{Secret: "gsk-secret-new", DailyCapacity: 5},
		},
	}}, WithClock(clock.Now))

	if n := fresh.Restore(snap); n != 2 {
		t.Fatalf("expected 2 restored keys, got %d", n)
	}
	keys := fresh.Keys(models.ProviderGroq)
	if keys[0].UsedToday != 2 || !keys[0].Exhausted {
		t.Errorf("expected key 0 restored and exhausted under new capacity, got %+v", keys[0])
	}
	if !keys[1].Exhausted || keys[1].ExhaustedReason != "quota" {
		t.Errorf("expected key 1 vendor exhaustion restored, got %+v", keys[1])
	}
	if keys[2].UsedToday != 0 || keys[2].Exhausted {
		t.Errorf("expected new key untouched, got %+v", keys[2])
	}
}

func TestResetHook(t *testing.T) {
	clock := newFakeClock()
	var resets []int
	s := New([]models.ProviderKeys{{
		Provider: models.ProviderGroq,
		Keys:     []models.KeySpec{{Secret: "a", DailyCapacity: 1}, {Secret: "b", DailyCapacity: 1}},
	}}, WithClock(clock.Now), WithResetHook(func(_ models.Provider, index int) {
		resets = append(resets, index)
	}))

	_, _ = s.MarkUsed(models.ProviderGroq, 1)
	clock.Advance(24 * time.Hour)
	s.Acquire(models.ProviderGroq, 0)
	s.Acquire(models.ProviderGroq, 1)
	s.Acquire(models.ProviderGroq, 1)

	if len(resets) != 1 || resets[0] != 1 {
		t.Errorf("expected a single reset of key 1, got %v", resets)
	}
}
