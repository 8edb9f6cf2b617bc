package keystore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baatcheet/keyrouter/pkg/models"
)

// ErrKeyNotFound is returned when a provider/index pair does not exist.
var ErrKeyNotFound = errors.New("key not found")

// DefaultWindow is the length of a usage window.
const DefaultWindow = 24 * time.Hour

// Exhaustion reasons set by the store itself.
const (
	ReasonCapacityReached = "daily capacity reached"
	ReasonNoCapacity      = "no capacity configured"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithWindow sets the usage window length.
func WithWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithResetHook registers fn to be called after a key's window is reset.
// fn runs under the key lock and must not call back into the store.
func WithResetHook(fn func(provider models.Provider, index int)) Option {
	return func(s *Store) { s.onReset = fn }
}

type entry struct {
	mu  sync.Mutex
	rec models.KeyRecord
}

// Store owns the provider registry. The key lists are fixed at construction;
// only the counters of each record change, serialized by a per-key mutex.
type Store struct {
	order   []models.Provider
	keys    map[models.Provider][]*entry
	now     func() time.Time
	window  time.Duration
	onReset func(models.Provider, int)
}

// New builds a Store from ordered provider key lists.
func New(providers []models.ProviderKeys, opts ...Option) *Store {
	s := &Store{
		keys:   make(map[models.Provider][]*entry, len(providers)),
		now:    time.Now,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pk := range providers {
		if _, dup := s.keys[pk.Provider]; dup {
			continue
		}
		entries := make([]*entry, 0, len(pk.Keys))
		for i, spec := range pk.Keys {
			rec := models.KeyRecord{
				Provider:      pk.Provider,
				Index:         i,
				Secret:        spec.Secret,
				DailyCapacity: spec.DailyCapacity,
			}
			if rec.DailyCapacity <= 0 {
				rec.Exhausted = true
				rec.ExhaustedReason = ReasonNoCapacity
			}
			entries = append(entries, &entry{rec: rec})
		}
		s.order = append(s.order, pk.Provider)
		s.keys[pk.Provider] = entries
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Window returns the usage window length.
func (s *Store) Window() time.Duration {
	return s.window
}

// Providers returns the registered providers in configuration order.
func (s *Store) Providers() []models.Provider {
	out := make([]models.Provider, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of keys registered for provider.
func (s *Store) Len(provider models.Provider) int {
	return len(s.keys[provider])
}

// Keys returns a copy of every key record of provider. Records whose window
// has elapsed are presented as already reset; the stored state is not touched.
func (s *Store) Keys(provider models.Provider) []models.KeyRecord {
	entries := s.keys[provider]
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	out := make([]models.KeyRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if s.windowElapsed(rec, now) {
			resetRecord(&rec, now)
		}
		out = append(out, rec)
	}
	return out
}

// Acquire applies the lazy window reset to the key and returns it if it can
// be dispatched to. The check happens under the key's lock.
func (s *Store) Acquire(provider models.Provider, index int) (models.KeyRecord, bool) {
	e, err := s.entry(provider, index)
	if err != nil {
		return models.KeyRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.maybeReset(&e.rec)
	if e.rec.Exhausted {
		return models.KeyRecord{}, false
	}
	return e.rec, true
}

// MarkUsed counts one successful dispatch and exhausts the key once its
// daily capacity is reached.
func (s *Store) MarkUsed(provider models.Provider, index int) (models.KeyRecord, error) {
	return s.mutate(provider, index, func(rec *models.KeyRecord, now time.Time) {
		rec.UsedToday++
		rec.LastSuccessAt = now
		if rec.UsedToday >= rec.DailyCapacity && !rec.Exhausted {
			rec.Exhausted = true
			rec.ExhaustedReason = ReasonCapacityReached
		}
	})
}

// MarkExhausted forces the key out of rotation until its window resets,
// regardless of the local counter.
func (s *Store) MarkExhausted(provider models.Provider, index int, reason string) (models.KeyRecord, error) {
	return s.mutate(provider, index, func(rec *models.KeyRecord, now time.Time) {
		rec.Exhausted = true
		rec.ExhaustedReason = reason
		rec.LastFailureAt = now
		rec.FailuresToday++
	})
}

// MarkFailed records a failed dispatch that does not affect availability.
func (s *Store) MarkFailed(provider models.Provider, index int) (models.KeyRecord, error) {
	return s.mutate(provider, index, func(rec *models.KeyRecord, now time.Time) {
		rec.LastFailureAt = now
		rec.FailuresToday++
	})
}

// MaybeResetWindow resets the key's counters if its window has elapsed and
// reports whether a reset happened.
func (s *Store) MaybeResetWindow(provider models.Provider, index int) (bool, error) {
	e, err := s.entry(provider, index)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.maybeReset(&e.rec), nil
}

// Snapshot copies the counter state of every key.
func (s *Store) Snapshot() models.RegistrySnapshot {
	snap := models.RegistrySnapshot{TakenAt: s.now()}
	for _, p := range s.order {
		for _, e := range s.keys[p] {
			e.mu.Lock()
			rec := e.rec
			e.mu.Unlock()
			snap.Keys = append(snap.Keys, models.KeyState{
				Provider:        rec.Provider,
				Fingerprint:     rec.Fingerprint(),
				Index:           rec.Index,
				UsedToday:       rec.UsedToday,
				WindowStartedAt: rec.WindowStartedAt,
				Exhausted:       rec.Exhausted,
				ExhaustedReason: rec.ExhaustedReason,
				FailuresToday:   rec.FailuresToday,
				LastSuccessAt:   rec.LastSuccessAt,
				LastFailureAt:   rec.LastFailureAt,
			})
		}
	}
	return snap
}

// Restore applies saved counters to keys with the same provider and secret
// fingerprint and returns how many keys were restored. Keys whose secret
// changed start fresh.
func (s *Store) Restore(snap models.RegistrySnapshot) int {
	saved := make(map[string]models.KeyState, len(snap.Keys))
	for _, st := range snap.Keys {
		saved[string(st.Provider)+"/"+st.Fingerprint] = st
	}

	restored := 0
	for _, p := range s.order {
		for _, e := range s.keys[p] {
			e.mu.Lock()
			st, ok := saved[string(p)+"/"+e.rec.Fingerprint()]
			if ok {
				e.rec.UsedToday = st.UsedToday
				e.rec.WindowStartedAt = st.WindowStartedAt
				e.rec.Exhausted = st.Exhausted
				e.rec.ExhaustedReason = st.ExhaustedReason
				e.rec.FailuresToday = st.FailuresToday
				e.rec.LastSuccessAt = st.LastSuccessAt
				e.rec.LastFailureAt = st.LastFailureAt
				if e.rec.UsedToday >= e.rec.DailyCapacity && !e.rec.Exhausted {
					e.rec.Exhausted = true
					e.rec.ExhaustedReason = ReasonCapacityReached
				}
				restored++
			}
			e.mu.Unlock()
		}
	}
	return restored
}

func (s *Store) entry(provider models.Provider, index int) (*entry, error) {
	entries := s.keys[provider]
	if index < 0 || index >= len(entries) {
		return nil, fmt.Errorf("%s key %d: %w", provider, index, ErrKeyNotFound)
	}
	return entries[index], nil
}

// mutate runs fn under the key lock after the lazy reset and window anchoring.
func (s *Store) mutate(provider models.Provider, index int, fn func(*models.KeyRecord, time.Time)) (models.KeyRecord, error) {
	e, err := s.entry(provider, index)
	if err != nil {
		return models.KeyRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	s.maybeReset(&e.rec)
	if e.rec.WindowStartedAt.IsZero() {
		e.rec.WindowStartedAt = now
	}
	fn(&e.rec, now)
	return e.rec, nil
}

// maybeReset must be called with the entry lock held.
func (s *Store) maybeReset(rec *models.KeyRecord) bool {
	now := s.now()
	if !s.windowElapsed(*rec, now) {
		return false
	}
	resetRecord(rec, now)
	if s.onReset != nil {
		s.onReset(rec.Provider, rec.Index)
	}
	return true
}

func (s *Store) windowElapsed(rec models.KeyRecord, now time.Time) bool {
	return !rec.WindowStartedAt.IsZero() && now.Sub(rec.WindowStartedAt) >= s.window
}

func resetRecord(rec *models.KeyRecord, now time.Time) {
	rec.UsedToday = 0
	rec.FailuresToday = 0
	rec.WindowStartedAt = now
	rec.Exhausted = false
	rec.ExhaustedReason = ""
	if rec.DailyCapacity <= 0 {
		rec.Exhausted = true
		rec.ExhaustedReason = ReasonNoCapacity
	}
}
