package rotator

import (
	"sync"

	"github.com/baatcheet/keyrouter/pkg/keystore"
	"github.com/baatcheet/keyrouter/pkg/models"
)

// Rotator hands out keys of a provider round-robin, skipping exhausted ones.
type Rotator struct {
	store *keystore.Store

	mu      sync.Mutex
	cursors map[models.Provider]*cursor
}

type cursor struct {
	mu  sync.Mutex
	pos int
}

// New creates a Rotator over store.
func New(store *keystore.Store) *Rotator {
	return &Rotator{
		store:   store,
		cursors: make(map[models.Provider]*cursor),
	}
}

// Next returns the next usable key of provider after the last one handed out.
// It returns false when the provider has no keys or every key is exhausted.
// The scan and cursor advance happen under the provider's cursor lock.
func (r *Rotator) Next(provider models.Provider) (models.KeyRecord, bool) {
	n := r.store.Len(provider)
	if n == 0 {
		return models.KeyRecord{}, false
	}

	c := r.cursor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	for step := 1; step <= n; step++ {
		idx := (c.pos + step) % n
		rec, ok := r.store.Acquire(provider, idx)
		if !ok {
			continue
		}
		c.pos = idx
		return rec, true
	}
	return models.KeyRecord{}, false
}

// Cursor returns the index of the last key handed out for provider, or -1.
func (r *Rotator) Cursor(provider models.Provider) int {
	c := r.cursor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (r *Rotator) cursor(provider models.Provider) *cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[provider]
	if !ok {
		c = &cursor{pos: -1}
		r.cursors[provider] = c
	}
	return c
}
