package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/baatcheet/keyrouter/pkg/models"
)

// DefaultInterval is used when a Syncer is created with a non-positive interval.
const DefaultInterval = time.Minute

// Store persists key counters across restarts.
type Store interface {
	// Load returns the last saved snapshot. ok is false when nothing was saved.
	Load(ctx context.Context) (snap models.RegistrySnapshot, ok bool, err error)
	Save(ctx context.Context, snap models.RegistrySnapshot) error
}

// Source produces snapshots, usually a *keystore.Store.
type Source interface {
	Snapshot() models.RegistrySnapshot
}

// Target accepts restored snapshots, usually a *keystore.Store.
type Target interface {
	Restore(snap models.RegistrySnapshot) int
}

// Restore loads the last snapshot from store into target and returns how
// many keys were restored.
func Restore(ctx context.Context, store Store, target Target) (int, error) {
	snap, ok, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return target.Restore(snap), nil
}

// Syncer periodically saves snapshots of a Source.
type Syncer struct {
	store    Store
	source   Source
	interval time.Duration
	logger   *slog.Logger
	onSave   func(ctx context.Context)
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger for save failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithAfterSave registers a function run after every periodic save.
func WithAfterSave(fn func(ctx context.Context)) Option {
	return func(s *Syncer) { s.onSave = fn }
}

// NewSyncer creates a Syncer saving source to store every interval.
func NewSyncer(store Store, source Source, interval time.Duration, opts ...Option) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Syncer{
		store:    store,
		source:   source,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SaveNow writes the current snapshot.
func (s *Syncer) SaveNow(ctx context.Context) error {
	if err := s.store.Save(ctx, s.source.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Run saves on every tick until ctx is done, then saves one final time.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return s.SaveNow(final)
		case <-ticker.C:
			if err := s.SaveNow(ctx); err != nil {
				s.logger.Warn("snapshot save failed", "error", err)
				continue
			}
			if s.onSave != nil {
				s.onSave(ctx)
			}
		}
	}
}
