package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/baatcheet/keyrouter/pkg/keystore"
	"github.com/baatcheet/keyrouter/pkg/models"
	"github.com/baatcheet/keyrouter/pkg/observability"
)

// Recorder persists usage events. The ledger implements it.
type Recorder interface {
	Record(ctx context.Context, ev models.UsageEvent) error
}

// Tracker turns dispatch outcomes into key store mutations.
type Tracker struct {
	store    *keystore.Store
	recorder Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder appends every outcome to r.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a Tracker over store.
func NewTracker(store *keystore.Store, opts ...Option) *Tracker {
	t := &Tracker{store: store}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = observability.OrDefault(t.logger)
	return t
}

// RecordSuccess counts the dispatch against the key's capacity.
func (t *Tracker) RecordSuccess(ctx context.Context, a models.Attempt) (models.KeyRecord, error) {
	rec, err := t.store.MarkUsed(a.Key.Provider, a.Key.Index)
	if err != nil {
		return rec, err
	}
	if rec.ExhaustedReason == keystore.ReasonCapacityReached && rec.UsedToday == rec.DailyCapacity {
		t.metrics.RecordKeyExhausted(string(rec.Provider), "capacity")
		t.logger.Info("key reached daily capacity",
			"provider", rec.Provider, "key", rec.Index, "used", rec.UsedToday)
	}
	t.finish(ctx, a, models.OutcomeSuccess)
	return rec, nil
}

// RecordQuotaExceeded takes the key out of rotation until its window resets.
// The local usage counter is left as is.
func (t *Tracker) RecordQuotaExceeded(ctx context.Context, a models.Attempt) (models.KeyRecord, error) {
	reason := a.Detail
	if reason == "" {
		reason = "vendor quota exceeded"
	}
	rec, err := t.store.MarkExhausted(a.Key.Provider, a.Key.Index, reason)
	if err != nil {
		return rec, err
	}
	t.metrics.RecordKeyExhausted(string(rec.Provider), "vendor")
	t.logger.Warn("key exhausted by vendor",
		"provider", rec.Provider, "key", rec.Index, "masked", rec.Masked(),
		"status", a.StatusCode, "used", rec.UsedToday)
	t.finish(ctx, a, models.OutcomeQuotaExceeded)
	return rec, nil
}

// RecordFailure records a transient failure. The key stays available.
func (t *Tracker) RecordFailure(ctx context.Context, a models.Attempt) (models.KeyRecord, error) {
	rec, err := t.store.MarkFailed(a.Key.Provider, a.Key.Index)
	if err != nil {
		return rec, err
	}
	t.logger.Warn("vendor dispatch failed",
		"provider", rec.Provider, "key", rec.Index, "status", a.StatusCode, "detail", a.Detail)
	t.finish(ctx, a, models.OutcomeTransient)
	return rec, nil
}

// RecordFatal records a non-retryable vendor rejection. The key stays available.
func (t *Tracker) RecordFatal(ctx context.Context, a models.Attempt) (models.KeyRecord, error) {
	rec, err := t.store.MarkFailed(a.Key.Provider, a.Key.Index)
	if err != nil {
		return rec, err
	}
	t.logger.Error("vendor rejected request",
		"provider", rec.Provider, "key", rec.Index, "status", a.StatusCode, "detail", a.Detail)
	t.finish(ctx, a, models.OutcomeFatal)
	return rec, nil
}

// finish emits metrics and the ledger event. Ledger errors are logged only.
func (t *Tracker) finish(ctx context.Context, a models.Attempt, outcome models.Outcome) {
	t.metrics.RecordDispatch(string(a.Key.Provider), string(outcome), a.Latency)
	if t.recorder == nil {
		return
	}

	ev := models.UsageEvent{
		Provider:       a.Key.Provider,
		KeyIndex:       a.Key.Index,
		KeyFingerprint: a.Key.Fingerprint(),
		Capability:     a.Capability,
		Outcome:        outcome,
		StatusCode:     a.StatusCode,
		Latency:        a.Latency,
		UserID:         a.UserID,
		Detail:         a.Detail,
		CreatedAt:      time.Now().UTC(),
	}
	// Usage already counted is kept even if the caller went away.
	if err := t.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		t.metrics.RecordLedgerError()
		t.logger.Error("record usage event", "provider", ev.Provider, "key", ev.KeyIndex, "error", err)
	}
}
