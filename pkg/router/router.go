package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/baatcheet/keyrouter/pkg/config"
	"github.com/baatcheet/keyrouter/pkg/identity"
	"github.com/baatcheet/keyrouter/pkg/keystore"
	"github.com/baatcheet/keyrouter/pkg/models"
	"github.com/baatcheet/keyrouter/pkg/observability"
	"github.com/baatcheet/keyrouter/pkg/rotator"
	"github.com/baatcheet/keyrouter/pkg/usage"
	"github.com/baatcheet/keyrouter/pkg/vendor"
)

// supporter is implemented by vendor clients that know their endpoints.
type supporter interface {
	Supports(provider models.Provider, capability models.Capability) bool
}

// Router resolves capabilities to provider chains and dispatches requests
// through them, rotating keys and falling back across providers.
type Router struct {
	routing    config.RoutingConfig
	settings   config.RouterConfig
	store      *keystore.Store
	rotator    *rotator.Rotator
	tracker    *usage.Tracker
	classifier *usage.Classifier
	client     vendor.Client
	breakers   *vendor.Breakers
	metrics    *observability.Metrics
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Router.
type Option func(*Router)

// WithRotator sets the key rotator. Defaults to a new rotator over the store.
func WithRotator(r *rotator.Rotator) Option {
	return func(rt *Router) { rt.rotator = r }
}

// WithTracker sets the usage tracker. Defaults to a tracker without ledger.
func WithTracker(t *usage.Tracker) Option {
	return func(rt *Router) { rt.tracker = t }
}

// WithClassifier sets the response classifier.
func WithClassifier(c *usage.Classifier) Option {
	return func(rt *Router) { rt.classifier = c }
}

// WithBreakers sets per-provider circuit breakers.
func WithBreakers(b *vendor.Breakers) Option {
	return func(rt *Router) { rt.breakers = b }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.logger = l }
}

// New creates a Router from the given configuration.
func New(cfg *config.Config, store *keystore.Store, client vendor.Client, opts ...Option) *Router {
	r := &Router{
		routing:  cfg.Routing,
		settings: cfg.Router,
		store:    store,
		client:   client,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger)
	if r.rotator == nil {
		r.rotator = rotator.New(store)
	}
	if r.tracker == nil {
		r.tracker = usage.NewTracker(store, usage.WithMetrics(r.metrics), usage.WithLogger(r.logger))
	}
	if r.classifier == nil {
		r.classifier = usage.NewClassifier()
	}
	return r
}

// Resolve returns the ordered providers to try for capability. Providers
// that are not registered, or that the vendor client cannot serve for the
// capability, are skipped.
func (r *Router) Resolve(capability models.Capability) ([]models.Provider, error) {
	preference, ok := r.routing[capability]
	if !ok {
		return nil, fmt.Errorf("%q: %w", capability, ErrUnknownCapability)
	}

	registered := r.store.Providers()
	sup, canCheck := r.client.(supporter)
	chain := lo.Filter(lo.Uniq(preference), func(p models.Provider, _ int) bool {
		if !lo.Contains(registered, p) {
			return false // skip unknown providers
		}
		return !canCheck || sup.Supports(p, capability)
	})
	if len(chain) == 0 {
		return nil, fmt.Errorf("route %s: %w", capability, ErrNoProviders)
	}
	return chain, nil
}

// attemptLimit caps dispatches per request. Without configuration every key
// gets one dispatch plus one transient retry per provider.
func (r *Router) attemptLimit(chain []models.Provider) int {
	if r.settings.MaxAttempts > 0 {
		return r.settings.MaxAttempts
	}
	return lo.SumBy(chain, func(p models.Provider) int { return r.store.Len(p) }) + len(chain)
}

// routeState is the bookkeeping of one Route call.
type routeState struct {
	capability models.Capability
	userID     string
	limit      int
	attempts   int
	failing    bool
	limitHit   bool
	last       error
	tried      []models.Provider
}

// Route dispatches payload to the first provider in the capability's chain
// that has capacity and answers. See RoutingError and VendorFatalError for
// the terminal failures.
func (r *Router) Route(ctx context.Context, capability models.Capability, payload models.Payload) (*models.VendorResponse, error) {
	chain, err := r.Resolve(capability)
	if errors.Is(err, ErrUnknownCapability) {
		r.metrics.RecordRoute(string(capability), "unknown_capability")
		return nil, err
	}

	st := &routeState{capability: capability, limit: r.attemptLimit(chain), last: err}
	if id, ok := identity.FromContext(ctx); ok {
		st.userID = id.UserID
	}

	for _, provider := range chain {
		st.tried = append(st.tried, provider)
		resp, done, err := r.routeProvider(ctx, st, provider, payload)
		if done {
			if err != nil {
				var fatal *VendorFatalError
				if errors.As(err, &fatal) {
					r.metrics.RecordRoute(string(capability), "fatal")
				} else {
					r.metrics.RecordRoute(string(capability), "canceled")
				}
				return nil, err
			}
			r.metrics.RecordRoute(string(capability), "success")
			return resp, nil
		}
		if st.attempts >= st.limit {
			r.logger.Warn("attempt limit reached", "capability", capability, "attempts", st.attempts)
			break
		}
		r.metrics.RecordFallback(string(capability), string(provider))
	}

	rerr := &RoutingError{
		Kind:       KindNoCapacity,
		Capability: capability,
		Tried:      st.tried,
		Attempts:   st.attempts,
		Last:       st.last,
	}
	if st.limitHit && r.hasAvailableKey(chain) {
		st.failing = true
		rerr.Last = fmt.Errorf("%w (%d)", ErrAttemptLimit, st.limit)
	}
	if st.failing {
		rerr.Kind = KindProvidersFailing
	} else {
		rerr.RetryAfter = r.retryAfter(chain)
	}
	r.metrics.RecordRoute(string(capability), rerr.Kind.String())
	r.logger.Warn("routing failed", "capability", capability, "kind", rerr.Kind.String(),
		"attempts", st.attempts, "tried", st.tried)
	return nil, rerr
}

// routeProvider runs the key loop for one provider. done reports whether
// routing is finished (success, fatal rejection or cancellation).
func (r *Router) routeProvider(ctx context.Context, st *routeState, provider models.Provider, payload models.Payload) (*models.VendorResponse, bool, error) {
	var retryKey *models.KeyRecord
	retried := false

	for st.attempts < st.limit {
		if err := ctx.Err(); err != nil {
			return nil, true, fmt.Errorf("route %s: %w", st.capability, err)
		}

		// Ask the breaker before Next so a skipped provider keeps its cursor.
		permit, err := r.breakers.Allow(provider)
		if err != nil {
			st.failing = true
			st.last = fmt.Errorf("%s: %w", provider, err)
			r.logger.Warn("provider skipped", "provider", provider, "error", err)
			return nil, false, nil
		}

		var key models.KeyRecord
		if retryKey != nil {
			rec, ok := r.store.Acquire(provider, retryKey.Index)
			retryKey = nil
			if !ok {
				permit.Release()
				continue
			}
			key = rec
		} else {
			rec, ok := r.rotator.Next(provider)
			if !ok {
				permit.Release()
				return nil, false, nil
			}
			key = rec
		}

		st.attempts++
		resp, outcome, attempt := r.dispatch(ctx, st, key, payload)
		if ctx.Err() != nil {
			permit.Release()
			return nil, true, fmt.Errorf("route %s: %w", st.capability, ctx.Err())
		}
		permit.Report(outcome != models.OutcomeTransient)

		switch outcome {
		case models.OutcomeSuccess:
			if _, err := r.tracker.RecordSuccess(ctx, attempt); err != nil {
				r.logger.Error("record success", "provider", provider, "key", key.Index, "error", err)
			}
			resp.Provider = provider
			resp.KeyIndex = key.Index
			resp.Attempts = st.attempts
			return resp, true, nil

		case models.OutcomeQuotaExceeded:
			if _, err := r.tracker.RecordQuotaExceeded(ctx, attempt); err != nil {
				r.logger.Error("record quota", "provider", provider, "key", key.Index, "error", err)
			}

		case models.OutcomeFatal:
			if _, err := r.tracker.RecordFatal(ctx, attempt); err != nil {
				r.logger.Error("record fatal", "provider", provider, "key", key.Index, "error", err)
			}
			fatal := &VendorFatalError{Provider: provider, KeyIndex: key.Index}
			if resp != nil {
				fatal.StatusCode = resp.StatusCode
				fatal.Body = resp.Body
			}
			return nil, true, fatal

		default:
			if _, err := r.tracker.RecordFailure(ctx, attempt); err != nil {
				r.logger.Error("record failure", "provider", provider, "key", key.Index, "error", err)
			}
			st.failing = true
			st.last = fmt.Errorf("%s: %s", provider, attempt.Detail)
			if retried {
				return nil, false, nil
			}
			retried = true
			if err := r.sleep(ctx, r.settings.RetryBackoff); err != nil {
				return nil, true, fmt.Errorf("route %s: %w", st.capability, err)
			}
			retryKey = &key
		}
	}
	st.limitHit = true
	return nil, false, nil
}

// dispatch sends one request without holding any lock and classifies it.
func (r *Router) dispatch(ctx context.Context, st *routeState, key models.KeyRecord, payload models.Payload) (*models.VendorResponse, models.Outcome, models.Attempt) {
	start := time.Now()
	resp, err := r.client.Dispatch(ctx, vendor.Request{
		Provider:   key.Provider,
		Capability: st.capability,
		Key:        key,
		Payload:    payload,
	})
	attempt := models.Attempt{
		Capability: st.capability,
		Key:        key,
		UserID:     st.userID,
		Latency:    time.Since(start),
	}
	outcome := r.classifier.Classify(key.Provider, resp, err)

	switch {
	case err != nil:
		attempt.Detail = err.Error()
	case resp != nil:
		attempt.StatusCode = resp.StatusCode
		if outcome == models.OutcomeQuotaExceeded {
			attempt.Detail = fmt.Sprintf("vendor quota exceeded (status %d)", resp.StatusCode)
		} else if outcome != models.OutcomeSuccess {
			attempt.Detail = fmt.Sprintf("status %d", resp.StatusCode)
		}
	}

	r.logger.Debug("dispatch",
		"capability", st.capability, "provider", key.Provider, "key", key.Index,
		"masked", key.Masked(), "outcome", outcome, "status", attempt.StatusCode,
		"latency", attempt.Latency)
	return resp, outcome, attempt
}

// hasAvailableKey reports whether any key in chain can still be dispatched to.
func (r *Router) hasAvailableKey(chain []models.Provider) bool {
	return lo.SomeBy(chain, func(p models.Provider) bool {
		for i := range r.store.Len(p) {
			if _, ok := r.store.Acquire(p, i); ok {
				return true
			}
		}
		return false
	})
}

// retryAfter estimates when the earliest exhausted key in chain resets.
func (r *Router) retryAfter(chain []models.Provider) time.Duration {
	now := r.store.Now()
	window := r.store.Window()
	var best time.Duration
	for _, p := range chain {
		for _, k := range r.store.Keys(p) {
			if !k.Exhausted || k.WindowStartedAt.IsZero() || k.DailyCapacity <= 0 {
				continue
			}
			wait := k.WindowStartedAt.Add(window).Sub(now)
			if wait > 0 && (best == 0 || wait < best) {
				best = wait
			}
		}
	}
	return best
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
