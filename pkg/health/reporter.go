package health

import (
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/baatcheet/keyrouter/pkg/keystore"
	"github.com/baatcheet/keyrouter/pkg/models"
	"github.com/baatcheet/keyrouter/pkg/vendor"
)

// ErrUnknownProvider is returned for providers that are not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Report statuses.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Reporter derives health and usage telemetry from the key store.
// It never mutates key counters except through HasCapacity's lazy reset.
type Reporter struct {
	store    *keystore.Store
	breakers *vendor.Breakers
}

// NewReporter creates a Reporter. breakers may be nil.
func NewReporter(store *keystore.Store, breakers *vendor.Breakers) *Reporter {
	return &Reporter{store: store, breakers: breakers}
}

// ProviderHealth aggregates the keys of provider.
func (r *Reporter) ProviderHealth(provider models.Provider) (models.ProviderHealth, error) {
	if !lo.Contains(r.store.Providers(), provider) {
		return models.ProviderHealth{}, fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}
	return r.providerHealth(provider), nil
}

func (r *Reporter) providerHealth(provider models.Provider) models.ProviderHealth {
	keys := r.store.Keys(provider)
	h := models.ProviderHealth{
		Provider:      provider,
		TotalKeys:     len(keys),
		AvailableKeys: lo.CountBy(keys, func(k models.KeyRecord) bool { return k.Available() }),
		DailyCapacity: lo.SumBy(keys, func(k models.KeyRecord) int { return k.DailyCapacity }),
		UsedToday:     lo.SumBy(keys, func(k models.KeyRecord) int { return k.UsedToday }),
		Breaker:       r.breakers.State(provider),
	}
	h.PercentUsed = percent(h.UsedToday, h.DailyCapacity)
	return h
}

// Summary aggregates every provider.
func (r *Reporter) Summary() models.HealthSummary {
	return summarize(r.providers())
}

func (r *Reporter) providers() []models.ProviderHealth {
	return lo.Map(r.store.Providers(), func(p models.Provider, _ int) models.ProviderHealth {
		return r.providerHealth(p)
	})
}

func summarize(providers []models.ProviderHealth) models.HealthSummary {
	return models.HealthSummary{
		TotalProviders:  len(providers),
		ActiveProviders: lo.CountBy(providers, func(h models.ProviderHealth) bool { return h.AvailableKeys > 0 }),
		TotalCapacity:   lo.SumBy(providers, func(h models.ProviderHealth) int { return h.DailyCapacity }),
		TotalUsed:       lo.SumBy(providers, func(h models.ProviderHealth) int { return h.UsedToday }),
	}
}

// HasCapacity reports whether provider has at least one usable key,
// applying any pending window reset.
func (r *Reporter) HasCapacity(provider models.Provider) bool {
	for i := range r.store.Len(provider) {
		if _, ok := r.store.Acquire(provider, i); ok {
			return true
		}
	}
	return false
}

// Snapshot returns the full health report.
func (r *Reporter) Snapshot() models.HealthReport {
	providers := r.providers()
	summary := summarize(providers)

	status := StatusHealthy
	switch {
	case summary.ActiveProviders == 0:
		status = StatusUnavailable
	case summary.ActiveProviders < summary.TotalProviders:
		status = StatusDegraded
	}
	return models.HealthReport{
		Status:      status,
		Summary:     summary,
		Providers:   providers,
		GeneratedAt: r.store.Now().UTC(),
	}
}

// KeyDetails returns the per-key diagnostic view of provider. Secrets are
// never included.
func (r *Reporter) KeyDetails(provider models.Provider) ([]models.KeyDetail, error) {
	if !lo.Contains(r.store.Providers(), provider) {
		return nil, fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}
	return lo.Map(r.store.Keys(provider), func(k models.KeyRecord, _ int) models.KeyDetail {
		return models.KeyDetail{
			Index:           k.Index,
			Available:       k.Available(),
			UsedToday:       k.UsedToday,
			DailyCapacity:   k.DailyCapacity,
			ExhaustedReason: k.ExhaustedReason,
			FailuresToday:   k.FailuresToday,
			WindowStartedAt: k.WindowStartedAt,
			LastSuccessAt:   k.LastSuccessAt,
			LastFailureAt:   k.LastFailureAt,
		}
	}), nil
}

func percent(used, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(capacity)*1000) / 10
}
