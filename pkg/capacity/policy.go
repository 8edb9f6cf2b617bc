package capacity

import (
	"github.com/baatcheet/keyrouter/pkg/config"
	"github.com/baatcheet/keyrouter/pkg/models"
)

// FallbackCapacity applies to providers missing from the default table.
const FallbackCapacity = 100

// DefaultCapacities holds the daily request quota of a single free-tier key.
var DefaultCapacities = map[models.Provider]int{
	models.ProviderGroq:        14400,
	models.ProviderOpenRouter:  200,
	models.ProviderDeepSeek:    10000,
	models.ProviderGemini:      1500,
	models.ProviderHuggingFace: 1000,
	models.ProviderOCRSpace:    500,
	models.ProviderElevenLabs:  100,
}

// Policy resolves the daily capacity of every key.
type Policy struct {
	providers map[models.Provider]int
	keys      map[models.Provider][]int
}

// New creates a Policy from provider configuration. Zero values in the
// configuration mean "not set".
func New(providers []config.ProviderConfig) *Policy {
	p := &Policy{
		providers: make(map[models.Provider]int, len(providers)),
		keys:      make(map[models.Provider][]int, len(providers)),
	}
	for _, pc := range providers {
		if pc.DailyCapacity > 0 {
			p.providers[pc.Name] = pc.DailyCapacity
		}
		limits := make([]int, len(pc.Keys))
		for i, k := range pc.Keys {
			limits[i] = k.DailyCapacity
		}
		p.keys[pc.Name] = limits
	}
	return p
}

// ProviderCapacity returns the per-key capacity of provider when no key
// override exists.
func (p *Policy) ProviderCapacity(provider models.Provider) int {
	if c, ok := p.providers[provider]; ok {
		return c
	}
	if c, ok := DefaultCapacities[provider]; ok {
		return c
	}
	return FallbackCapacity
}

// Capacity returns the daily capacity of the key at index.
func (p *Policy) Capacity(provider models.Provider, index int) int {
	if limits := p.keys[provider]; index >= 0 && index < len(limits) && limits[index] > 0 {
		return limits[index]
	}
	return p.ProviderCapacity(provider)
}

// Build resolves the configured providers into the ordered key lists the
// key store is created from. Providers without keys are kept so they report
// as unavailable.
func (p *Policy) Build(providers []config.ProviderConfig) []models.ProviderKeys {
	out := make([]models.ProviderKeys, 0, len(providers))
	for _, pc := range providers {
		pk := models.ProviderKeys{Provider: pc.Name, Keys: make([]models.KeySpec, 0, len(pc.Keys))}
		for i, k := range pc.Keys {
			pk.Keys = append(pk.Keys, models.KeySpec{
				Secret:        k.Secret,
				DailyCapacity: p.Capacity(pc.Name, i),
			})
		}
		out = append(out, pk)
	}
	return out
}
