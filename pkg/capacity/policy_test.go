package capacity

import (
	"testing"

	"github.com/baatcheet/keyrouter/pkg/config"
	"github.com/baatcheet/keyrouter/pkg/models"
)

func TestCapacityDefaults(t *testing.T) {
	p := New(nil)
	if got := p.Capacity(models.ProviderGroq, 0); got != 14400 {
		t.Errorf("expected groq default 14400, got %d", got)
	}
	if got := p.Capacity(models.ProviderOCRSpace, 3); got != 500 {
		t.Errorf("expected ocrspace default 500, got %d", got)
	}
	if got := p.Capacity("acme", 0); got != FallbackCapacity {
		t.Errorf("expected fallback %d, got %d", FallbackCapacity, got)
	}
}

func TestCapacityOverrides(t *testing.T) {
	p := New([]config.ProviderConfig{
		{
			Name:          models.ProviderGroq,
			DailyCapacity: 50,
			Keys: []config.KeyConfig{
				{Secret: "a", DailyCapacity: 5},
				{Secret: "b"},
			},
		},
	})

	if got := p.Capacity(models.ProviderGroq, 0); got != 5 {
		t.Errorf("expected key override 5, got %d", got)
	}
	if got := p.Capacity(models.ProviderGroq, 1); got != 50 {
		t.Errorf("expected provider override 50, got %d", got)
	}
	if got := p.Capacity(models.ProviderGroq, 7); got != 50 {
		t.Errorf("expected provider override for unknown index, got %d", got)
	}
	if got := p.Capacity(models.ProviderGemini, 0); got != 1500 {
		t.Errorf("expected gemini default, got %d", got)
	}
}

func TestBuild(t *testing.T) {
	providers := []config.ProviderConfig{
		{Name: models.ProviderGroq, Keys: []config.KeyConfig{{Secret: "a", DailyCapacity: 5}, {Secret: "b", DailyCapacity: 7}}},
		{Name: models.ProviderDeepSeek},
	}
	built := New(providers).Build(providers)

	if len(built) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(built))
	}
	if built[0].Provider != models.ProviderGroq || len(built[0].Keys) != 2 {
		t.Fatalf("unexpected groq entry: %+v", built[0])
	}
	if built[0].Keys[1].Secret != "b" || built[0].Keys[1].DailyCapacity != 7 {
		t.Errorf("unexpected second key: %+v", built[0].Keys[1])
	}
	if len(built[1].Keys) != 0 {
		t.Errorf("expected deepseek without keys, got %d", len(built[1].Keys))
	}
}
