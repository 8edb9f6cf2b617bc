package models

import "time"

// ProviderHealth aggregates the key states of a single provider.
type ProviderHealth struct {
	Provider      Provider `json:"provider"`
	TotalKeys     int      `json:"total_keys"`
	AvailableKeys int      `json:"available_keys"`
	DailyCapacity int      `json:"daily_capacity"`
	UsedToday     int      `json:"used_today"`
	PercentUsed   float64  `json:"percent_used"`
	Breaker       string   `json:"breaker,omitempty"`
}

// HealthSummary aggregates all providers.
type HealthSummary struct {
	TotalProviders  int `json:"total_providers"`
	ActiveProviders int `json:"active_providers"`
	TotalCapacity   int `json:"total_capacity"`
	TotalUsed       int `json:"total_used"`
}

// HealthReport is the payload of the health endpoint.
type HealthReport struct {
	Status      string           `json:"status"`
	Summary     HealthSummary    `json:"summary"`
	Providers   []ProviderHealth `json:"providers"`
	GeneratedAt time.Time        `json:"generated_at"`
}
