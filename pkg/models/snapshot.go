package models

import "time"

// KeyState is the persisted counter state of one key.
// Keys are matched on restore by provider and secret fingerprint.
type KeyState struct {
	Provider        Provider  `json:"provider"`
	Fingerprint     string    `json:"fingerprint"`
	Index           int       `json:"index"`
	UsedToday       int       `json:"used_today"`
	WindowStartedAt time.Time `json:"window_started_at"`
	Exhausted       bool      `json:"exhausted"`
	ExhaustedReason string    `json:"exhausted_reason,omitempty"`
	FailuresToday   int       `json:"failures_today"`
	LastSuccessAt   time.Time `json:"last_success_at"`
	LastFailureAt   time.Time `json:"last_failure_at"`
}

// RegistrySnapshot is a point-in-time copy of every key's counters.
type RegistrySnapshot struct {
	TakenAt time.Time  `json:"taken_at"`
	Keys    []KeyState `json:"keys"`
}
