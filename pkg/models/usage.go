package models

import "time"

// Outcome classifies a single vendor dispatch.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeTransient     Outcome = "transient"
	OutcomeFatal         Outcome = "fatal"
)

// Attempt describes one dispatch through one key, as observed by the router.
type Attempt struct {
	Capability Capability
	Key        KeyRecord
	UserID     string
	StatusCode int
	Latency    time.Duration
	Detail     string
}

// UsageEvent is one persisted ledger row.
type UsageEvent struct {
	ID             string        `json:"id"`
	Provider       Provider      `json:"provider"`
	KeyIndex       int           `json:"key_index"`
	KeyFingerprint string        `json:"key_fingerprint"`
	Capability     Capability    `json:"capability"`
	Outcome        Outcome       `json:"outcome"`
	StatusCode     int           `json:"status_code"`
	Latency        time.Duration `json:"latency"`
	UserID         string        `json:"user_id,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// UsageSummary aggregates ledger events per provider key.
type UsageSummary struct {
	Provider      Provider `json:"provider"`
	KeyIndex      int      `json:"key_index"`
	Successes     int      `json:"successes"`
	QuotaExceeded int      `json:"quota_exceeded"`
	Transient     int      `json:"transient"`
	Fatal         int      `json:"fatal"`
	Total         int      `json:"total"`
}
