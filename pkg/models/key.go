package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// KeySpec is the static definition of one API key, as loaded from configuration.
type KeySpec struct {
	Secret        string
	DailyCapacity int
}

// ProviderKeys is the ordered key list of one provider.
type ProviderKeys struct {
	Provider Provider
	Keys     []KeySpec
}

// KeyRecord is the runtime state of one API key.
// Secret is excluded from every serialized form.
type KeyRecord struct {
	Provider        Provider  `json:"provider"`
	Index           int       `json:"index"`
	Secret          string    `json:"-"`
	DailyCapacity   int       `json:"daily_capacity"`
	UsedToday       int       `json:"used_today"`
	WindowStartedAt time.Time `json:"window_started_at"`
	Exhausted       bool      `json:"exhausted"`
	ExhaustedReason string    `json:"exhausted_reason,omitempty"`
	FailuresToday   int       `json:"failures_today"`
	LastSuccessAt   time.Time `json:"last_success_at"`
	LastFailureAt   time.Time `json:"last_failure_at"`
}

// Available reports whether the key may be dispatched to.
func (r KeyRecord) Available() bool {
	return !r.Exhausted
}

// Masked returns a log-safe rendering of the secret.
func (r KeyRecord) Masked() string {
	return MaskSecret(r.Secret)
}

// Fingerprint returns a stable, non-reversible identifier for the secret.
func (r KeyRecord) Fingerprint() string {
	return Fingerprint(r.Secret)
}

// KeyDetail is the diagnostic view of a key. It never carries the secret.
type KeyDetail struct {
	Index           int       `json:"index"`
	Available       bool      `json:"available"`
	UsedToday       int       `json:"used_today"`
	DailyCapacity   int       `json:"daily_capacity"`
	ExhaustedReason string    `json:"exhausted_reason,omitempty"`
	FailuresToday   int       `json:"failures_today"`
	WindowStartedAt time.Time `json:"window_started_at,omitzero"`
	LastSuccessAt   time.Time `json:"last_success_at,omitzero"`
	LastFailureAt   time.Time `json:"last_failure_at,omitzero"`
}

// MaskSecret keeps a short prefix and suffix of s and hides the rest.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) > 14:
		return s[:6] + "..." + s[len(s)-4:]
	case len(s) > 4:
		return s[:4] + "..."
	default:
		return "..."
	}
}

// Fingerprint returns the first 16 hex characters of the SHA-256 of s.
func Fingerprint(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
