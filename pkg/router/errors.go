package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/baatcheet/keyrouter/pkg/models"
)

var (
	// ErrAllProvidersExhausted means no provider in the chain had capacity.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	// ErrProvidersFailing means capacity existed but every provider errored.
	ErrProvidersFailing = errors.New("all providers failing")
	// ErrUnknownCapability is returned for capabilities with no routing entry.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrAttemptLimit means routing stopped at the attempt ceiling while
	// keys still had capacity.
	ErrAttemptLimit = errors.New("attempt limit reached")
	// ErrNoProviders means the capability's chain has no registered provider.
	ErrNoProviders = errors.New("no providers configured")
)

// FailureKind distinguishes the two terminal routing failures.
type FailureKind int

const (
	KindNoCapacity FailureKind = iota
	KindProvidersFailing
)

func (k FailureKind) String() string {
	if k == KindProvidersFailing {
		return "providers_failing"
	}
	return "no_capacity"
}

// RoutingError is returned when a request could not be served by any
// provider in its preference chain.
type RoutingError struct {
	Kind       FailureKind
	Capability models.Capability
	Tried      []models.Provider
	Attempts   int
	// RetryAfter estimates when the first exhausted key comes back.
	// Zero when unknown.
	RetryAfter time.Duration
	Last       error
}

func (e *RoutingError) Error() string {
	msg := ErrAllProvidersExhausted.Error()
	if e.Kind == KindProvidersFailing {
		msg = ErrProvidersFailing.Error()
	}
	if e.Last != nil {
		return fmt.Sprintf("route %s: %s after %d attempts: %v", e.Capability, msg, e.Attempts, e.Last)
	}
	return fmt.Sprintf("route %s: %s after %d attempts", e.Capability, msg, e.Attempts)
}

// Is matches the sentinel of the error's kind.
func (e *RoutingError) Is(target error) bool {
	switch target {
	case ErrAllProvidersExhausted:
		return e.Kind == KindNoCapacity
	case ErrProvidersFailing:
		return e.Kind == KindProvidersFailing
	}
	return false
}

func (e *RoutingError) Unwrap() error {
	return e.Last
}

// VendorFatalError is a vendor rejection that retrying cannot fix. The key
// used stays in rotation.
type VendorFatalError struct {
	Provider   models.Provider
	KeyIndex   int
	StatusCode int
	Body       []byte
}

func (e *VendorFatalError) Error() string {
	return fmt.Sprintf("provider %s rejected request with status %d", e.Provider, e.StatusCode)
}
