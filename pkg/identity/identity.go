package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/baatcheet/keyrouter/pkg/config"
)

// ErrUnauthenticated is returned when a credential is missing or unknown.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the caller as reported by the identity provider.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Tier   string `json:"tier"`
}

// Resolver maps a bearer credential to an Identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// StaticResolver resolves credentials from a fixed token table.
type StaticResolver struct {
	tokens map[string]Identity
}

// NewStaticResolver builds a resolver from configured tokens.
func NewStaticResolver(tokens map[string]config.IdentityToken) *StaticResolver {
	r := &StaticResolver{tokens: make(map[string]Identity, len(tokens))}
	for tok, id := range tokens {
		r.tokens[tok] = Identity{UserID: id.UserID, Role: id.Role, Tier: id.Tier}
	}
	return r
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	id, ok := r.tokens[credential]
	if !ok || credential == "" {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware resolves the bearer credential of each request. When required
// is false, requests without a credential pass through anonymously, but an
// unknown credential is still rejected. onError writes the rejection.
func Middleware(resolver Resolver, required bool, onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := extractCredential(r)
			if credential == "" || resolver == nil {
				if required {
					onError(w, fmt.Errorf("missing credential: %w", ErrUnauthenticated))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := resolver.Resolve(r.Context(), credential)
			if err != nil {
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

func extractCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}
