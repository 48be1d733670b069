package token

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWKSResolver validates tokens minted by an external auth service, against
// that service's published JWKS.
type JWKSResolver struct {
	issuer   string
	audience string
	keySet   jwk.Set
}

// JWKSOpt configures a JWKSResolver.
type JWKSOpt func(*JWKSResolver)

// NewJWKSResolver builds a resolver for the specified issuer and audience.
// keySet is typically a jwk.Cache-backed set refreshed from the auth
// service's JWKS endpoint.
func NewJWKSResolver(issuer, audience string, keySet jwk.Set, opts ...JWKSOpt) *JWKSResolver {
	r := &JWKSResolver{issuer: issuer, audience: audience, keySet: keySet}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *JWKSResolver) Resolve(ctx context.Context, raw string) (Access, error) {
	if r.keySet == nil {
		return Access{}, fmt.Errorf("%w: missing key set", ErrInvalidToken)
	}
	tok, err := jwt.ParseString(
		raw,
		jwt.WithKeySet(r.keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(r.audience),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return Access{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	access := Access{Principal: tok.Subject()}
	if rawEnt, ok := tok.Get(claimEntitlement); ok {
		if ent, ok := rawEnt.(string); ok {
			access.EntitlementRef = ent
		}
	}
	if rawFeed, ok := tok.Get(claimFeed); ok {
		if feed, ok := rawFeed.(string); ok {
			access.FeedID = feed
		}
	}
	if access.Principal == "" || access.EntitlementRef == "" {
		return Access{}, fmt.Errorf("%w: missing sub or ent claim", ErrInvalidToken)
	}
	return access, nil
}
