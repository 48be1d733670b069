// Package token resolves the opaque access tokens a client may present on
// bind instead of raw entitlement coordinates. A token binds a subject
// principal to one entitlement reference; it proves nothing by itself — the
// oracle still re-checks the entitlement against the ledger.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("token: invalid token")

// Access is what a verified token resolves to.
type Access struct {
	Principal      string
	EntitlementRef string
	FeedID         string // optional: token scoped to one feed
}

// Resolver turns a raw access token into entitlement coordinates.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (Access, error)
}

const (
	claimEntitlement = "ent"
	claimFeed        = "feed"
)

// Issuer mints RS256 subscriber tokens. Production deployments usually mint
// these in the first-party API service; the issuer lives here so the adapter
// and tests share one implementation.
type Issuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
}

// NewIssuer generates a fresh RSA keypair. If bits == 0, 2048 is used.
func NewIssuer(issuer, audience, kid string, bits int) (*Issuer, error) {
	if bits == 0 {
		bits = 2048
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &Issuer{key: k, kid: kid, issuer: issuer, audience: audience}, nil
}

// NewIssuerFromPEM loads the signing key from a PEM-encoded private key.
func NewIssuerFromPEM(issuer, audience, kid string, pemBytes []byte) (*Issuer, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("token: empty RSA private key pem")
	}
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return nil, errors.New("token: failed to decode RSA private key pem")
	}
	var parsed *rsa.PrivateKey
	var err error
	switch blk.Type {
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(blk.Bytes)
	default:
		var key any
		key, err = x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err == nil {
			var ok bool
			if parsed, ok = key.(*rsa.PrivateKey); !ok {
				err = errors.New("token: pkcs8 key is not RSA private key")
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &Issuer{key: parsed, kid: kid, issuer: issuer, audience: audience}, nil
}

func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.key.PublicKey }
func (i *Issuer) KID() string               { return i.kid }

// Issue mints a token for the given access, valid for ttl.
func (i *Issuer) Issue(access Access, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            i.issuer,
		"aud":            i.audience,
		"sub":            access.Principal,
		"iat":            jwt.NewNumericDate(now),
		"exp":            jwt.NewNumericDate(now.Add(ttl)),
		claimEntitlement: access.EntitlementRef,
	}
	if access.FeedID != "" {
		claims[claimFeed] = access.FeedID
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	return tok.SignedString(i.key)
}

// Verifier validates tokens signed by a known local key.
type Verifier struct {
	pub      *rsa.PublicKey
	issuer   string
	audience string
}

// NewVerifier builds a verifier for tokens signed with the matching private
// key.
func NewVerifier(pub *rsa.PublicKey, issuer, audience string) *Verifier {
	return &Verifier{pub: pub, issuer: issuer, audience: audience}
}

func (v *Verifier) Resolve(_ context.Context, raw string) (Access, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("token: unexpected alg %s", t.Method.Alg())
		}
		return v.pub, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience), jwt.WithExpirationRequired())
	if err != nil {
		return Access{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return accessFromClaims(claims)
}

func accessFromClaims(claims jwt.MapClaims) (Access, error) {
	sub, _ := claims["sub"].(string)
	ent, _ := claims[claimEntitlement].(string)
	if sub == "" || ent == "" {
		return Access{}, fmt.Errorf("%w: missing sub or ent claim", ErrInvalidToken)
	}
	feed, _ := claims[claimFeed].(string)
	return Access{Principal: sub, EntitlementRef: ent, FeedID: feed}, nil
}
