package token

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer("https://auth.example.com", "feedgate", "kid-1", 2048)
	if err != nil {
		t.Fatal(err)
	}
	return iss
}

func TestIssueAndResolve(t *testing.T) {
	iss := newTestIssuer(t)
	raw, err := iss.Issue(Access{Principal: "alice", EntitlementRef: "ent-1", FeedID: "air-9"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := NewVerifier(iss.PublicKey(), "https://auth.example.com", "feedgate")
	access, err := v.Resolve(context.Background(), raw)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if access.Principal != "alice" || access.EntitlementRef != "ent-1" || access.FeedID != "air-9" {
		t.Errorf("access = %+v", access)
	}
}

func TestResolveRejectsWrongAudience(t *testing.T) {
	iss := newTestIssuer(t)
	raw, err := iss.Issue(Access{Principal: "alice", EntitlementRef: "ent-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(iss.PublicKey(), "https://auth.example.com", "other-audience")
	if _, err := v.Resolve(context.Background(), raw); err == nil {
		t.Fatal("token with wrong audience accepted")
	}
}

func TestResolveRejectsExpired(t *testing.T) {
	iss := newTestIssuer(t)
	raw, err := iss.Issue(Access{Principal: "alice", EntitlementRef: "ent-1"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(iss.PublicKey(), "https://auth.example.com", "feedgate")
	if _, err := v.Resolve(context.Background(), raw); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestResolveRejectsForeignKey(t *testing.T) {
	iss := newTestIssuer(t)
	other := newTestIssuer(t)
	raw, err := other.Issue(Access{Principal: "alice", EntitlementRef: "ent-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(iss.PublicKey(), "https://auth.example.com", "feedgate")
	if _, err := v.Resolve(context.Background(), raw); err == nil {
		t.Fatal("token signed with foreign key accepted")
	}
}

func TestPublicJWKS(t *testing.T) {
	iss := newTestIssuer(t)
	ks := iss.PublicJWKS()
	if len(ks.Keys) != 1 {
		t.Fatalf("got %d keys", len(ks.Keys))
	}
	k := ks.Keys[0]
	if k.Kty != "RSA" || k.Kid != "kid-1" || k.Alg != "RS256" || k.N == "" {
		t.Errorf("jwk = %+v", k)
	}
}
