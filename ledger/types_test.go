package ledger

import (
	"testing"

	"github.com/mr-tron/base58"
)

func TestEntitlementGrants(t *testing.T) {
	base := Entitlement{
		ID:          "ent-1",
		Holder:      "alice",
		FeedID:      "air-9",
		Active:      true,
		ExpiryEpoch: 100,
	}

	cases := []struct {
		name      string
		mutate    func(*Entitlement)
		principal string
		feedID    string
		epoch     uint64
		want      bool
	}{
		{"valid", nil, "alice", "air-9", 50, true},
		{"valid at expiry epoch", nil, "alice", "air-9", 100, true},
		{"expired", nil, "alice", "air-9", 101, false},
		{"wrong holder", nil, "bob", "air-9", 50, false},
		{"wrong feed", nil, "alice", "weather-1", 50, false},
		{"inactive", func(e *Entitlement) { e.Active = false }, "alice", "air-9", 50, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := base
			if tc.mutate != nil {
				tc.mutate(&e)
			}
			if got := e.Grants(tc.principal, tc.feedID, tc.epoch); got != tc.want {
				t.Errorf("Grants(%s, %s, %d) = %v, want %v", tc.principal, tc.feedID, tc.epoch, got, tc.want)
			}
		})
	}
}

func TestEntitlementGrantsNil(t *testing.T) {
	var e *Entitlement
	if e.Grants("alice", "air-9", 1) {
		t.Error("nil entitlement must not grant")
	}
}

func TestValidatePrincipal(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	good := base58.Encode(raw)

	if err := ValidatePrincipal(good); err != nil {
		t.Fatalf("valid principal rejected: %v", err)
	}
	if err := ValidatePrincipal(""); err == nil {
		t.Error("empty principal accepted")
	}
	if err := ValidatePrincipal("not-base58-0OIl"); err == nil {
		t.Error("non-base58 principal accepted")
	}
	if err := ValidatePrincipal(base58.Encode([]byte("short"))); err == nil {
		t.Error("short principal accepted")
	}

	b, err := PrincipalBytes(good)
	if err != nil {
		t.Fatalf("PrincipalBytes: %v", err)
	}
	if len(b) != 32 || b[0] != 1 {
		t.Errorf("PrincipalBytes returned wrong bytes: %v", b[:4])
	}
}
