package memorycred

import (
	"context"
	"testing"
	"time"

	"github.com/open-rails/feedgate/credential"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := New()
	t.Cleanup(func() { s.Close() })
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestPutGetClear(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	cred := credential.Credential{Token: "tok-1", ExpiresAt: now.Add(30 * time.Minute)}

	ok, err := s.Put(ctx, "alice", cred)
	if err != nil || !ok {
		t.Fatalf("Put = (%v, %v), want (true, nil)", ok, err)
	}
	got, found, err := s.Get(ctx, "alice")
	if err != nil || !found {
		t.Fatalf("Get = (_, %v, %v), want found", found, err)
	}
	if got.Token != "tok-1" {
		t.Errorf("got token %q, want tok-1", got.Token)
	}
	if err := s.Clear(ctx, "alice"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := s.Get(ctx, "alice"); found {
		t.Error("entry survived Clear")
	}
}

func TestPutFirstOfferedWins(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	first := credential.Credential{Token: "first", ExpiresAt: now.Add(time.Hour)}
	second := credential.Credential{Token: "second", ExpiresAt: now.Add(2 * time.Hour)}

	if ok, _ := s.Put(ctx, "alice", first); !ok {
		t.Fatal("first Put refused")
	}
	if ok, _ := s.Put(ctx, "alice", second); ok {
		t.Fatal("second Put accepted while live entry exists")
	}
	got, _, _ := s.Get(ctx, "alice")
	if got.Token != "first" {
		t.Errorf("stored token %q, want first", got.Token)
	}
}

func TestPutDisplacesExpired(t *testing.T) {
	s, nowp := newTestStore(t)
	ctx := context.Background()

	old := credential.Credential{Token: "old", ExpiresAt: nowp.Add(time.Minute)}
	if ok, _ := s.Put(ctx, "alice", old); !ok {
		t.Fatal("Put refused")
	}
	*nowp = nowp.Add(2 * time.Minute)
	fresh := credential.Credential{Token: "fresh", ExpiresAt: nowp.Add(time.Hour)}
	if ok, _ := s.Put(ctx, "alice", fresh); !ok {
		t.Fatal("Put over expired entry refused")
	}
	got, found, _ := s.Get(ctx, "alice")
	if !found || got.Token != "fresh" {
		t.Errorf("got (%v, %v), want fresh credential", got, found)
	}
}

func TestGetExpiryBoundary(t *testing.T) {
	s, nowp := newTestStore(t)
	ctx := context.Background()

	created := *nowp
	ttl := 30 * time.Minute
	cred := credential.Credential{Token: "tok", ExpiresAt: created.Add(ttl)}
	if ok, _ := s.Put(ctx, "alice", cred); !ok {
		t.Fatal("Put refused")
	}

	*nowp = created.Add(ttl - time.Second)
	if _, found, _ := s.Get(ctx, "alice"); !found {
		t.Error("credential unusable just before expiry")
	}

	*nowp = created.Add(ttl + time.Second)
	if _, found, _ := s.Get(ctx, "alice"); found {
		t.Error("credential usable past expiry")
	}
	// The expired read must have purged the entry.
	s.mu.Lock()
	_, present := s.data["alice"]
	s.mu.Unlock()
	if present {
		t.Error("expired entry not purged on Get")
	}
}

func TestCleanup(t *testing.T) {
	s, nowp := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "a", credential.Credential{Token: "a", ExpiresAt: nowp.Add(time.Minute)})
	s.Put(ctx, "b", credential.Credential{Token: "b", ExpiresAt: nowp.Add(time.Hour)})

	*nowp = nowp.Add(10 * time.Minute)
	s.cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data["a"]; ok {
		t.Error("expired entry survived cleanup")
	}
	if _, ok := s.data["b"]; !ok {
		t.Error("live entry removed by cleanup")
	}
}
