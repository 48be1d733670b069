package revalidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"github.com/open-rails/feedgate/ledger"
	"github.com/open-rails/feedgate/oracle"
)

type fakeReader struct {
	entitlements map[string]*ledger.Entitlement
	err          error
}

func (f *fakeReader) GetFeed(_ context.Context, id string) (*ledger.Feed, error) {
	return &ledger.Feed{ID: id, Active: true, Gated: true}, nil
}

func (f *fakeReader) GetEntitlement(_ context.Context, id string) (*ledger.Entitlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.entitlements[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return e, nil
}

func (f *fakeReader) CurrentEpoch(_ context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 10, nil
}

type fakeBinder struct {
	revoked []string
}

func (f *fakeBinder) RevokeBinding(feedID, identity string) int {
	f.revoked = append(f.revoked, feedID+"/"+identity)
	return 1
}

func job(principal, feedID, entRef string) *river.Job[Args] {
	return &river.Job[Args]{Args: Args{Principal: principal, FeedID: feedID, EntitlementRef: entRef}}
}

func TestWorkKeepsValidBinding(t *testing.T) {
	reader := &fakeReader{entitlements: map[string]*ledger.Entitlement{
		"ent-1": {ID: "ent-1", Holder: "alice", FeedID: "air-9", Active: true, ExpiryEpoch: 100},
	}}
	binder := &fakeBinder{}
	w := NewWorker(oracle.New(reader, time.Second, nil), binder, nil)

	if err := w.Work(context.Background(), job("alice", "air-9", "ent-1")); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(binder.revoked) != 0 {
		t.Errorf("valid entitlement revoked: %v", binder.revoked)
	}
}

func TestWorkRevokesDeadEntitlement(t *testing.T) {
	reader := &fakeReader{entitlements: map[string]*ledger.Entitlement{}}
	binder := &fakeBinder{}
	w := NewWorker(oracle.New(reader, time.Second, nil), binder, nil)

	if err := w.Work(context.Background(), job("alice", "air-9", "ent-gone")); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(binder.revoked) != 1 || binder.revoked[0] != "air-9/alice" {
		t.Errorf("revoked = %v", binder.revoked)
	}
}

func TestWorkRetriesOnLedgerOutage(t *testing.T) {
	reader := &fakeReader{err: errors.New("connection refused")}
	binder := &fakeBinder{}
	w := NewWorker(oracle.New(reader, time.Second, nil), binder, nil)

	if err := w.Work(context.Background(), job("alice", "air-9", "ent-1")); err == nil {
		t.Fatal("expected retryable error on ledger outage")
	}
	if len(binder.revoked) != 0 {
		t.Error("binding revoked while ledger unreachable")
	}
}

func TestArgsKind(t *testing.T) {
	if (Args{}).Kind() != "feedgate.revalidate" {
		t.Errorf("kind = %q", (Args{}).Kind())
	}
}
