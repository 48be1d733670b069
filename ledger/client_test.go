package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func rpcServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		write := func(result any) {
			b, _ := json.Marshal(result)
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(b)})
		}
		switch req.Method {
		case "ledger_getFeed":
			if req.Params[0] == "air-9" {
				write(Feed{ID: "air-9", Gated: true, Active: true, CurrentBlobRef: "ref-7"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": rpcCodeNotFound, "message": "no such feed"},
			})
		case "ledger_getEntitlement":
			write(Entitlement{ID: "ent-1", Holder: "alice", FeedID: "air-9", Active: true, ExpiryEpoch: 99})
		case "ledger_currentEpoch":
			write(42)
		default:
			t.Errorf("unexpected method %q", req.Method)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientGetFeed(t *testing.T) {
	c := NewClient(rpcServer(t).URL, time.Second)
	f, err := c.GetFeed(context.Background(), "air-9")
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if !f.Gated || f.CurrentBlobRef != "ref-7" {
		t.Errorf("feed = %+v", f)
	}

	if _, err := c.GetFeed(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestClientGetEntitlement(t *testing.T) {
	c := NewClient(rpcServer(t).URL, time.Second)
	e, err := c.GetEntitlement(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	if e.Holder != "alice" || e.ExpiryEpoch != 99 {
		t.Errorf("entitlement = %+v", e)
	}
}

func TestClientCurrentEpoch(t *testing.T) {
	c := NewClient(rpcServer(t).URL, time.Second)
	epoch, err := c.CurrentEpoch(context.Background())
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 42 {
		t.Errorf("epoch = %d", epoch)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := c.CurrentEpoch(context.Background()); err == nil {
		t.Fatal("expected error from unreachable ledger")
	}
}
