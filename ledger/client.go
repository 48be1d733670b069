package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the ledger has no record for the given id.
var ErrNotFound = errors.New("ledger: not found")

// Reader provides read-only access to the ledger's feed and entitlement
// records. Implementations must never mutate ledger state.
type Reader interface {
	GetFeed(ctx context.Context, id string) (*Feed, error)
	GetEntitlement(ctx context.Context, id string) (*Entitlement, error)
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// Client reads the ledger over its JSON-RPC HTTP endpoint.
type Client struct {
	endpoint string
	hc       *http.Client
}

// NewClient builds a ledger client for the given node endpoint.
// If timeout <= 0, a default of 5 seconds is used.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

const rpcCodeNotFound = -32001

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("ledger: %s: unexpected status %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("ledger: %s: decode: %w", method, err)
	}
	if rr.Error != nil {
		if rr.Error.Code == rpcCodeNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("ledger: %s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("ledger: %s: result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) GetFeed(ctx context.Context, id string) (*Feed, error) {
	var f Feed
	if err := c.call(ctx, "ledger_getFeed", []any{id}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) GetEntitlement(ctx context.Context, id string) (*Entitlement, error) {
	var e Entitlement
	if err := c.call(ctx, "ledger_getEntitlement", []any{id}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) CurrentEpoch(ctx context.Context) (uint64, error) {
	var epoch uint64
	if err := c.call(ctx, "ledger_currentEpoch", nil, &epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}
