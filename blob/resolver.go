// Package blob fetches feed payload bytes from the external blob store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the store has no blob for the given ref.
var ErrNotFound = errors.New("blob: not found")

// Fetcher retrieves raw blob bytes by reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Client reads blobs from an aggregator HTTP endpoint.
type Client struct {
	baseURL string
	hc      *http.Client
	maxSize int64
}

// NewClient builds a blob client against the aggregator at baseURL.
// If timeout <= 0, a default of 10 seconds is used. Blobs larger than
// 16 MiB are rejected.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
		maxSize: 16 << 20,
	}
}

func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("blob: empty ref")
	}
	u := c.baseURL + "/v1/blobs/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("blob: fetch %s: unexpected status %d", ref, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: fetch %s: read: %w", ref, err)
	}
	if int64(len(b)) > c.maxSize {
		return nil, fmt.Errorf("blob: fetch %s: exceeds %d bytes", ref, c.maxSize)
	}
	return b, nil
}
