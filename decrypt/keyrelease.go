package decrypt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Classified key-release failures. Anything else is a transient failure.
var (
	ErrKeyDenied          = errors.New("decrypt: key release denied")
	ErrCredentialRejected = errors.New("decrypt: credential expired")
)

// KeyReleaser obtains decryption key material for one envelope, after the
// service independently re-verifies the requester's entitlement.
type KeyReleaser interface {
	RequestKeys(ctx context.Context, req KeyRequest) ([]byte, error)
}

// KeyRequest carries everything the service needs to re-check policy and
// derive the key for this envelope's identity.
type KeyRequest struct {
	RequestID      string `json:"requestId"`
	Namespace      string `json:"namespace"`
	Identity       []byte `json:"identity"`
	FeedID         string `json:"feedId"`
	EntitlementRef string `json:"entitlementRef"`
	Principal      string `json:"principal"`
	CredentialTok  string `json:"credentialToken"`
	SessionKey     string `json:"sessionKey,omitempty"`
}

// KeyClient talks to the key-release service over HTTP.
type KeyClient struct {
	endpoint string
	hc       *http.Client
}

// NewKeyClient builds a client for the service at endpoint.
// If timeout <= 0, a default of 10 seconds is used.
func NewKeyClient(endpoint string, timeout time.Duration) *KeyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KeyClient{endpoint: endpoint, hc: &http.Client{Timeout: timeout}}
}

type keyResponse struct {
	KeyMaterial string `json:"keyMaterial"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (c *KeyClient) RequestKeys(ctx context.Context, req KeyRequest) ([]byte, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/keys", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("decrypt: key release: %w", err)
	}
	defer resp.Body.Close()

	var kr keyResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusOK:
		if err := dec.Decode(&kr); err != nil {
			return nil, fmt.Errorf("decrypt: key release: decode: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(kr.KeyMaterial)
		if err != nil {
			return nil, fmt.Errorf("decrypt: key release: key material: %w", err)
		}
		return key, nil
	case http.StatusUnauthorized:
		_ = dec.Decode(&kr)
		if kr.Code == "credential_expired" {
			return nil, ErrCredentialRejected
		}
		return nil, ErrKeyDenied
	case http.StatusForbidden:
		return nil, ErrKeyDenied
	default:
		return nil, fmt.Errorf("decrypt: key release: unexpected status %d", resp.StatusCode)
	}
}
