package hub

import (
	"encoding/base64"
	"encoding/json"

	"github.com/open-rails/feedgate/credential"
)

// Client-to-hub message types.
const (
	msgBind   = "bind"
	msgUnbind = "unbind"
)

// Hub-to-client message types.
const (
	msgBound   = "bound"
	msgUnbound = "unbound"
	msgUpdate  = "update"
	msgDenied  = "denied"
	msgError   = "error"
)

// clientMessage is anything a client sends over the socket.
type clientMessage struct {
	Type           string                 `json:"type"`
	FeedID         string                 `json:"feedId,omitempty"`
	EntitlementRef string                 `json:"entitlementRef,omitempty"`
	Principal      string                 `json:"principal,omitempty"`
	AccessToken    string                 `json:"accessToken,omitempty"`
	Credential     *credential.Credential `json:"credential,omitempty"`
}

// serverMessage is anything the hub sends to a client.
type serverMessage struct {
	Type      string          `json:"type"`
	FeedID    string          `json:"feedId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Encrypted bool            `json:"encrypted,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func marshalMessage(m serverMessage) []byte {
	b, _ := json.Marshal(m)
	return b
}

// payloadJSON renders payload bytes for an update message: JSON passes
// through untouched, anything else is base64-wrapped so the frame stays
// valid JSON.
func payloadJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return json.RawMessage(quoted)
}

// ciphertextJSON always base64-wraps: ciphertext is never valid JSON and the
// client-visible contract is a base64 string next to encrypted:true.
func ciphertextJSON(b []byte) json.RawMessage {
	quoted, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return json.RawMessage(quoted)
}

func plaintextUpdate(feedID string, ts int64, data []byte) []byte {
	return marshalMessage(serverMessage{
		Type:      msgUpdate,
		FeedID:    feedID,
		Timestamp: ts,
		Data:      payloadJSON(data),
	})
}

func encryptedUpdate(feedID string, ts int64, ciphertext []byte) []byte {
	return marshalMessage(serverMessage{
		Type:      msgUpdate,
		FeedID:    feedID,
		Timestamp: ts,
		Encrypted: true,
		Data:      ciphertextJSON(ciphertext),
	})
}
