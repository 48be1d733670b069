package hub

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestPayloadJSONPassthrough(t *testing.T) {
	raw := []byte(`{"t":21.5}`)
	if got := payloadJSON(raw); string(got) != `{"t":21.5}` {
		t.Errorf("got %s", got)
	}
}

func TestPayloadJSONWrapsBinary(t *testing.T) {
	raw := []byte{0xFF, 0x00, 0x01}
	got := payloadJSON(raw)
	var s string
	if err := json.Unmarshal(got, &s); err != nil {
		t.Fatalf("not a JSON string: %s", got)
	}
	if s != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("got %q", s)
	}
}

func TestEncryptedUpdateShape(t *testing.T) {
	frame := encryptedUpdate("air-9", 123, []byte{0x01, 0x02})
	var m serverMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != msgUpdate || m.FeedID != "air-9" || m.Timestamp != 123 || !m.Encrypted {
		t.Errorf("frame = %+v", m)
	}
}

func TestPlaintextUpdateOmitsEncrypted(t *testing.T) {
	frame := plaintextUpdate("weather-1", 123, []byte(`{"t":1}`))
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(frame, &generic); err != nil {
		t.Fatal(err)
	}
	if _, present := generic["encrypted"]; present {
		t.Error("plaintext update carries encrypted key")
	}
}
