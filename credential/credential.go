// Package credential defines the ephemeral decryption credential a client
// hands the engine after its out-of-band authorization handshake, and the
// store that keeps at most one live credential per client identity.
package credential

import (
	"context"
	"time"
)

// Credential is opaque decryption material tied to one holder principal and
// one distribution namespace. The engine never inspects Token or SessionKey;
// it only enforces the expiry.
type Credential struct {
	Token      string    `json:"token"`
	SessionKey string    `json:"sessionKey,omitempty"`
	Namespace  string    `json:"namespace,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the credential is past its absolute expiry.
func (c *Credential) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.ExpiresAt)
}

// Store keeps at most one live credential per client identity.
//
// Put is insert-if-absent: it returns false and does nothing when a live
// entry already exists (first-offered-wins). Get treats an expired entry as
// absent and clears it. Clear removes any entry; it is how the engine purges
// a credential the moment a use reports it expired.
type Store interface {
	Get(ctx context.Context, identity string) (*Credential, bool, error)
	Put(ctx context.Context, identity string, cred Credential) (bool, error)
	Clear(ctx context.Context, identity string) error
}
