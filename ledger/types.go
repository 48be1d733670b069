package ledger

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Feed is the ledger's view of a published data feed. The engine treats it as
// read-only and refreshes it on demand; the ledger owns all mutations.
type Feed struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Gated          bool      `json:"gated"`
	Active         bool      `json:"active"`
	CurrentBlobRef string    `json:"currentBlobRef"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// Entitlement is a holder's grant to one feed. Expiry is an epoch counter,
// not wall-clock; the ledger advances it on its own schedule.
type Entitlement struct {
	ID           string `json:"id"`
	Holder       string `json:"holder"`
	FeedID       string `json:"feedId"`
	Active       bool   `json:"active"`
	ExpiryEpoch  uint64 `json:"expiryEpoch"`
	UsageCounter uint64 `json:"usageCounter"`
}

// Grants reports whether this entitlement authorizes principal to read feedID
// at the given epoch. This must match the ledger's own access policy exactly.
func (e *Entitlement) Grants(principal, feedID string, nowEpoch uint64) bool {
	if e == nil {
		return false
	}
	return e.Active && e.Holder == principal && e.FeedID == feedID && nowEpoch <= e.ExpiryEpoch
}

// ValidatePrincipal checks that s is a plausible base58 account address.
func ValidatePrincipal(s string) error {
	if s == "" {
		return fmt.Errorf("ledger: empty principal")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("ledger: principal is not base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("ledger: principal must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// PrincipalBytes decodes a base58 principal into its raw 32-byte form.
func PrincipalBytes(s string) ([]byte, error) {
	if err := ValidatePrincipal(s); err != nil {
		return nil, err
	}
	return base58.Decode(s)
}
