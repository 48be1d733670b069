// Package oracle answers whether a principal may access a feed, by reading
// the ledger's entitlement records. It reproduces the ledger's own access
// policy so the distribution engine never disagrees with the chain.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/feedgate/ledger"
)

var (
	// ErrDenied means the ledger was consulted and says no.
	ErrDenied = errors.New("oracle: access denied")
	// ErrUnavailable means the ledger could not be consulted. Callers must
	// treat this as "not authorized" (fail closed) but may retry.
	ErrUnavailable = errors.New("oracle: ledger unavailable")
)

// Oracle decides feed access. It has no side effects and caches nothing.
type Oracle struct {
	reader  ledger.Reader
	timeout time.Duration
	log     *logrus.Entry
}

// New builds an oracle over the given ledger reader.
// If timeout <= 0, a default of 5 seconds is used per external read.
func New(reader ledger.Reader, timeout time.Duration, log *logrus.Logger) *Oracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Oracle{
		reader:  reader,
		timeout: timeout,
		log:     log.WithField("component", "oracle"),
	}
}

// Authorize reports whether principal holds a valid, active, unexpired
// entitlement (entitlementRef) for feedID at the ledger's current epoch.
// Returns nil when authorized, ErrDenied when the ledger refuses, and
// ErrUnavailable when the ledger cannot be read.
func (o *Oracle) Authorize(ctx context.Context, principal, feedID, entitlementRef string) error {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	epoch, err := o.reader.CurrentEpoch(cctx)
	if err != nil {
		o.log.WithError(err).Warn("epoch read failed, failing closed")
		return ErrUnavailable
	}
	return o.AuthorizeAt(ctx, principal, feedID, entitlementRef, epoch)
}

// AuthorizeAt is Authorize with the epoch supplied by the caller.
func (o *Oracle) AuthorizeAt(ctx context.Context, principal, feedID, entitlementRef string, nowEpoch uint64) error {
	if principal == "" || feedID == "" || entitlementRef == "" {
		return ErrDenied
	}
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ent, err := o.reader.GetEntitlement(cctx, entitlementRef)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrDenied
		}
		o.log.WithError(err).WithField("entitlement", entitlementRef).Warn("entitlement read failed, failing closed")
		return ErrUnavailable
	}
	if !ent.Grants(principal, feedID, nowEpoch) {
		o.log.WithFields(logrus.Fields{
			"principal":   principal,
			"feed":        feedID,
			"entitlement": entitlementRef,
			"epoch":       nowEpoch,
		}).Debug("entitlement does not grant access")
		return ErrDenied
	}
	return nil
}

// Feed fetches the feed record, with the same fail-closed timeout policy.
func (o *Oracle) Feed(ctx context.Context, feedID string) (*ledger.Feed, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	f, err := o.reader.GetFeed(cctx, feedID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrDenied
		}
		return nil, ErrUnavailable
	}
	if !f.Active {
		return nil, ErrDenied
	}
	return f, nil
}
