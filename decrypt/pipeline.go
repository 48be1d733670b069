package decrypt

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/feedgate/credential"
)

// Outcome classifies one decryption attempt. The hub's delivery policy keys
// off this: OutcomeCredentialExpired purges the stored credential, every
// non-OK outcome degrades that delivery to ciphertext.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCredentialExpired
	OutcomeDenied
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeCredentialExpired:
		return "credential-expired"
	case OutcomeDenied:
		return "denied"
	default:
		return "unavailable"
	}
}

// Result is the outcome of one per-identity decryption attempt.
type Result struct {
	Outcome   Outcome
	Plaintext []byte
	Err       error
}

// Pipeline turns gated-feed ciphertext into plaintext for one principal.
type Pipeline struct {
	releaser  KeyReleaser
	namespace string
	now       func() time.Time
	log       *logrus.Entry
}

// NewPipeline builds a pipeline for one distribution namespace.
func NewPipeline(releaser KeyReleaser, namespace string, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		releaser:  releaser,
		namespace: namespace,
		now:       time.Now,
		log:       log.WithField("component", "decrypt"),
	}
}

// Decrypt attempts to reconstruct plaintext for principal using cred.
//
// An envelope whose namespace or identity does not match the feed is a hard
// denial and is never sent to the key-release service. A locally expired
// credential short-circuits with OutcomeCredentialExpired, also without a
// service round trip. A service denial keeps the credential: the denial may
// reflect a stale view of the entitlement, not bad material.
func (p *Pipeline) Decrypt(ctx context.Context, ciphertext []byte, feedID, entitlementRef string, cred *credential.Credential, principal string) Result {
	env, err := ParseEnvelope(ciphertext)
	if err != nil {
		return Result{Outcome: OutcomeDenied, Err: err}
	}
	if env.Namespace != p.namespace || !bytes.Equal(env.Identity, []byte(feedID)) {
		p.log.WithFields(logrus.Fields{
			"feed":      feedID,
			"namespace": env.Namespace,
		}).Warn("envelope identity mismatch")
		return Result{Outcome: OutcomeDenied, Err: errors.New("decrypt: envelope identity mismatch")}
	}
	if cred.Expired(p.now()) {
		return Result{Outcome: OutcomeCredentialExpired, Err: ErrCredentialRejected}
	}
	if cred.Namespace != "" && cred.Namespace != p.namespace {
		return Result{Outcome: OutcomeDenied, Err: errors.New("decrypt: credential namespace mismatch")}
	}

	key, err := p.releaser.RequestKeys(ctx, KeyRequest{
		Namespace:      env.Namespace,
		Identity:       env.Identity,
		FeedID:         feedID,
		EntitlementRef: entitlementRef,
		Principal:      principal,
		CredentialTok:  cred.Token,
		SessionKey:     cred.SessionKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrCredentialRejected):
		return Result{Outcome: OutcomeCredentialExpired, Err: err}
	case errors.Is(err, ErrKeyDenied):
		return Result{Outcome: OutcomeDenied, Err: err}
	default:
		p.log.WithError(err).WithField("feed", feedID).Warn("key release unavailable")
		return Result{Outcome: OutcomeUnavailable, Err: err}
	}

	pt, err := env.Open(key)
	if err != nil {
		// Released material that cannot open the envelope means the service
		// derived a key for something else. Treat as denial, not retry.
		p.log.WithError(err).WithField("feed", feedID).Warn("released key failed to open envelope")
		return Result{Outcome: OutcomeDenied, Err: err}
	}
	return Result{Outcome: OutcomeOK, Plaintext: pt}
}
