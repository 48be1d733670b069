// Package hub owns live client connections, verifies feed bindings against
// the entitlement oracle, and fans every feed update out to exactly the
// bound, live connections — decrypting per identity where a credential
// allows it and degrading to marked ciphertext where it doesn't.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/feedgate/blob"
	"github.com/open-rails/feedgate/credential"
	"github.com/open-rails/feedgate/decrypt"
	"github.com/open-rails/feedgate/ledger"
	"github.com/open-rails/feedgate/oracle"
	"github.com/open-rails/feedgate/token"
)

// DeliveryLogger records delivered updates to an external sink.
// Implementations should be non-blocking and best-effort.
type DeliveryLogger interface {
	LogDelivery(ctx context.Context, feedID, identity string, encrypted bool, outcome string) error
}

// Revalidator schedules an out-of-band entitlement recheck after repeated
// decryption denials for an identity on a feed.
type Revalidator interface {
	EnqueueRevalidation(ctx context.Context, principal, feedID, entitlementRef string) error
}

// Config wires a Hub. Oracle, Plain, Cipher, Pipeline, and Credentials are
// required; the rest default to disabled.
type Config struct {
	Oracle      *oracle.Oracle
	Plain       blob.Fetcher // cached; non-gated payloads only
	Cipher      blob.Fetcher // uncached; gated ciphertext
	Pipeline    *decrypt.Pipeline
	Credentials credential.Store
	Tokens      token.Resolver
	Deliveries  DeliveryLogger
	Revalidator Revalidator
	// Consecutive denials before a revalidation job is enqueued.
	// If <= 0, 3 is used.
	DenialThreshold int
	Logger          *logrus.Logger
	CheckOrigin     func(*http.Request) bool
}

// Hub is the connection registry and broadcast engine.
type Hub struct {
	reg      *registry
	oracle   *oracle.Oracle
	plain    blob.Fetcher
	cipher   blob.Fetcher
	pipeline *decrypt.Pipeline
	creds    credential.Store
	tokens   token.Resolver
	meter    DeliveryLogger
	reval    Revalidator
	log      *logrus.Entry
	upgrader websocket.Upgrader

	denialMu        sync.Mutex
	denials         map[string]int // identity+"\x00"+feedID → consecutive denials
	denialThreshold int
}

// New builds a Hub from cfg.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	threshold := cfg.DenialThreshold
	if threshold <= 0 {
		threshold = 3
	}
	h := &Hub{
		reg:             newRegistry(),
		oracle:          cfg.Oracle,
		plain:           cfg.Plain,
		cipher:          cfg.Cipher,
		pipeline:        cfg.Pipeline,
		creds:           cfg.Credentials,
		tokens:          cfg.Tokens,
		meter:           cfg.Deliveries,
		reval:           cfg.Revalidator,
		log:             logger.WithField("component", "hub"),
		denials:         make(map[string]int),
		denialThreshold: threshold,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.CheckOrigin,
	}
	return h
}

// HandleWS upgrades the request and serves the connection until it dies.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := newConn(ws, h)
	go c.writePump()
	c.readPump()
}

// unregister removes the connection from all broadcast targets and closes it.
func (h *Hub) unregister(c *Conn) {
	if prev := c.clearBinding(); prev != "" {
		h.reg.remove(prev, c)
	}
	c.close()
}

func (h *Hub) deny(c *Conn, feedID, reason string, retryable bool) {
	c.trySend(marshalMessage(serverMessage{
		Type:      msgDenied,
		FeedID:    feedID,
		Reason:    reason,
		Retryable: retryable,
	}))
}

// handleBind authorizes and installs a feed binding. On any failure the
// connection keeps its previous binding and receives an explicit denial.
func (h *Hub) handleBind(c *Conn, msg clientMessage) {
	ctx := context.Background()
	if msg.FeedID == "" {
		c.protocolStrike("bind requires feedId")
		return
	}

	principal, entRef := msg.Principal, msg.EntitlementRef
	if msg.AccessToken != "" {
		if h.tokens == nil {
			h.deny(c, msg.FeedID, "access tokens not supported", false)
			return
		}
		access, err := h.tokens.Resolve(ctx, msg.AccessToken)
		if err != nil {
			h.deny(c, msg.FeedID, "invalid access token", false)
			return
		}
		if access.FeedID != "" && access.FeedID != msg.FeedID {
			h.deny(c, msg.FeedID, "access token not valid for this feed", false)
			return
		}
		principal, entRef = access.Principal, access.EntitlementRef
	}
	if err := ledger.ValidatePrincipal(principal); err != nil {
		h.deny(c, msg.FeedID, "invalid principal", false)
		return
	}
	if entRef == "" {
		h.deny(c, msg.FeedID, "missing entitlement reference", false)
		return
	}

	if _, err := h.oracle.Feed(ctx, msg.FeedID); err != nil {
		if err == oracle.ErrUnavailable {
			h.deny(c, msg.FeedID, "ledger unavailable, retry later", true)
		} else {
			h.deny(c, msg.FeedID, "unknown or inactive feed", false)
		}
		return
	}
	switch err := h.oracle.Authorize(ctx, principal, msg.FeedID, entRef); err {
	case nil:
	case oracle.ErrUnavailable:
		h.deny(c, msg.FeedID, "ledger unavailable, retry later", true)
		return
	default:
		h.deny(c, msg.FeedID, "no valid entitlement for feed", false)
		return
	}

	var supplied *credential.Credential
	if msg.Credential != nil && !msg.Credential.Expired(time.Now()) {
		supplied = msg.Credential
		if stored, err := h.creds.Put(ctx, principal, *supplied); err != nil {
			h.log.WithError(err).WithField("identity", principal).Warn("credential store put failed")
		} else if !stored {
			h.log.WithField("identity", principal).Debug("credential already cached, keeping first")
		}
	}

	prev := c.rebind(principal, msg.FeedID, entRef, supplied)
	if prev != "" && prev != msg.FeedID {
		h.reg.remove(prev, c)
	}
	h.reg.add(msg.FeedID, c)
	c.trySend(marshalMessage(serverMessage{Type: msgBound, FeedID: msg.FeedID}))
	h.log.WithFields(logrus.Fields{
		"conn":      c.id,
		"feed":      msg.FeedID,
		"principal": principal,
	}).Info("connection bound")
}

// handleUnbind clears the binding. Idempotent: unbinding an unbound
// connection just acks.
func (h *Hub) handleUnbind(c *Conn) {
	if prev := c.clearBinding(); prev != "" {
		h.reg.remove(prev, c)
	}
	c.trySend(marshalMessage(serverMessage{Type: msgUnbound}))
}

// delivery is one fan-out record for the meter.
type delivery struct {
	identity  string
	encrypted bool
	outcome   string
}

// OnFeedUpdate fans one feed update out to every bound, live connection.
// The blob is fetched once; for gated feeds decryption runs at most once per
// distinct client identity with a live credential, and every connection that
// can't be decrypted for still receives the ciphertext with a visible
// encrypted marker. A failure here affects this feed's cycle only.
func (h *Hub) OnFeedUpdate(ctx context.Context, feedID, blobRef string) error {
	log := h.log.WithFields(logrus.Fields{"feed": feedID, "blob": blobRef})
	feed, err := h.oracle.Feed(ctx, feedID)
	if err != nil {
		log.WithError(err).Warn("feed lookup failed, skipping cycle")
		return err
	}
	conns := h.reg.snapshot(feedID)
	if len(conns) == 0 {
		return nil
	}

	fetch := h.plain
	if feed.Gated {
		fetch = h.cipher
	}
	data, err := fetch.Fetch(ctx, blobRef)
	if err != nil {
		log.WithError(err).Warn("blob fetch failed, skipping cycle")
		return err
	}
	ts := time.Now().UnixMilli()

	if !feed.Gated {
		frame := plaintextUpdate(feedID, ts, data)
		var records []delivery
		for _, c := range conns {
			identity, bound, _, _ := c.binding()
			if bound != feedID {
				continue
			}
			if c.trySend(frame) {
				records = append(records, delivery{identity: identity, outcome: "plaintext"})
			}
		}
		h.record(feedID, records)
		return nil
	}

	h.broadcastGated(ctx, feed, conns, data, ts)
	return nil
}

// identityGroup is the set of a single identity's connections for one update
// cycle, plus the credential and entitlement used for its one decryption.
type identityGroup struct {
	conns  []*Conn
	entRef string
	cred   *credential.Credential
}

func (h *Hub) broadcastGated(ctx context.Context, feed *ledger.Feed, conns []*Conn, ciphertext []byte, ts int64) {
	now := time.Now()
	groups := make(map[string]*identityGroup)
	for _, c := range conns {
		identity, bound, entRef, supplied := c.binding()
		if bound != feed.ID || identity == "" {
			continue
		}
		g, ok := groups[identity]
		if !ok {
			g = &identityGroup{entRef: entRef}
			groups[identity] = g
		}
		g.conns = append(g.conns, c)
		if g.cred == nil && supplied != nil {
			if supplied.Expired(now) {
				c.dropSupplied()
			} else {
				g.cred = supplied
			}
		}
	}
	for identity, g := range groups {
		if g.cred != nil {
			continue
		}
		cred, ok, err := h.creds.Get(ctx, identity)
		if err != nil {
			h.log.WithError(err).WithField("identity", identity).Warn("credential store read failed")
			continue
		}
		if ok {
			g.cred = cred
		}
	}

	// One decryption per identity with a credential, run concurrently so a
	// slow key-release exchange for one identity never delays the others.
	results := make(map[string]decrypt.Result, len(groups))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for identity, g := range groups {
		if g.cred == nil {
			continue
		}
		wg.Add(1)
		go func(identity string, g *identityGroup) {
			defer wg.Done()
			res := h.pipeline.Decrypt(ctx, ciphertext, feed.ID, g.entRef, g.cred, identity)
			mu.Lock()
			results[identity] = res
			mu.Unlock()
		}(identity, g)
	}
	wg.Wait()

	encFrame := encryptedUpdate(feed.ID, ts, ciphertext)
	var records []delivery
	for identity, g := range groups {
		res, attempted := results[identity]
		outcome := "no-credential"
		frame := encFrame
		if attempted {
			outcome = res.Outcome.String()
			h.settleOutcome(ctx, identity, feed.ID, g, res)
			if res.Outcome == decrypt.OutcomeOK {
				frame = plaintextUpdate(feed.ID, ts, res.Plaintext)
			}
		}
		encrypted := !attempted || res.Outcome != decrypt.OutcomeOK
		for _, c := range g.conns {
			if c.trySend(frame) {
				records = append(records, delivery{identity: identity, encrypted: encrypted, outcome: outcome})
			}
		}
	}
	h.record(feed.ID, records)
}

// settleOutcome applies the credential and revalidation policy for one
// identity's decryption result.
func (h *Hub) settleOutcome(ctx context.Context, identity, feedID string, g *identityGroup, res decrypt.Result) {
	switch res.Outcome {
	case decrypt.OutcomeOK:
		h.resetDenials(identity, feedID)
	case decrypt.OutcomeCredentialExpired:
		// Purge immediately: an expired credential is never reused. Future
		// cycles fall back to ciphertext until the client supplies a new one.
		if err := h.creds.Clear(ctx, identity); err != nil {
			h.log.WithError(err).WithField("identity", identity).Warn("credential purge failed")
		}
		for _, c := range g.conns {
			c.dropSupplied()
		}
		h.log.WithFields(logrus.Fields{"identity": identity, "feed": feedID}).Info("credential expired, purged")
	case decrypt.OutcomeDenied:
		// The credential is retained: the denial may be about a stale view
		// of the entitlement. Repeated denials trigger a recheck.
		if h.countDenial(identity, feedID) && h.reval != nil {
			if err := h.reval.EnqueueRevalidation(ctx, identity, feedID, g.entRef); err != nil {
				h.log.WithError(err).Warn("revalidation enqueue failed")
			}
		}
	case decrypt.OutcomeUnavailable:
		h.log.WithFields(logrus.Fields{"identity": identity, "feed": feedID}).Debug("key release unavailable this cycle")
	}
}

func denialKey(identity, feedID string) string { return identity + "\x00" + feedID }

// countDenial bumps the consecutive-denial counter and reports whether the
// threshold was just crossed.
func (h *Hub) countDenial(identity, feedID string) bool {
	h.denialMu.Lock()
	defer h.denialMu.Unlock()
	k := denialKey(identity, feedID)
	h.denials[k]++
	return h.denials[k] == h.denialThreshold
}

func (h *Hub) resetDenials(identity, feedID string) {
	h.denialMu.Lock()
	defer h.denialMu.Unlock()
	delete(h.denials, denialKey(identity, feedID))
}

// RevokeBinding force-unbinds every connection of identity from feedID.
// The revalidation worker calls this when the ledger confirms the
// entitlement is gone. Returns the number of connections unbound.
func (h *Hub) RevokeBinding(feedID, identity string) int {
	n := 0
	for _, c := range h.reg.snapshot(feedID) {
		id, bound, _, _ := c.binding()
		if id != identity || bound != feedID {
			continue
		}
		c.clearBinding()
		h.reg.remove(feedID, c)
		c.trySend(marshalMessage(serverMessage{
			Type:   msgDenied,
			FeedID: feedID,
			Reason: "entitlement revoked",
		}))
		n++
	}
	if n > 0 {
		h.resetDenials(identity, feedID)
		h.log.WithFields(logrus.Fields{"identity": identity, "feed": feedID, "conns": n}).Info("bindings revoked")
	}
	return n
}

// record hands delivery records to the meter without blocking fan-out.
func (h *Hub) record(feedID string, records []delivery) {
	if h.meter == nil || len(records) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, d := range records {
			if err := h.meter.LogDelivery(ctx, feedID, d.identity, d.encrypted, d.outcome); err != nil {
				h.log.WithError(err).Debug("delivery log failed")
				return
			}
		}
	}()
}
