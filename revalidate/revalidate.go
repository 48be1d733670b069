// Package revalidate rechecks an entitlement after the key-release service
// has repeatedly denied decryption for it. Persistent denial usually means
// the ledger revoked access after the binding was authorized; the recheck
// either confirms the subscriber is still entitled (stale service view,
// keep degrading to ciphertext) or force-unbinds them.
package revalidate

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/feedgate/oracle"
)

// Args identifies one (principal, feed, entitlement) triple to recheck.
type Args struct {
	Principal      string `json:"principal"`
	FeedID         string `json:"feedId"`
	EntitlementRef string `json:"entitlementRef"`
}

func (Args) Kind() string { return "feedgate.revalidate" }

func (Args) InsertOpts() river.InsertOpts {
	// One pending recheck per triple; the hub may cross the denial
	// threshold again before the worker runs.
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// Binder is the slice of the hub the worker needs.
type Binder interface {
	RevokeBinding(feedID, identity string) int
}

// Worker performs the recheck.
type Worker struct {
	river.WorkerDefaults[Args]

	oracle *oracle.Oracle
	binder Binder
	log    *logrus.Entry
}

func NewWorker(o *oracle.Oracle, binder Binder, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{oracle: o, binder: binder, log: log.WithField("component", "revalidate")}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[Args]) error {
	a := job.Args
	err := w.oracle.Authorize(ctx, a.Principal, a.FeedID, a.EntitlementRef)
	switch {
	case err == nil:
		// Still entitled; the denials were a stale service view. Leave the
		// binding alone, deliveries keep degrading to ciphertext.
		w.log.WithFields(logrus.Fields{"principal": a.Principal, "feed": a.FeedID}).
			Debug("entitlement still valid, binding kept")
		return nil
	case errors.Is(err, oracle.ErrDenied):
		n := w.binder.RevokeBinding(a.FeedID, a.Principal)
		w.log.WithFields(logrus.Fields{"principal": a.Principal, "feed": a.FeedID, "conns": n}).
			Info("entitlement revoked on ledger, bindings dropped")
		return nil
	default:
		// Ledger unavailable: let river retry with backoff.
		return err
	}
}

// Enqueuer adapts a river client to the hub's Revalidator seam.
type Enqueuer struct {
	client *river.Client[pgx.Tx]
}

func NewEnqueuer(client *river.Client[pgx.Tx]) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) EnqueueRevalidation(ctx context.Context, principal, feedID, entitlementRef string) error {
	_, err := e.client.Insert(ctx, Args{
		Principal:      principal,
		FeedID:         feedID,
		EntitlementRef: entitlementRef,
	}, nil)
	return err
}

// NewClient assembles a river client with the revalidation worker
// registered. The caller starts and stops it.
func NewClient(pool *pgxpool.Pool, o *oracle.Oracle, binder Binder, log *logrus.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewWorker(o, binder, log))
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers: workers,
	})
}
