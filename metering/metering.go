// Package metering records delivered updates for billing and usage
// reporting. Recording is best-effort: a metering failure never affects
// delivery.
package metering

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// Delivery is one fanned-out update to one subscriber identity.
type Delivery struct {
	bun.BaseModel `bun:"table:feedgate.deliveries,alias:d"`

	ID          int64     `bun:"id,pk,autoincrement"`
	FeedID      string    `bun:"feed_id,notnull"`
	Identity    string    `bun:"identity,notnull"`
	Encrypted   bool      `bun:"encrypted,notnull"`
	Outcome     string    `bun:"outcome,notnull"`
	DeliveredAt time.Time `bun:"delivered_at,nullzero,notnull,default:current_timestamp"`
}

// Recorder writes delivery rows through bun.
type Recorder struct {
	db  *bun.DB
	log *logrus.Entry
}

func NewRecorder(db *bun.DB, log *logrus.Logger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{db: db, log: log.WithField("component", "metering")}
}

func (r *Recorder) LogDelivery(ctx context.Context, feedID, identity string, encrypted bool, outcome string) error {
	if r.db == nil {
		return nil
	}
	_, err := r.db.NewInsert().Model(&Delivery{
		FeedID:    feedID,
		Identity:  identity,
		Encrypted: encrypted,
		Outcome:   outcome,
	}).Exec(ctx)
	if err != nil {
		r.log.WithError(err).Debug("delivery insert failed")
	}
	return err
}

// UsageSince returns per-identity delivery counts for a feed, for usage
// counter reconciliation against the ledger.
func (r *Recorder) UsageSince(ctx context.Context, feedID string, since time.Time) (map[string]int64, error) {
	if r.db == nil {
		return map[string]int64{}, nil
	}
	var rows []struct {
		Identity string `bun:"identity"`
		Count    int64  `bun:"count"`
	}
	err := r.db.NewSelect().
		Model((*Delivery)(nil)).
		Column("identity").
		ColumnExpr("COUNT(*) AS count").
		Where("feed_id = ?", feedID).
		Where("delivered_at >= ?", since).
		Group("identity").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Identity] = row.Count
	}
	return out, nil
}
