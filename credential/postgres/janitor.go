package pgcred

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Janitor sweeps expired credential rows on a schedule. Lazy expiry in Get
// already keeps reads correct; the sweep keeps the table from growing with
// rows no one asks for again.
type Janitor struct {
	store *Store
	cron  *cron.Cron
	log   *logrus.Entry
}

// NewJanitor builds a janitor over the store. If spec is empty,
// "@every 5m" is used.
func NewJanitor(store *Store, spec string, log *logrus.Logger) (*Janitor, error) {
	if spec == "" {
		spec = "@every 5m"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	j := &Janitor{
		store: store,
		cron:  cron.New(),
		log:   log.WithField("component", "credential-janitor"),
	}
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := j.store.SweepExpired(ctx)
	if err != nil {
		j.log.WithError(err).Warn("credential sweep failed")
		return
	}
	if n > 0 {
		j.log.WithField("purged", n).Info("swept expired credentials")
	}
}

// Start begins the schedule.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
