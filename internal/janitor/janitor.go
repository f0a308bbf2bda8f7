// Package janitor runs the scheduled age sweep over stored message logs.
// Retention trimming keeps the per-credential cap; the sweep bounds log age
// across all credentials.
package janitor

import (
	"context"
	"fmt"
	"time"

	cron "github.com/robfig/cron/v3"

	"fcmrelay/internal/logging"
	"fcmrelay/internal/metrics"
	"fcmrelay/internal/store"
)

// Janitor owns the cron scheduler for periodic store maintenance.
type Janitor struct {
	store   *store.Store
	log     *logging.Logger
	maxAge  time.Duration
	cron    *cron.Cron
	entryID cron.EntryID
}

// New creates a Janitor sweeping logs older than maxAgeDays on the given
// cron schedule. A maxAgeDays of 0 disables the sweep.
func New(s *store.Store, log *logging.Logger, schedule string, maxAgeDays int) (*Janitor, error) {
	j := &Janitor{
		store:  s,
		log:    log,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
		cron:   cron.New(),
	}
	if maxAgeDays == 0 {
		return j, nil
	}

	id, err := j.cron.AddFunc(schedule, j.sweep)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	j.entryID = id
	return j, nil
}

// Start begins the schedule. A no-op when the sweep is disabled.
func (j *Janitor) Start() {
	if j.maxAge == 0 {
		return
	}
	j.cron.Start()
	j.log.Info("age sweep scheduled", "max_age", j.maxAge)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.maxAge)
	n, err := j.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		j.log.Error("age sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.MessagesSwept.Add(float64(n))
	}
	j.log.Info("age sweep complete", "deleted", n, "cutoff", cutoff)
}
