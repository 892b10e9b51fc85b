package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const pruneTimeout = time.Minute

// Janitor deletes expired sessions on a cron schedule.
type Janitor struct {
	cron   *cron.Cron
	store  SessionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor registers the prune job. It does not start the scheduler.
func NewJanitor(schedule string, store SessionStore, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("session prune schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("session janitor started")
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("session janitor stopped")
}

// Prune removes every session that has expired.
func (j *Janitor) Prune(ctx context.Context) (int, error) {
	return j.store.PruneSessions(ctx, j.now())
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	n, err := j.Prune(ctx)
	if err != nil {
		j.logger.Warn("session prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned expired sessions", "count", n)
	}
}
