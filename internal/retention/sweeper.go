// Package retention prunes closed-epoch records on a cron schedule. The
// current epoch of every room is never touched, so live conversations and
// seq positions are unaffected.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/roomrelay/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Schedule string // cron expression, e.g. "0 3 * * *"
	Days     int    // prune closed epochs older than this many days
}

// Sweeper deletes records of closed epochs past the retention window.
type Sweeper struct {
	store    *store.Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	days     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. An unparsable schedule is an error; days
// must be positive or the sweeper should not be started at all.
func NewSweeper(cfg Config) (*Sweeper, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: sched,
		days:     cfg.Days,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "days", s.days, "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.days) * 24 * time.Hour)
	pruned, err := s.store.PruneClosedEpochs(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("retention sweep", "pruned_records", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
