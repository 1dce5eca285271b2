// Package scheduler runs the background maintenance jobs: stale
// connection sweeps, delayed-job promotion, stuck-job recovery, and
// queue retention.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/queue"
)

const (
	sweepSpec    = "*/30 * * * * *" // stale connection sweep
	promoteSpec  = "*/15 * * * * *" // delayed job promotion
	recoverSpec  = "0 */5 * * * *"  // stuck job recovery
	purgeSpec    = "0 0 3 * * *"    // nightly retention
	jobRetention = 7 * 24 * time.Hour
	taskTimeout  = 30 * time.Second
)

// Sweeper closes connections that stopped heartbeating. The hub
// implements it.
type Sweeper interface {
	SweepStale() int
}

type Scheduler struct {
	cron       *cron.Cron
	sweeper    Sweeper
	queue      *queue.SQLiteQueue
	stuckAfter time.Duration
}

func New(sweeper Sweeper, q *queue.SQLiteQueue, stuckAfter time.Duration) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		sweeper:    sweeper,
		queue:      q,
		stuckAfter: stuckAfter,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(sweepSpec, s.sweepStale); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(promoteSpec, s.promoteDelayed); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(recoverSpec, s.recoverStuck); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(purgeSpec, s.purgeFinished); err != nil {
		return err
	}
	s.cron.Start()
	logger.Success("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Success("Scheduler stopped")
}

func (s *Scheduler) sweepStale() {
	if n := s.sweeper.SweepStale(); n > 0 {
		logger.Info("Swept %d stale connection(s)", n)
	}
}

func (s *Scheduler) promoteDelayed() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	n, err := s.queue.PromoteDelayed(ctx)
	if err != nil {
		logger.Error("Failed to promote delayed jobs: %v", err)
		return
	}
	if n > 0 {
		logger.Info("Promoted %d delayed job(s)", n)
	}
}

func (s *Scheduler) recoverStuck() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	n, err := s.queue.RecoverStuck(ctx, s.stuckAfter)
	if err != nil {
		logger.Error("Failed to recover stuck jobs: %v", err)
		return
	}
	if n > 0 {
		logger.Warn("Recovered %d stuck job(s)", n)
	}
}

func (s *Scheduler) purgeFinished() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	n, err := s.queue.PurgeFinished(ctx, jobRetention)
	if err != nil {
		logger.Error("Failed to purge finished jobs: %v", err)
		return
	}
	if n > 0 {
		logger.Info("Purged %d finished job(s)", n)
	}
}
