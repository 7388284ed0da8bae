// Package retention prunes old request ledger entries on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultDays keeps a month of request history.
	DefaultDays = 30
	// DefaultSchedule runs daily at 03:00 local time.
	DefaultSchedule = "0 3 * * *"
)

// Cleaner deletes entries older than a number of days.
type Cleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Observer receives the number of rows removed by each run.
type Observer interface {
	RetentionDeleted(n int64)
}

// Config controls the retention window and schedule.
type Config struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

// Scheduler runs Cleanup on a cron schedule.
type Scheduler struct {
	cleaner  Cleaner
	observer Observer
	cfg      Config

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler constructs a stopped scheduler. observer may be nil.
func NewScheduler(cleaner Cleaner, observer Observer, cfg Config) *Scheduler {
	return &Scheduler{
		cleaner:  cleaner,
		observer: observer,
		cfg:      cfg,
		cron:     cron.New(),
	}
}

// RunOnce performs one cleanup pass.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	if s.cfg.Days <= 0 {
		return 0, nil
	}
	began := time.Now()
	deleted, errCleanup := s.cleaner.Cleanup(ctx, s.cfg.Days)
	if errCleanup != nil {
		return 0, fmt.Errorf("retention: cleanup: %w", errCleanup)
	}
	if s.observer != nil {
		s.observer.RetentionDeleted(deleted)
	}
	if deleted > 0 {
		log.WithFields(log.Fields{
			"deleted":  deleted,
			"days":     s.cfg.Days,
			"duration": time.Since(began).String(),
		}).Info("retention: pruned request logs")
	} else {
		log.Debug("retention: nothing to prune")
	}
	return deleted, nil
}

// Start schedules cleanup runs until ctx is done. An empty schedule or a
// non-positive retention disables the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.cfg.Schedule == "" || s.cfg.Days <= 0 {
		log.Info("retention: disabled")
		return nil
	}
	if _, errParse := cron.ParseStandard(s.cfg.Schedule); errParse != nil {
		return fmt.Errorf("retention: invalid schedule %q: %w", s.cfg.Schedule, errParse)
	}
	if _, errAdd := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, errRun := s.RunOnce(ctx); errRun != nil {
			log.WithError(errRun).Error("retention: scheduled run failed")
		}
	}); errAdd != nil {
		return fmt.Errorf("retention: schedule: %w", errAdd)
	}
	s.cron.Start()
	s.running = true
	log.Infof("retention: keeping %d days, schedule %q", s.cfg.Days, s.cfg.Schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// NextRun returns the next scheduled run, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
