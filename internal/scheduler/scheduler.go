package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/macjediwizard/calpush/internal/caldav"
	"github.com/sirupsen/logrus"
)

const (
	cleanupInterval  = 24 * time.Hour
	runRetentionDays = 30
	syncTimeout      = 10 * time.Minute // Maximum time for a single push run
	minInterval      = 30 * time.Second
)

// Runner performs one push run.
type Runner interface {
	SyncOnce(ctx context.Context) (*caldav.RunResult, error)
}

// Cleaner deletes stored runs older than a cutoff.
type Cleaner interface {
	CleanOldSyncRuns(olderThan time.Time) (int64, error)
}

// Scheduler runs push runs on an interval and on demand. At most one run is
// in flight at a time.
type Scheduler struct {
	runner  Runner
	cleaner Cleaner
	log     *logrus.Entry

	mu       sync.RWMutex
	interval time.Duration
	ticker   *time.Ticker
	resetCh  chan time.Duration
	syncLock sync.Mutex // held while a run is in flight
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// New creates a new scheduler. cleaner may be nil.
func New(runner Runner, cleaner Cleaner, interval time.Duration, log *logrus.Entry) *Scheduler {
	if interval < minInterval {
		interval = minInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		cleaner:  cleaner,
		log:      log.WithField("component", "scheduler"),
		interval: interval,
		resetCh:  make(chan time.Duration, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs a push immediately and then on every tick.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ticker = time.NewTicker(s.interval)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop()

	if s.cleaner != nil {
		s.wg.Add(1)
		go s.cleanupRoutine()
	}

	s.log.WithField("interval", s.interval).Info("Scheduler started")
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for a run in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.ticker.Stop()
	s.mu.Unlock()
	s.log.Info("Scheduler stopped")
}

// UpdateInterval changes the interval between runs.
func (s *Scheduler) UpdateInterval(interval time.Duration) {
	if interval < minInterval {
		interval = minInterval
	}
	s.mu.Lock()
	s.interval = interval
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	// Only the latest interval matters.
	select {
	case <-s.resetCh:
	default:
	}
	select {
	case s.resetCh <- interval:
	default:
	}
	s.log.WithField("interval", interval).Info("Updated sync interval")
}

// Interval returns the current interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// TriggerSync starts a run in the background. It returns false when a run
// is already in flight.
func (s *Scheduler) TriggerSync() bool {
	if !s.syncLock.TryLock() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.syncLock.Unlock()
		s.runLocked()
	}()
	return true
}

// IsRunning reports whether a run is in flight.
func (s *Scheduler) IsRunning() bool {
	if s.syncLock.TryLock() {
		s.syncLock.Unlock()
		return false
	}
	return true
}

// runLoop runs the sync loop.
func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	s.executeSync()

	s.mu.RLock()
	ticker := s.ticker
	s.mu.RUnlock()

	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			s.executeSync()
		}
	}
}

// executeSync runs a push unless one is already in flight.
func (s *Scheduler) executeSync() {
	if !s.syncLock.TryLock() {
		s.log.Info("Skipping sync - another run is already in progress")
		return
	}
	defer s.syncLock.Unlock()
	s.runLocked()
}

func (s *Scheduler) runLocked() {
	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	result, err := s.runner.SyncOnce(ctx)
	if err != nil {
		s.log.WithError(err).Error("Sync failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"run_id":    result.RunID,
		"created":   result.Created,
		"updated":   result.Updated,
		"recovered": result.Recovered,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"duration":  result.Duration,
	}).Info("Sync completed")
}

// cleanupRoutine runs periodic cleanup of old runs.
func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldRuns()
		}
	}
}

// cleanupOldRuns deletes runs older than the retention period.
func (s *Scheduler) cleanupOldRuns() {
	cutoff := time.Now().AddDate(0, 0, -runRetentionDays)
	deleted, err := s.cleaner.CleanOldSyncRuns(cutoff)
	if err != nil {
		s.log.WithError(err).Error("Failed to clean old sync runs")
		return
	}
	if deleted > 0 {
		s.log.WithField("deleted", deleted).Info("Cleaned old sync runs")
	}
}
