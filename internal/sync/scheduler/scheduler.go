// Package scheduler runs the background work of the scan queue: automatic
// sync after reconnecting and the periodic retention pass.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/kimhsiao/scanqueue/internal/network"
	"github.com/kimhsiao/scanqueue/internal/queue"
	syncpkg "github.com/kimhsiao/scanqueue/internal/sync"
	"github.com/robfig/cron/v3"
)

// Syncer runs a sync pass over pending scans.
type Syncer interface {
	SyncNow(ctx context.Context) (syncpkg.BatchSyncResult, error)
}

// Maintainer is the part of the queue the scheduler maintains.
type Maintainer interface {
	CountByStatus(ctx context.Context, status models.ScanStatus) (int, error)
	Cleanup(ctx context.Context, opts queue.CleanupOptions) (int, error)
	FindExceedingRetries(ctx context.Context, maxRetries int) ([]*models.QueuedScan, error)
	Available(ctx context.Context) bool
}

// ReconnectSource notifies about offline to online transitions.
type ReconnectSource interface {
	OnReconnect(cb func(), opts network.ReconnectOptions) func()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	AutoSync          bool          // Sync pending scans after reconnecting (default: true)
	ReconnectDebounce time.Duration // How long the link must stay up first (default: 2 seconds)
	SyncTimeout       time.Duration // Upper bound for one automatic pass (default: 5 minutes)
	CleanupSchedule   string        // Cron spec of the retention pass (default: @every 1h)
	Cleanup           queue.CleanupOptions
	ExceedingRetries  int // Threshold reported after each retention pass (default: 3)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		AutoSync:          true,
		ReconnectDebounce: network.DefaultReconnectDebounce,
		SyncTimeout:       5 * time.Minute,
		CleanupSchedule:   "@every 1h",
		Cleanup:           queue.DefaultCleanupOptions(),
		ExceedingRetries:  queue.DefaultExceedingRetries,
	}
}

// Scheduler manages background queue operations.
type Scheduler struct {
	engine  Syncer
	store   Maintainer
	monitor ReconnectSource
	config  SchedulerConfig

	cron        *cron.Cron
	unsubscribe func()
	cancel      context.CancelFunc
	ctx         context.Context
	wg          sync.WaitGroup

	mu               sync.RWMutex
	isRunning        bool
	lastAutoSync     time.Time
	lastAutoResult   *syncpkg.BatchSyncResult
	lastCleanup      time.Time
	lastCleanupCount int
	exceeding        int
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning          bool                     `json:"isRunning"`
	AutoSync           bool                     `json:"autoSync"`
	LastAutoSync       *time.Time               `json:"lastAutoSync,omitempty"`
	LastAutoSyncResult *syncpkg.BatchSyncResult `json:"lastAutoSyncResult,omitempty"`
	LastCleanup        *time.Time               `json:"lastCleanup,omitempty"`
	LastCleanupRemoved int                      `json:"lastCleanupRemoved"`
	ExceedingRetries   int                      `json:"exceedingRetries"`
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Syncer, store Maintainer, monitor ReconnectSource, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config
	if cfg.ReconnectDebounce <= 0 {
		cfg.ReconnectDebounce = network.DefaultReconnectDebounce
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 1h"
	}
	if cfg.ExceedingRetries <= 0 {
		cfg.ExceedingRetries = queue.DefaultExceedingRetries
	}

	return &Scheduler{
		engine:  engine,
		store:   store,
		monitor: monitor,
		config:  cfg,
	}
}

// Start subscribes to reconnects and schedules the retention pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	))
	if _, err := c.AddFunc(s.config.CleanupSchedule, func() { s.RunCleanup(s.ctx) }); err != nil {
		return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("cleanup schedule %q", s.config.CleanupSchedule), err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = c
	s.unsubscribe = s.monitor.OnReconnect(s.onReconnect, network.ReconnectOptions{
		Debounce: s.config.ReconnectDebounce,
		Enabled:  s.config.AutoSync,
	})
	c.Start()
	s.isRunning = true

	logging.Info("Background scheduler started", map[string]interface{}{
		"auto_sync":        s.config.AutoSync,
		"cleanup_schedule": s.config.CleanupSchedule,
	})
	return nil
}

// Stop stops the scheduler gracefully, waiting for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe, c, cancel := s.unsubscribe, s.cron, s.cancel
	s.mu.Unlock()

	unsubscribe()
	<-c.Stop().Done()
	s.wg.Wait()
	cancel()

	logging.Info("Background scheduler stopped", nil)
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) onReconnect() {
	s.mu.RLock()
	running := s.isRunning
	if running {
		s.wg.Add(1)
	}
	ctx := s.ctx
	s.mu.RUnlock()
	if !running {
		return
	}
	defer s.wg.Done()

	s.autoSync(ctx)
}

// autoSync runs one automatic pass when storage is usable and there is
// pending work. Its result only reaches the queue state, not the UI
// callbacks of manual passes.
func (s *Scheduler) autoSync(ctx context.Context) {
	if !s.store.Available(ctx) {
		logging.Warn("Skipping automatic sync - storage unavailable", nil)
		return
	}

	pending, err := s.store.CountByStatus(ctx, models.ScanStatusPending)
	if err != nil {
		logging.Error("Failed to count pending scans", err, nil)
		return
	}
	if pending == 0 {
		logging.Debug("Skipping automatic sync - nothing pending", nil)
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	logging.Info("Starting automatic sync after reconnect", map[string]interface{}{"pending": pending})
	result, err := s.engine.SyncNow(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Automatic sync failed", string(errors.CodeOf(err)), err, nil)
		return
	}
	if result.Skipped {
		return
	}

	s.mu.Lock()
	s.lastAutoSync = time.Now()
	s.lastAutoResult = &result
	s.mu.Unlock()
}

// RunCleanup runs the retention pass and refreshes the count of scans that
// exhausted their retries.
func (s *Scheduler) RunCleanup(ctx context.Context) (int, error) {
	removed, err := s.store.Cleanup(ctx, s.config.Cleanup)
	if err != nil {
		logging.ErrorWithCode("Scheduled cleanup failed", string(errors.CodeOf(err)), err, nil)
		return 0, err
	}

	exceeding, err := s.store.FindExceedingRetries(ctx, s.config.ExceedingRetries)
	if err != nil {
		logging.Error("Failed to list scans exceeding retries", err, nil)
	} else if len(exceeding) > 0 {
		logging.Warn("Scans need operator attention", map[string]interface{}{
			"count":       len(exceeding),
			"max_retries": s.config.ExceedingRetries,
		})
	}

	s.mu.Lock()
	s.lastCleanup = time.Now()
	s.lastCleanupCount = removed
	if err == nil {
		s.exceeding = len(exceeding)
	}
	s.mu.Unlock()

	return removed, nil
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:          s.isRunning,
		AutoSync:           s.config.AutoSync,
		LastCleanupRemoved: s.lastCleanupCount,
		ExceedingRetries:   s.exceeding,
	}
	if !s.lastAutoSync.IsZero() {
		t := s.lastAutoSync
		status.LastAutoSync = &t
	}
	if s.lastAutoResult != nil {
		r := *s.lastAutoResult
		status.LastAutoSyncResult = &r
	}
	if !s.lastCleanup.IsZero() {
		t := s.lastCleanup
		status.LastCleanup = &t
	}
	return status
}

// cronLogger routes cron's own messages to the structured logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: "+msg, pairs(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron: "+msg, err, pairs(keysAndValues))
}

func pairs(keysAndValues []interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ctx[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return ctx
}
