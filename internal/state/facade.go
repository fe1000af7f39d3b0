package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/kimhsiao/scanqueue/internal/queue"
	syncpkg "github.com/kimhsiao/scanqueue/internal/sync"
)

// lastSyncKey persists LastSyncAt across restarts.
const lastSyncKey = "last_sync_at"

// UnavailableMessage is recorded as LastSyncError in degraded mode.
const UnavailableMessage = "offline storage unavailable"

// QueueStore is the part of the queue the facade needs. *queue.Store
// satisfies it.
type QueueStore interface {
	Add(ctx context.Context, payload string, meta *models.ScanMetadata) (*models.QueuedScan, error)
	IsDuplicate(ctx context.Context, payload string, window time.Duration) (bool, error)
	DeleteMany(ctx context.Context, ids []string) error
	UpdateStatus(ctx context.Context, id string, status models.ScanStatus, errMsg string) (*models.QueuedScan, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Available(ctx context.Context) bool
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}

// Snapshot is the indicator state at a point in time.
type Snapshot struct {
	QueueCount     int        `json:"queueCount"`
	PendingCount   int        `json:"pendingCount"`
	FailedCount    int        `json:"failedCount"`
	SyncingCount   int        `json:"syncingCount"`
	SyncInProgress bool       `json:"syncInProgress"`
	LastSyncAt     *time.Time `json:"lastSyncAt"`
	LastSyncError  string     `json:"lastSyncError,omitempty"`
	DBAvailable    bool       `json:"isDbAvailable"`
	DBChecked      bool       `json:"dbChecked"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Options configures a Facade.
type Options struct {
	Clock           clockwork.Clock
	DuplicateWindow time.Duration
}

// Facade coordinates the queue store and the observers of its state.
type Facade struct {
	store  QueueStore
	clock  clockwork.Clock
	window time.Duration

	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers map[uint64]func(Snapshot)
	nextID      uint64
	closed      bool
}

// New creates a Facade. It performs no I/O; call CheckDBAvailability to
// probe the storage.
func New(store QueueStore, opts Options) *Facade {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	window := opts.DuplicateWindow
	if window <= 0 {
		window = queue.DefaultDuplicateWindow
	}
	return &Facade{
		store:       store,
		clock:       clock,
		window:      window,
		subscribers: make(map[uint64]func(Snapshot)),
	}
}

// Close drops every subscriber. Later changes are still applied to the
// snapshot but nobody is notified.
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subscribers = make(map[uint64]func(Snapshot))
}

// Snapshot returns a copy of the current state.
func (f *Facade) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copySnapshot(f.snapshot)
}

func copySnapshot(s Snapshot) Snapshot {
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	return s
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (f *Facade) Subscribe(fn func(Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return func() {}
	}
	id := f.nextID
	f.nextID++
	f.subscribers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subscribers, id)
	}
}

// update applies mutate under the lock and notifies subscribers outside it.
func (f *Facade) update(mutate func(s *Snapshot)) {
	f.mu.Lock()
	mutate(&f.snapshot)
	f.snapshot.UpdatedAt = f.clock.Now()
	snap := copySnapshot(f.snapshot)
	subs := make([]func(Snapshot), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// CheckDBAvailability probes the storage and, when it works, restores the
// persisted LastSyncAt and refreshes the counts.
func (f *Facade) CheckDBAvailability(ctx context.Context) bool {
	available := f.store.Available(ctx)

	var lastSync *time.Time
	if available {
		if raw, ok, err := f.store.GetState(ctx, lastSyncKey); err != nil {
			logging.Warn("Failed to read persisted last sync time", map[string]interface{}{"error": err.Error()})
		} else if ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				t := time.UnixMilli(ms)
				lastSync = &t
			}
		}
	} else {
		logging.Warn("Offline storage unavailable, running in degraded mode", nil)
	}

	f.update(func(s *Snapshot) {
		s.DBAvailable = available
		s.DBChecked = true
		if lastSync != nil {
			s.LastSyncAt = lastSync
		}
		if available && s.LastSyncError == UnavailableMessage {
			s.LastSyncError = ""
		}
	})

	if available {
		if err := f.RefreshQueueStats(ctx); err != nil {
			return false
		}
	}
	return available
}

// ensureAvailable probes the storage unless the last probe found it
// working, so degraded mode ends as soon as the storage comes back.
func (f *Facade) ensureAvailable(ctx context.Context) bool {
	f.mu.RLock()
	available := f.snapshot.DBChecked && f.snapshot.DBAvailable
	f.mu.RUnlock()
	if available {
		return true
	}
	return f.CheckDBAvailability(ctx)
}

// observe flips the facade into degraded mode when err says the storage
// is gone.
func (f *Facade) observe(err error) {
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		return
	}
	f.update(func(s *Snapshot) {
		s.DBAvailable = false
		s.LastSyncError = UnavailableMessage
	})
}

// RefreshQueueStats re-queries the counts. It does nothing while the
// storage is unavailable.
func (f *Facade) RefreshQueueStats(ctx context.Context) error {
	f.mu.RLock()
	available := f.snapshot.DBAvailable
	f.mu.RUnlock()
	if !available {
		return nil
	}

	stats, err := f.store.Stats(ctx)
	if err != nil {
		f.observe(err)
		return err
	}

	f.update(func(s *Snapshot) {
		s.QueueCount = stats.Total
		s.PendingCount = stats.Pending
		s.FailedCount = stats.Failed
		s.SyncingCount = stats.Syncing
	})
	return nil
}

// AddScan queues a scan and refreshes the counts. In degraded mode it
// refuses with STORAGE_UNAVAILABLE.
func (f *Facade) AddScan(ctx context.Context, payload string, meta *models.ScanMetadata) (*models.QueuedScan, error) {
	if !f.ensureAvailable(ctx) {
		f.update(func(s *Snapshot) { s.LastSyncError = UnavailableMessage })
		return nil, apperrors.StorageUnavailable(nil)
	}

	scan, err := f.store.Add(ctx, payload, meta)
	if err != nil {
		f.observe(err)
		return nil, err
	}

	if err := f.RefreshQueueStats(ctx); err != nil {
		logging.Warn("Failed to refresh queue stats", map[string]interface{}{"error": err.Error()})
	}
	return scan, nil
}

// CheckDuplicate reports whether payload was queued within the duplicate
// window. Without storage nothing can be a duplicate.
func (f *Facade) CheckDuplicate(ctx context.Context, payload string) (bool, error) {
	if !f.ensureAvailable(ctx) {
		return false, nil
	}
	dup, err := f.store.IsDuplicate(ctx, payload, f.window)
	if err != nil {
		f.observe(err)
		return false, err
	}
	return dup, nil
}

// RemoveScans deletes ids as one unit and refreshes the counts.
func (f *Facade) RemoveScans(ctx context.Context, ids []string) error {
	if err := f.store.DeleteMany(ctx, ids); err != nil {
		f.observe(err)
		return err
	}
	return f.RefreshQueueStats(ctx)
}

// UpdateScanStatus changes one scan's status and refreshes the counts.
func (f *Facade) UpdateScanStatus(ctx context.Context, id string, status models.ScanStatus, errMsg string) error {
	if _, err := f.store.UpdateStatus(ctx, id, status, errMsg); err != nil {
		f.observe(err)
		return err
	}
	return f.RefreshQueueStats(ctx)
}

// SetSyncInProgress sets the sync indicator.
func (f *Facade) SetSyncInProgress(inProgress bool) {
	f.update(func(s *Snapshot) { s.SyncInProgress = inProgress })
}

// SetLastSyncAt records and persists the end of a sync pass.
func (f *Facade) SetLastSyncAt(ctx context.Context, at time.Time) {
	f.update(func(s *Snapshot) { s.LastSyncAt = &at })

	if err := f.store.SetState(ctx, lastSyncKey, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		logging.Warn("Failed to persist last sync time", map[string]interface{}{"error": err.Error()})
	}
}

// SetLastSyncError records the last sync error; empty clears it.
func (f *Facade) SetLastSyncError(msg string) {
	f.update(func(s *Snapshot) { s.LastSyncError = msg })
}

// Reset clears the sync indicators and the persisted LastSyncAt, then
// re-reads the counts.
func (f *Facade) Reset(ctx context.Context) error {
	f.update(func(s *Snapshot) {
		s.SyncInProgress = false
		s.LastSyncAt = nil
		s.LastSyncError = ""
	})

	if f.Snapshot().DBAvailable {
		if err := f.store.DeleteState(ctx, lastSyncKey); err != nil {
			f.observe(err)
			return err
		}
	}
	return f.RefreshQueueStats(ctx)
}

// SyncHooks reports every sync pass, manual or automatic, into the facade.
func (f *Facade) SyncHooks() syncpkg.Hooks {
	return syncpkg.Hooks{
		OnStart: func() {
			f.SetSyncInProgress(true)
		},
		OnComplete: func(result syncpkg.BatchSyncResult) {
			ctx := context.Background()
			f.SetSyncInProgress(false)
			f.SetLastSyncAt(ctx, f.clock.Now())
			if result.Failed > 0 {
				f.SetLastSyncError(fmt.Sprintf("%d scan(s) failed to sync", result.Failed))
			} else {
				f.SetLastSyncError("")
			}
			if err := f.RefreshQueueStats(ctx); err != nil {
				logging.Warn("Failed to refresh queue stats", map[string]interface{}{"error": err.Error()})
			}
		},
		OnError: func(err error) {
			f.observe(err)
			f.SetSyncInProgress(false)
			f.SetLastSyncError(err.Error())
		},
	}
}
