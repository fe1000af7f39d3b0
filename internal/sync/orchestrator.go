package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"github.com/kimhsiao/scanqueue/internal/models"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxRetries is the retry budget RetryFailed respects.
const DefaultMaxRetries = 3

// ErrConnectionLost is recorded for scans skipped because the link went
// down during a pass.
var ErrConnectionLost = stderrors.New("connection lost")

// ErrPassCancelled is recorded for scans skipped because the caller's
// context ended during a pass.
var ErrPassCancelled = stderrors.New("sync pass cancelled")

// SyncStatus represents the current orchestrator status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ItemError is the failure of one scan within a pass.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchSyncResult summarizes one pass. Skipped is set when another pass
// already held the latch; nothing was processed then.
type BatchSyncResult struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Errors     []ItemError `json:"errors"`
	Skipped    bool        `json:"skipped,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
}

// ItemResult is the outcome of SyncOne.
type ItemResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Hooks observe every pass, manual or automatic.
type Hooks struct {
	OnStart    func()
	OnComplete func(BatchSyncResult)
	OnError    func(error)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxRetries excludes failed scans with RetryCount >= MaxRetries from
	// RetryFailed. Defaults to DefaultMaxRetries.
	MaxRetries int
	// IncludeExhausted makes RetryFailed process every failed scan.
	IncludeExhausted bool
	// Online is consulted before each scan; once it reports false the rest
	// of the pass is abandoned.
	Online func() bool
	Hooks  Hooks
	Clock  clockwork.Clock
}

// Orchestrator runs sync passes one at a time.
type Orchestrator struct {
	store    QueueStore
	recorder Recorder
	opts     Options
	clock    clockwork.Clock

	latch   *semaphore.Weighted
	running atomic.Bool

	mu       gosync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store QueueStore, recorder Recorder, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		store:    store,
		recorder: recorder,
		opts:     opts,
		clock:    clock,
		latch:    semaphore.NewWeighted(1),
		status:   SyncStatusIdle,
	}
}

// Running reports whether a pass is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Status returns the current sync status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// LastSync returns the end time of the last pass that completed.
func (o *Orchestrator) LastSync() *time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastSync == nil {
		return nil
	}
	t := *o.lastSync
	return &t
}

// LastError returns the error of the last pass that could not select its
// batch.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// SyncNow processes every pending scan, oldest first.
func (o *Orchestrator) SyncNow(ctx context.Context) (BatchSyncResult, error) {
	return o.runBatch(ctx, "sync", o.store.ListPending)
}

// RetryFailed processes failed scans that are still within their retry
// budget, oldest first.
func (o *Orchestrator) RetryFailed(ctx context.Context) (BatchSyncResult, error) {
	return o.runBatch(ctx, "retry", func(ctx context.Context) ([]*models.QueuedScan, error) {
		failed, err := o.store.ListFailed(ctx)
		if err != nil || o.opts.IncludeExhausted {
			return failed, err
		}
		retryable := make([]*models.QueuedScan, 0, len(failed))
		for _, scan := range failed {
			if scan.RetryCount < o.opts.MaxRetries {
				retryable = append(retryable, scan)
			}
		}
		return retryable, nil
	})
}

// SyncOne processes a single scan under the same latch as the batch
// passes. Storage errors and unknown ids are returned; a recorder failure
// is reported in the result.
func (o *Orchestrator) SyncOne(ctx context.Context, id string) (ItemResult, error) {
	if !o.acquire() {
		return ItemResult{ID: id, Skipped: true}, nil
	}
	defer o.release()

	scan, err := o.store.Get(ctx, id)
	if err != nil {
		return ItemResult{ID: id}, err
	}
	return o.syncScan(ctx, scan), nil
}

func (o *Orchestrator) acquire() bool {
	if !o.latch.TryAcquire(1) {
		logging.Debug("Sync already in progress, skipping", nil)
		return false
	}
	o.running.Store(true)
	o.setStatus(SyncStatusSyncing)
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	if o.status == SyncStatusSyncing {
		o.status = SyncStatusIdle
	}
	o.mu.Unlock()
	o.running.Store(false)
	o.latch.Release(1)
}

func (o *Orchestrator) setStatus(s SyncStatus) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// runBatch holds the latch for the whole pass and always releases it.
func (o *Orchestrator) runBatch(ctx context.Context, kind string, selectFn func(context.Context) ([]*models.QueuedScan, error)) (BatchSyncResult, error) {
	if !o.acquire() {
		return BatchSyncResult{Skipped: true, Errors: []ItemError{}}, nil
	}
	defer o.release()

	result := BatchSyncResult{Errors: []ItemError{}, StartedAt: o.clock.Now()}
	if o.opts.Hooks.OnStart != nil {
		o.opts.Hooks.OnStart()
	}

	scans, err := selectFn(ctx)
	if err != nil {
		err = fmt.Errorf("select %s batch: %w", kind, err)
		o.mu.Lock()
		o.status = SyncStatusFailed
		o.lastErr = err
		o.mu.Unlock()
		logging.ErrorWithCode("Sync pass could not start", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"kind": kind})
		if o.opts.Hooks.OnError != nil {
			o.opts.Hooks.OnError(err)
		}
		return BatchSyncResult{Errors: []ItemError{}}, err
	}

	result.Total = len(scans)
	logging.Info("Sync pass started", map[string]interface{}{"kind": kind, "count": len(scans)})

	for i, scan := range scans {
		// Scans left behind keep their status and retry count.
		var stop error
		switch {
		case ctx.Err() != nil:
			stop = ErrPassCancelled
		case o.opts.Online != nil && !o.opts.Online():
			stop = ErrConnectionLost
		}
		if stop != nil {
			for _, rest := range scans[i:] {
				result.Failed++
				result.Errors = append(result.Errors, ItemError{ID: rest.ID, Error: stop.Error()})
			}
			logging.Warn("Sync pass stopped early", map[string]interface{}{
				"kind":      kind,
				"reason":    stop.Error(),
				"remaining": len(scans) - i,
			})
			break
		}

		item := o.syncScan(ctx, scan)
		if item.Success {
			result.Successful++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{ID: item.ID, Error: item.Error})
		}
	}

	result.FinishedAt = o.clock.Now()
	o.mu.Lock()
	o.status = SyncStatusIdle
	o.lastErr = nil
	finished := result.FinishedAt
	o.lastSync = &finished
	o.mu.Unlock()

	logging.Info("Sync pass completed", map[string]interface{}{
		"kind":       kind,
		"total":      result.Total,
		"successful": result.Successful,
		"failed":     result.Failed,
	})
	if o.opts.Hooks.OnComplete != nil {
		o.opts.Hooks.OnComplete(result)
	}
	return result, nil
}

// syncScan moves one scan through syncing to deleted or failed. Status
// writes ignore ctx cancellation so an interrupted pass still leaves
// consistent records behind.
func (o *Orchestrator) syncScan(ctx context.Context, scan *models.QueuedScan) ItemResult {
	storeCtx := context.WithoutCancel(ctx)
	res := ItemResult{ID: scan.ID}

	if _, err := o.store.UpdateStatus(storeCtx, scan.ID, models.ScanStatusSyncing, ""); err != nil {
		res.Error = err.Error()
		logging.Error("Failed to mark scan syncing", err, map[string]interface{}{"scan_id": scan.ID})
		return res
	}

	if err := o.record(ctx, scan); err != nil {
		res.Error = err.Error()
		o.markFailed(storeCtx, scan.ID, res.Error)
		logging.ErrorWithCode("Scan sync failed", string(apperrors.ErrSyncItemFailed), err,
			map[string]interface{}{"scan_id": scan.ID, "retry_count": scan.RetryCount})
		return res
	}

	if err := o.store.Delete(storeCtx, scan.ID); err != nil {
		// Recorded remotely but still queued: it will be sent again.
		res.Error = fmt.Sprintf("remove synced scan: %v", err)
		o.markFailed(storeCtx, scan.ID, res.Error)
		logging.Error("Failed to remove synced scan", err, map[string]interface{}{"scan_id": scan.ID})
		return res
	}

	res.Success = true
	return res
}

func (o *Orchestrator) markFailed(ctx context.Context, id, msg string) {
	if _, err := o.store.UpdateStatus(ctx, id, models.ScanStatusFailed, msg); err != nil {
		logging.Error("Failed to mark scan failed", err, map[string]interface{}{"scan_id": id})
	}
}

// record calls the recorder, turning a panic into an error.
func (o *Orchestrator) record(ctx context.Context, scan *models.QueuedScan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrRecorderFailed, fmt.Sprintf("recorder panic: %v", r))
		}
	}()
	return o.recorder.Record(ctx, scan.Payload, scan.Metadata)
}
