// Package sync moves queued scans to the remote ledger.
package sync

import (
	"context"

	"github.com/kimhsiao/scanqueue/internal/models"
)

// QueueStore is the part of the durable queue the orchestrator drives.
// *queue.Store satisfies it.
type QueueStore interface {
	Get(ctx context.Context, id string) (*models.QueuedScan, error)
	ListPending(ctx context.Context) ([]*models.QueuedScan, error)
	ListFailed(ctx context.Context) ([]*models.QueuedScan, error)
	UpdateStatus(ctx context.Context, id string, status models.ScanStatus, errMsg string) (*models.QueuedScan, error)
	Delete(ctx context.Context, id string) error
}

// Recorder records one scan remotely. Any error, including transport
// failures, counts as a failed attempt. Implementations own their timeouts
// and should honor ctx.
type Recorder interface {
	Record(ctx context.Context, payload string, meta *models.ScanMetadata) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, payload string, meta *models.ScanMetadata) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, payload string, meta *models.ScanMetadata) error {
	return f(ctx, payload, meta)
}

// Engine is the orchestrator surface used by the scheduler and the API.
// This interface allows for mocking in tests.
type Engine interface {
	// SyncNow processes every pending scan.
	SyncNow(ctx context.Context) (BatchSyncResult, error)

	// RetryFailed processes failed scans that still have retries left.
	RetryFailed(ctx context.Context) (BatchSyncResult, error)

	// SyncOne processes a single scan by id.
	SyncOne(ctx context.Context, id string) (ItemResult, error)

	// Running reports whether a pass holds the latch.
	Running() bool
}
