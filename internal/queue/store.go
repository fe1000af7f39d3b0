// Package queue is the durable offline scan queue: every captured scan is
// persisted here until it has been recorded remotely or purged by the
// retention pass.
package queue

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kimhsiao/scanqueue/internal/db"
	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/kimhsiao/scanqueue/internal/scanid"
)

// Options configures a Store.
type Options struct {
	// Clock supplies capture and attempt times. Defaults to the real clock.
	Clock clockwork.Clock
}

// Store is the durable queue. Every method may fail with
// STORAGE_UNAVAILABLE, even after earlier calls succeeded; the underlying
// connection is then dropped and re-acquired on the next call.
type Store struct {
	conn  *db.Connector
	clock clockwork.Clock
}

// NewStore creates a Store on top of conn.
func NewStore(conn *db.Connector, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{conn: conn, clock: clock}
}

// do runs fn against a repository and normalizes storage failures.
func (s *Store) do(op string, fn func(repo *db.ScanRepository) error) error {
	conn, err := s.conn.Conn()
	if err != nil {
		return err
	}

	err = fn(db.NewScanRepository(conn.DB))
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return err
	case db.IsUnavailable(err):
		logging.ErrorWithCode("Scan queue storage became unavailable", string(apperrors.ErrStorageUnavailable), err,
			map[string]interface{}{"operation": op})
		s.conn.Reset()
		return apperrors.StorageUnavailable(err)
	default:
		return apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
}

// Add persists a new pending scan captured now. The payload is stored as
// given; only a storage failure makes it fail.
func (s *Store) Add(ctx context.Context, payload string, meta *models.ScanMetadata) (*models.QueuedScan, error) {
	now := s.clock.Now()
	scan := &models.QueuedScan{
		ID:        scanid.New(now),
		Payload:   payload,
		ScannedAt: time.UnixMilli(now.UnixMilli()),
		Status:    models.ScanStatusPending,
		Metadata:  meta,
	}

	err := s.do("add scan", func(repo *db.ScanRepository) error {
		return repo.Insert(ctx, scan)
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("Scan queued", map[string]interface{}{"scan_id": scan.ID})
	return scan.Clone(), nil
}

// Get returns the scan with id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id string) (*models.QueuedScan, error) {
	var scan *models.QueuedScan
	err := s.do("get scan", func(repo *db.ScanRepository) error {
		var err error
		scan, err = repo.Get(ctx, id)
		if stderrors.Is(err, db.ErrScanNotFound) {
			return apperrors.NotFound(id)
		}
		return err
	})
	return scan, err
}

// ListByStatus returns the scans in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status models.ScanStatus) ([]*models.QueuedScan, error) {
	if !status.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown scan status "+string(status))
	}
	return s.list(ctx, &status)
}

// ListPending returns the scans awaiting their first or next attempt.
func (s *Store) ListPending(ctx context.Context) ([]*models.QueuedScan, error) {
	return s.ListByStatus(ctx, models.ScanStatusPending)
}

// ListFailed returns the scans whose last attempt failed.
func (s *Store) ListFailed(ctx context.Context) ([]*models.QueuedScan, error) {
	return s.ListByStatus(ctx, models.ScanStatusFailed)
}

// ListAll returns every scan, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*models.QueuedScan, error) {
	return s.list(ctx, nil)
}

func (s *Store) list(ctx context.Context, status *models.ScanStatus) ([]*models.QueuedScan, error) {
	var scans []*models.QueuedScan
	err := s.do("list scans", func(repo *db.ScanRepository) error {
		var err error
		scans, err = repo.List(ctx, status)
		return err
	})
	return scans, err
}

// Count returns the number of queued scans.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.count(ctx, nil)
}

// CountByStatus returns the number of scans in status.
func (s *Store) CountByStatus(ctx context.Context, status models.ScanStatus) (int, error) {
	if !status.Valid() {
		return 0, apperrors.New(apperrors.ErrInvalid, "unknown scan status "+string(status))
	}
	return s.count(ctx, &status)
}

func (s *Store) count(ctx context.Context, status *models.ScanStatus) (int, error) {
	var n int
	err := s.do("count scans", func(repo *db.ScanRepository) error {
		var err error
		n, err = repo.Count(ctx, status)
		return err
	})
	return n, err
}

// UpdateStatus moves a scan to status and stamps the attempt time. A
// transition into failed records errMsg and increments the retry count;
// any other transition stores errMsg as given, so an empty message clears
// the previous error. Transitions are not validated.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.ScanStatus, errMsg string) (*models.QueuedScan, error) {
	if !status.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown scan status "+string(status))
	}

	update := db.StatusUpdate{
		Status:         status,
		LastError:      errMsg,
		IncrementRetry: status == models.ScanStatusFailed,
		AttemptAt:      s.clock.Now(),
	}

	var scan *models.QueuedScan
	err := s.do("update scan status", func(repo *db.ScanRepository) error {
		var err error
		scan, err = repo.UpdateStatus(ctx, id, update)
		if stderrors.Is(err, db.ErrScanNotFound) {
			return apperrors.NotFound(id)
		}
		return err
	})
	return scan, err
}

// Delete removes a scan. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.do("delete scan", func(repo *db.ScanRepository) error {
		existed, err := repo.Delete(ctx, id)
		if err == nil && !existed {
			logging.Debug("Deleted scan was already gone", map[string]interface{}{"scan_id": id})
		}
		return err
	})
}

// DeleteMany removes all ids or none of them. A missing id fails the whole
// call with NOT_FOUND.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	return s.do("delete scans", func(repo *db.ScanRepository) error {
		err := repo.DeleteMany(ctx, ids)
		if stderrors.Is(err, db.ErrScanNotFound) {
			return apperrors.Wrap(apperrors.ErrNotFound, "delete scans", err)
		}
		return err
	})
}

// Clear wipes the queue. It is meant for explicit resets only.
func (s *Store) Clear(ctx context.Context) error {
	return s.do("clear scans", func(repo *db.ScanRepository) error {
		n, err := repo.Clear(ctx)
		if err == nil {
			logging.Warn("Scan queue cleared", map[string]interface{}{"removed": n})
		}
		return err
	})
}

// IsDuplicate reports whether payload was queued less than window ago.
// A non-positive window selects DefaultDuplicateWindow.
func (s *Store) IsDuplicate(ctx context.Context, payload string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	scans, err := s.ListAll(ctx)
	if err != nil {
		return false, err
	}
	return HasDuplicate(scans, payload, s.clock.Now(), window), nil
}

// FindExceedingRetries returns failed scans with at least maxRetries
// attempts. A non-positive maxRetries selects DefaultExceedingRetries.
func (s *Store) FindExceedingRetries(ctx context.Context, maxRetries int) ([]*models.QueuedScan, error) {
	scans, err := s.ListFailed(ctx)
	if err != nil {
		return nil, err
	}
	return SelectExceedingRetries(scans, maxRetries), nil
}

// Cleanup deletes the scans selected by SelectExpired and returns how many
// were removed. Selection and deletion share one transaction, and a scan
// that moved to syncing in the meantime is kept.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	var removed int
	err := s.do("cleanup scans", func(repo *db.ScanRepository) error {
		var err error
		removed, err = repo.Purge(ctx, func(scans []*models.QueuedScan) []string {
			return SelectExpired(scans, s.clock.Now(), opts)
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logging.Info("Expired scans purged", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// Stats returns counts per status and the oldest capture time.
func (s *Store) Stats(ctx context.Context) (models.QueueStats, error) {
	scans, err := s.ListAll(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	return ComputeStats(scans), nil
}

// GetState reads a persisted queue state value.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := s.do("get queue state", func(repo *db.ScanRepository) error {
		var err error
		value, ok, err = repo.GetState(ctx, key)
		return err
	})
	return value, ok, err
}

// SetState persists a queue state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.do("set queue state", func(repo *db.ScanRepository) error {
		return repo.SetState(ctx, key, value, s.clock.Now())
	})
}

// DeleteState removes a persisted queue state value.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	return s.do("delete queue state", func(repo *db.ScanRepository) error {
		return repo.DeleteState(ctx, key)
	})
}

// Available probes the storage, opening it if needed.
func (s *Store) Available(ctx context.Context) bool {
	return s.conn.Ping(ctx) == nil
}

// Close releases the storage connection. The Store reopens it on next use.
func (s *Store) Close() error {
	return s.conn.Close()
}
