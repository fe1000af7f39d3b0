package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/scanqueue/internal/models"
)

// ErrScanNotFound is returned when no row matches a scan id.
var ErrScanNotFound = stderrors.New("scan not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ScanRepository provides persistence for queued scans.
type ScanRepository struct {
	db *sql.DB
}

// NewScanRepository creates a new ScanRepository.
func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const scanColumns = `id, payload, scanned_at, status, retry_count, last_error, last_sync_attempt, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(row rowScanner) (*models.QueuedScan, error) {
	var (
		scan            models.QueuedScan
		scannedAt       int64
		status          string
		lastError       sql.NullString
		lastSyncAttempt sql.NullInt64
		metadata        sql.NullString
	)
	if err := row.Scan(&scan.ID, &scan.Payload, &scannedAt, &status, &scan.RetryCount, &lastError, &lastSyncAttempt, &metadata); err != nil {
		return nil, err
	}

	scan.ScannedAt = time.UnixMilli(scannedAt)
	scan.Status = models.ScanStatus(status)
	scan.LastError = lastError.String
	if lastSyncAttempt.Valid {
		t := time.UnixMilli(lastSyncAttempt.Int64)
		scan.LastSyncAttempt = &t
	}
	if metadata.Valid {
		scan.Metadata = &models.ScanMetadata{}
		if err := scan.Metadata.Scan(metadata.String); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", scan.ID, err)
		}
	}
	return &scan, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// =====================================================
// Queued scan operations
// =====================================================

// Insert stores a new scan. The id must not exist yet.
func (r *ScanRepository) Insert(ctx context.Context, scan *models.QueuedScan) error {
	query := `INSERT INTO scan_queue (` + scanColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		scan.ID,
		scan.Payload,
		scan.ScannedAt.UnixMilli(),
		string(scan.Status),
		scan.RetryCount,
		nullString(scan.LastError),
		nullMillis(scan.LastSyncAttempt),
		scan.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert scan %s: %w", scan.ID, err)
	}
	return nil
}

// Get retrieves a scan by id.
func (r *ScanRepository) Get(ctx context.Context, id string) (*models.QueuedScan, error) {
	return getScan(ctx, r.db, id)
}

func getScan(ctx context.Context, q Querier, id string) (*models.QueuedScan, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scan_queue WHERE id = ?`, id)
	scan, err := scanRow(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %s: %w", id, err)
	}
	return scan, nil
}

// List returns scans ordered oldest first, optionally filtered by status.
func (r *ScanRepository) List(ctx context.Context, status *models.ScanStatus) ([]*models.QueuedScan, error) {
	return listScans(ctx, r.db, status)
}

func listScans(ctx context.Context, q Querier, status *models.ScanStatus) ([]*models.QueuedScan, error) {
	query := `SELECT ` + scanColumns + ` FROM scan_queue`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY scanned_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	scans := make([]*models.QueuedScan, 0)
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list scans: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return scans, nil
}

// Count returns the number of scans, optionally filtered by status.
func (r *ScanRepository) Count(ctx context.Context, status *models.ScanStatus) (int, error) {
	query := `SELECT COUNT(*) FROM scan_queue`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return count, nil
}

// StatusUpdate describes one status transition.
type StatusUpdate struct {
	Status         models.ScanStatus
	LastError      string
	IncrementRetry bool
	AttemptAt      time.Time
}

// UpdateStatus applies a status transition in a single statement and
// returns the updated row.
func (r *ScanRepository) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*models.QueuedScan, error) {
	inc := 0
	if u.IncrementRetry {
		inc = 1
	}

	var updated *models.QueuedScan
	err := WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE scan_queue
			SET status = ?, last_error = ?, last_sync_attempt = ?, retry_count = retry_count + ?
			WHERE id = ?`,
			string(u.Status), nullString(u.LastError), u.AttemptAt.UnixMilli(), inc, id)
		if err != nil {
			return fmt.Errorf("update scan %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrScanNotFound
		}
		updated, err = getScan(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a scan. It reports whether a row existed.
func (r *ScanRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scan_queue WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete scan %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete scan %s: %w", id, err)
	}
	return n > 0, nil
}

// DeleteMany removes all ids in one transaction. If any id is missing the
// transaction is rolled back and nothing is deleted.
func (r *ScanRepository) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM scan_queue WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare delete: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, id)
			if err != nil {
				return fmt.Errorf("delete scan %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("delete scan %s: %w", id, ErrScanNotFound)
			}
		}
		return nil
	})
}

// Purge lists every scan and deletes the ids chosen by selectIDs in one
// transaction. Only pending and failed scans are deleted; a chosen scan that
// is syncing or already gone is skipped. It returns how many were removed.
func (r *ScanRepository) Purge(ctx context.Context, selectIDs func([]*models.QueuedScan) []string) (int, error) {
	var removed int
	err := WithTx(ctx, r.db, func(tx *sql.Tx) error {
		scans, err := listScans(ctx, tx, nil)
		if err != nil {
			return err
		}
		ids := selectIDs(scans)
		if len(ids) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM scan_queue WHERE id = ? AND status IN (?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare purge: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, id, string(models.ScanStatusPending), string(models.ScanStatusFailed))
			if err != nil {
				return fmt.Errorf("purge scan %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("purge scan %s: %w", id, err)
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Clear removes every scan and returns how many were removed.
func (r *ScanRepository) Clear(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scan_queue`)
	if err != nil {
		return 0, fmt.Errorf("clear scans: %w", err)
	}
	return res.RowsAffected()
}

// =====================================================
// Queue state key/value operations
// =====================================================

// GetState reads a persisted queue state value.
func (r *ScanRepository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM queue_state WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState upserts a persisted queue state value.
func (r *ScanRepository) SetState(ctx context.Context, key, value string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, at.Unix())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes a persisted queue state value.
func (r *ScanRepository) DeleteState(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing on success.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
