// Package recorder provides the remote ledgers a synced scan is written to.
package recorder

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/lib/pq"
)

// ErrBoxNotFound is returned when no collection box has the scanned code.
var ErrBoxNotFound = stderrors.New("kumbara not found")

// CollectedStatus is the box status written by a successful scan.
const CollectedStatus = "collected"

// PostgresRecorder marks the scanned collection box as collected in the
// central kumbaras table.
type PostgresRecorder struct {
	db    *sql.DB
	clock clockwork.Clock
}

// OpenPostgres opens a connection pool for dsn. No connection is made until
// the first query, so an unreachable server surfaces per record.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// NewPostgresRecorder creates a PostgresRecorder. A nil clock uses real time.
func NewPostgresRecorder(db *sql.DB, clock clockwork.Clock) *PostgresRecorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresRecorder{db: db, clock: clock}
}

// Ping checks that the ledger database answers.
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Record looks the box up by its code and marks it collected. Offline scans
// carry no amount; counting happens at the center, so the running total is
// kept as is.
func (r *PostgresRecorder) Record(ctx context.Context, payload string, _ *models.ScanMetadata) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	var (
		id    string
		total float64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, total_collected FROM kumbaras WHERE code = $1 FOR UPDATE`, payload).
		Scan(&id, &total)
	if stderrors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: code %q", ErrBoxNotFound, payload)
	}
	if err != nil {
		return classify("fetch kumbara", err)
	}

	now := r.clock.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE kumbaras
		SET status = '`+CollectedStatus+`', last_collected_at = $2, total_collected = $3, updated_at = $2
		WHERE id = $1`,
		id, now, total)
	if err != nil {
		return classify("collect kumbara", err)
	}

	if err := tx.Commit(); err != nil {
		return classify("commit collection", err)
	}
	return nil
}

// classify tags server-side failures with their SQLSTATE name so the
// queued scan's last error is readable.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return apperrors.Wrap(apperrors.ErrRecorderFailed,
			fmt.Sprintf("%s: postgres %s", op, pqErr.Code.Name()), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
