package queue

import (
	"testing"
	"time"

	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/stretchr/testify/assert"
)

func scanAt(id, payload string, status models.ScanStatus, retries int, at time.Time) *models.QueuedScan {
	return &models.QueuedScan{ID: id, Payload: payload, Status: status, RetryCount: retries, ScannedAt: at}
}

func TestHasDuplicate(t *testing.T) {
	now := t0.Add(time.Hour)
	scans := []*models.QueuedScan{
		scanAt("a", "QR1", models.ScanStatusFailed, 1, now.Add(-4*time.Minute)),
		scanAt("b", "QR2", models.ScanStatusPending, 0, now.Add(-10*time.Minute)),
	}

	assert.True(t, HasDuplicate(scans, "QR1", now, DefaultDuplicateWindow))
	assert.False(t, HasDuplicate(scans, "QR2", now, DefaultDuplicateWindow))
	assert.True(t, HasDuplicate(scans, "QR2", now, 11*time.Minute))
	assert.False(t, HasDuplicate(scans, "QR3", now, DefaultDuplicateWindow))
	assert.False(t, HasDuplicate(nil, "QR1", now, DefaultDuplicateWindow))
}

func TestSelectExpired(t *testing.T) {
	now := t0.Add(30 * 24 * time.Hour)
	day := 24 * time.Hour

	scans := []*models.QueuedScan{
		scanAt("failed-old-exhausted", "1", models.ScanStatusFailed, 5, now.Add(-2*day)),
		scanAt("failed-old-budget", "2", models.ScanStatusFailed, 4, now.Add(-2*day)),
		scanAt("failed-new-exhausted", "3", models.ScanStatusFailed, 9, now.Add(-time.Hour)),
		scanAt("pending-stale", "4", models.ScanStatusPending, 0, now.Add(-8*day)),
		scanAt("pending-week", "5", models.ScanStatusPending, 0, now.Add(-7*day)),
		scanAt("syncing-ancient", "6", models.ScanStatusSyncing, 9, now.Add(-29*day)),
	}

	tests := []struct {
		name string
		opts CleanupOptions
		want []string
	}{
		{
			name: "defaults",
			opts: CleanupOptions{},
			want: []string{"failed-old-exhausted", "pending-stale"},
		},
		{
			name: "keep stale pending",
			opts: CleanupOptions{KeepStalePending: true},
			want: []string{"failed-old-exhausted"},
		},
		{
			name: "smaller multiplier",
			opts: CleanupOptions{StalePendingMultiplier: 2},
			want: []string{"failed-old-exhausted", "pending-stale", "pending-week"},
		},
		{
			name: "lower retry bound",
			opts: CleanupOptions{MaxRetries: 4},
			want: []string{"failed-old-exhausted", "failed-old-budget", "pending-stale"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectExpired(scans, now, tt.opts))
		})
	}
}

func TestSelectExceedingRetries(t *testing.T) {
	scans := []*models.QueuedScan{
		scanAt("a", "1", models.ScanStatusFailed, 3, t0),
		scanAt("b", "2", models.ScanStatusFailed, 2, t0),
		scanAt("c", "3", models.ScanStatusPending, 7, t0),
	}

	got := SelectExceedingRetries(scans, 0)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "a", got[0].ID)
	}
	assert.Len(t, SelectExceedingRetries(scans, 2), 2)
	assert.Empty(t, SelectExceedingRetries(nil, 3))
}

func TestComputeStats(t *testing.T) {
	scans := []*models.QueuedScan{
		scanAt("a", "1", models.ScanStatusPending, 0, t0.Add(time.Minute)),
		scanAt("b", "2", models.ScanStatusFailed, 1, t0),
		scanAt("c", "3", models.ScanStatusSyncing, 0, t0.Add(time.Hour)),
	}

	stats := ComputeStats(scans)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Syncing)
	assert.Equal(t, 1, stats.Failed)
	if assert.NotNil(t, stats.OldestScanAt) {
		assert.True(t, stats.OldestScanAt.Equal(t0))
	}
}
