package queue

import (
	"time"

	"github.com/kimhsiao/scanqueue/internal/models"
)

const (
	// DefaultDuplicateWindow is how long a payload counts as recently scanned.
	DefaultDuplicateWindow = 5 * time.Minute

	// DefaultExceedingRetries flags failed scans that need operator attention.
	DefaultExceedingRetries = 3

	DefaultCleanupMaxAge          = 24 * time.Hour
	DefaultCleanupMaxRetries      = 5
	DefaultStalePendingMultiplier = 7
)

// CleanupOptions bounds the retention pass. Zero values select the defaults.
type CleanupOptions struct {
	// MaxAge is the age after which an exhausted failed scan is purged.
	MaxAge time.Duration
	// MaxRetries is the retry count a failed scan must reach to be purged.
	MaxRetries int
	// StalePendingMultiplier scales MaxAge for never-synced pending scans.
	StalePendingMultiplier int
	// KeepStalePending disables purging of old pending scans entirely.
	KeepStalePending bool
}

// DefaultCleanupOptions returns the standard retention bounds.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{
		MaxAge:                 DefaultCleanupMaxAge,
		MaxRetries:             DefaultCleanupMaxRetries,
		StalePendingMultiplier: DefaultStalePendingMultiplier,
	}
}

func (o CleanupOptions) withDefaults() CleanupOptions {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultCleanupMaxAge
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultCleanupMaxRetries
	}
	if o.StalePendingMultiplier <= 0 {
		o.StalePendingMultiplier = DefaultStalePendingMultiplier
	}
	return o
}

// HasDuplicate reports whether any scan, whatever its status, carries
// payload and was captured less than window before now.
func HasDuplicate(scans []*models.QueuedScan, payload string, now time.Time, window time.Duration) bool {
	for _, s := range scans {
		if s.Payload == payload && now.Sub(s.ScannedAt) < window {
			return true
		}
	}
	return false
}

// SelectExpired returns the ids the retention pass may delete: failed scans
// older than MaxAge whose retries are exhausted, and pending scans older
// than StalePendingMultiplier*MaxAge. Syncing scans are never selected.
func SelectExpired(scans []*models.QueuedScan, now time.Time, opts CleanupOptions) []string {
	opts = opts.withDefaults()
	staleAfter := opts.MaxAge * time.Duration(opts.StalePendingMultiplier)

	var ids []string
	for _, s := range scans {
		age := now.Sub(s.ScannedAt)
		switch s.Status {
		case models.ScanStatusFailed:
			if s.RetryCount >= opts.MaxRetries && age > opts.MaxAge {
				ids = append(ids, s.ID)
			}
		case models.ScanStatusPending:
			if !opts.KeepStalePending && age > staleAfter {
				ids = append(ids, s.ID)
			}
		}
	}
	return ids
}

// SelectExceedingRetries returns failed scans with RetryCount >= maxRetries.
func SelectExceedingRetries(scans []*models.QueuedScan, maxRetries int) []*models.QueuedScan {
	if maxRetries <= 0 {
		maxRetries = DefaultExceedingRetries
	}
	out := make([]*models.QueuedScan, 0)
	for _, s := range scans {
		if s.Status == models.ScanStatusFailed && s.RetryCount >= maxRetries {
			out = append(out, s)
		}
	}
	return out
}

// ComputeStats derives queue statistics from the full record set.
func ComputeStats(scans []*models.QueuedScan) models.QueueStats {
	var stats models.QueueStats
	for _, s := range scans {
		stats.Total++
		switch s.Status {
		case models.ScanStatusPending:
			stats.Pending++
		case models.ScanStatusSyncing:
			stats.Syncing++
		case models.ScanStatusFailed:
			stats.Failed++
		}
		if stats.OldestScanAt == nil || s.ScannedAt.Before(*stats.OldestScanAt) {
			t := s.ScannedAt
			stats.OldestScanAt = &t
		}
	}
	return stats
}
