// Package models provides data model definitions for the offline scan queue.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ScanStatus is the lifecycle state of a queued scan.
// A successfully synced scan is deleted, so there is no "synced" status.
type ScanStatus string

const (
	ScanStatusPending ScanStatus = "pending"
	ScanStatusSyncing ScanStatus = "syncing"
	ScanStatusFailed  ScanStatus = "failed"
)

// ScanStatuses lists every persisted status.
var ScanStatuses = []ScanStatus{ScanStatusPending, ScanStatusSyncing, ScanStatusFailed}

// Valid reports whether s is a known status.
func (s ScanStatus) Valid() bool {
	switch s {
	case ScanStatusPending, ScanStatusSyncing, ScanStatusFailed:
		return true
	}
	return false
}

// String returns the string representation of the status.
func (s ScanStatus) String() string {
	return string(s)
}

// ParseScanStatus converts a string to a ScanStatus.
func ParseScanStatus(s string) (ScanStatus, error) {
	status := ScanStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown scan status %q", s)
	}
	return status, nil
}

// ScanMetadata is passed through the queue untouched.
type ScanMetadata struct {
	BoxID      string `json:"boxId,omitempty"`
	OperatorID string `json:"operatorId,omitempty"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
}

// Value implements driver.Valuer for ScanMetadata, storing it as JSON.
func (m *ScanMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for ScanMetadata.
func (m *ScanMetadata) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*m = ScanMetadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}
	return json.Unmarshal(data, m)
}

// QueuedScan is one persisted unit of work.
type QueuedScan struct {
	ID              string        `db:"id" json:"id"`
	Payload         string        `db:"payload" json:"payload"`
	ScannedAt       time.Time     `db:"scanned_at" json:"scannedAt"`
	Status          ScanStatus    `db:"status" json:"status"`
	RetryCount      int           `db:"retry_count" json:"retryCount"`
	LastError       string        `db:"last_error" json:"lastError,omitempty"`
	LastSyncAttempt *time.Time    `db:"last_sync_attempt" json:"lastSyncAttempt,omitempty"`
	Metadata        *ScanMetadata `db:"metadata" json:"metadata,omitempty"`
}

// TableName returns the table name for QueuedScan.
func (QueuedScan) TableName() string {
	return "scan_queue"
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (s *QueuedScan) Clone() *QueuedScan {
	if s == nil {
		return nil
	}
	dup := *s
	if s.LastSyncAttempt != nil {
		t := *s.LastSyncAttempt
		dup.LastSyncAttempt = &t
	}
	if s.Metadata != nil {
		m := *s.Metadata
		dup.Metadata = &m
	}
	return &dup
}

// QueueStats is derived from the full record set; it is never stored.
type QueueStats struct {
	Total        int        `json:"total"`
	Pending      int        `json:"pending"`
	Syncing      int        `json:"syncing"`
	Failed       int        `json:"failed"`
	OldestScanAt *time.Time `json:"oldestScanAt"`
}
