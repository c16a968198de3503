package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorType classifies a SyncError by the phase that produced it.
type ErrorType string

const (
	ErrorUpload   ErrorType = "upload"
	ErrorDownload ErrorType = "download"
	ErrorConflict ErrorType = "conflict"
	ErrorGeneral  ErrorType = "general"
)

// MaxErrors bounds the Status.Errors ring buffer.
const MaxErrors = 20

// SyncError is a recorded failure, exposed to observers through
// [Status.Errors] and never thrown onward to callers.
type SyncError struct {
	// ID is error_{unix-milli} at creation time.
	ID        string    `json:"id"`
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Data optionally carries the offending payload, e.g. the dropped
	// queue item.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSyncError constructs a SyncError with its ID and timestamp filled in.
func NewSyncError(t ErrorType, message string, data json.RawMessage) SyncError {
	now := time.Now().UTC()
	return SyncError{
		ID:        fmt.Sprintf("error_%d", idStamp(now)),
		Type:      t,
		Message:   message,
		Timestamp: now,
		Data:      data,
	}
}

// Status describes the sync engine's condition. IsSyncing and SyncProgress
// are transient and excluded from the persisted JSON form.
type Status struct {
	// IsOnline mirrors the network monitor's current connectivity.
	IsOnline bool `json:"is_online"`

	// LastSyncTime is the completion time of the last fully successful
	// cycle, nil until the first success.
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`

	// PendingUploads counts non-delete items currently queued.
	PendingUploads int `json:"pending_uploads"`

	// PendingDownloads is advisory: records fetched during the current
	// download phase. Reset at cycle completion.
	PendingDownloads int `json:"pending_downloads"`

	// IsSyncing is true only during an active cycle. Never persisted.
	IsSyncing bool `json:"-"`

	// SyncProgress is a 0-100 advisory indicator, reset each cycle.
	// Never persisted.
	SyncProgress int `json:"-"`

	// Errors is a bounded ring of recorded failures, oldest dropped first.
	Errors []SyncError `json:"errors,omitempty"`
}

// Clone returns a copy of the status with its own errors slice, safe to
// hand to listeners.
func (s Status) Clone() Status {
	cp := s
	if s.Errors != nil {
		cp.Errors = make([]SyncError, len(s.Errors))
		copy(cp.Errors, s.Errors)
	}
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		cp.LastSyncTime = &t
	}
	return cp
}
