// Package model defines shared types used across the sync engine, local
// store, and API client.
package model

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

var (
	stampMu   sync.Mutex
	lastStamp int64
)

// idStamp returns the current unix-milli timestamp, bumped past the last
// value handed out so ids minted within the same millisecond stay unique.
func idStamp(now time.Time) int64 {
	stampMu.Lock()
	defer stampMu.Unlock()
	ms := now.UnixMilli()
	if ms <= lastStamp {
		ms = lastStamp + 1
	}
	lastStamp = ms
	return ms
}

// RecordType identifies which collection a record belongs to.
type RecordType string

const (
	// RecordPlant is a plant tracked by the user.
	RecordPlant RecordType = "plant"
	// RecordScan is a disease-detection scan of a plant.
	RecordScan RecordType = "scan"
	// RecordActivity is a care/history activity entry.
	RecordActivity RecordType = "activity"
	// RecordUserProfile is the user's profile record.
	RecordUserProfile RecordType = "user_profile"
)

// Valid reports whether t is one of the known record types.
func (t RecordType) Valid() bool {
	switch t {
	case RecordPlant, RecordScan, RecordActivity, RecordUserProfile:
		return true
	}
	return false
}

// Collection returns the plural REST collection name for the type,
// e.g. "plants" for RecordPlant. Used in endpoint paths.
func (t RecordType) Collection() string {
	if t == RecordActivity {
		return "activities"
	}
	return string(t) + "s"
}

// DownloadTypes are the record types pulled during the download phase.
// The user profile is push-only in this design.
var DownloadTypes = []RecordType{RecordPlant, RecordScan, RecordActivity}

// Action is the kind of local mutation a queue item represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Priority controls the drain order of queued mutations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the drain rank of the priority: lower drains first.
// Unknown values rank with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Record is the local-store envelope shared by all collections. The payload
// is kept as raw JSON and decoded with [DecodePayload] when a typed view is
// needed.
type Record struct {
	// Type identifies the collection this record belongs to.
	Type RecordType

	// LocalID is the on-device identifier, assigned at creation and never
	// reused. Records minted during download receive a fresh UUID.
	LocalID string

	// ServerID is the remote identifier, 0 until the server assigns one.
	ServerID int64

	// Synced is true when the record matches the last-known server state.
	Synced bool

	// CreatedAt and UpdatedAt are the record's own modification times,
	// not the row's. UpdatedAt drives conflict detection.
	CreatedAt time.Time
	UpdatedAt time.Time

	// Data is the type-specific payload as JSON.
	Data json.RawMessage
}

// QueueItem is a pending local mutation awaiting upload.
type QueueItem struct {
	// ID is unique per enqueue event: {type}_{localId}_{unix-milli}.
	ID string `json:"id"`

	Type   RecordType `json:"type"`
	Action Action     `json:"action"`

	// LocalID is the record's identifier in the local store.
	LocalID string `json:"local_id"`

	// ServerID is set once the record has a remote identifier. Required
	// for update and delete uploads.
	ServerID int64 `json:"server_id,omitempty"`

	// Data is the payload to send. Empty for deletes.
	Data json.RawMessage `json:"data,omitempty"`

	// Timestamp is when the entry was enqueued.
	Timestamp time.Time `json:"timestamp"`

	// RetryCount counts failed upload attempts. Items are dropped once it
	// reaches the retry ceiling.
	RetryCount int `json:"retry_count"`

	Priority Priority `json:"priority"`
}

// NewQueueItem constructs a QueueItem with its ID, timestamp, and zero
// retry count filled in.
func NewQueueItem(t RecordType, action Action, localID string, serverID int64, data json.RawMessage, priority Priority) QueueItem {
	now := time.Now().UTC()
	return QueueItem{
		ID:        fmt.Sprintf("%s_%s_%d", t, localID, idStamp(now)),
		Type:      t,
		Action:    action,
		LocalID:   localID,
		ServerID:  serverID,
		Data:      data,
		Timestamp: now,
		Priority:  priority,
	}
}

// Conflict is a detected divergence between a local record's unsynced state
// and an incoming server update for the same entity.
type Conflict struct {
	// ID is {type}_{localId}_{unix-milli} at detection time.
	ID string `json:"id"`

	Type RecordType `json:"type"`

	// LocalID locates the local record when the resolution is applied.
	LocalID string `json:"local_id"`

	// LocalData and ServerData are the two divergent representations,
	// each a JSON object carrying at least updated_at / created_at.
	LocalData  json.RawMessage `json:"local_data"`
	ServerData json.RawMessage `json:"server_data"`

	// Timestamp is the detection time.
	Timestamp time.Time `json:"timestamp"`
}

// NewConflict constructs a Conflict with its ID and timestamp filled in.
func NewConflict(t RecordType, localID string, localData, serverData json.RawMessage) Conflict {
	now := time.Now().UTC()
	return Conflict{
		ID:         fmt.Sprintf("%s_%s_%d", t, localID, idStamp(now)),
		Type:       t,
		LocalID:    localID,
		LocalData:  localData,
		ServerData: serverData,
		Timestamp:  now,
	}
}
