// Package sync implements the offline-first synchronization engine for
// PhytoVigil. It drains a persisted queue of local mutations to the backend,
// pulls remote changes into the local store, detects conflicting edits, and
// applies a pluggable resolution strategy.
//
// The package contains three main components:
//
//   - [Engine] orchestrates the download, upload, and resolve phases of a
//     sync cycle and runs the periodic loop.
//   - [Queue] holds pending local mutations, persisted across restarts.
//   - [Tracker] maintains the observable sync status and broadcasts
//     snapshots to registered listeners.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phytovigil/phytosync/internal/api"
	"github.com/phytovigil/phytosync/internal/model"
)

// Backend provides the remote REST operations used during a sync cycle.
// Implemented by [api.Client].
type Backend interface {
	Pull(ctx context.Context, t model.RecordType, since time.Time) ([]api.ServerRecord, error)
	Create(ctx context.Context, t model.RecordType, payload json.RawMessage) (int64, error)
	Update(ctx context.Context, t model.RecordType, serverID int64, payload json.RawMessage) error
	Delete(ctx context.Context, t model.RecordType, serverID int64) error
}

// LocalStore provides access to the on-device record database.
// Implemented by [store.Store].
type LocalStore interface {
	GetByServerID(ctx context.Context, t model.RecordType, serverID int64) (*model.Record, error)
	GetByLocalID(ctx context.Context, t model.RecordType, localID string) (*model.Record, error)
	Create(ctx context.Context, rec *model.Record) error
	Update(ctx context.Context, rec *model.Record) error
	Unsynced(ctx context.Context, t model.RecordType) ([]*model.Record, error)
	SaveConflict(ctx context.Context, c model.Conflict) error
	Conflicts(ctx context.Context) ([]model.Conflict, error)
	DeleteConflict(ctx context.Context, id string) error
}

// BlobStore persists small named blobs, used for the queue and status
// snapshots. Implemented by [secure.Store].
type BlobStore interface {
	Set(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
}

// ConnectivitySource reports the last observed backend reachability.
// Implemented by [netmon.Monitor].
type ConnectivitySource interface {
	Online() bool
}
