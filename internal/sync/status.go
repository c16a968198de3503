package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"

	"github.com/phytovigil/phytosync/internal/model"
	"github.com/phytovigil/phytosync/internal/secure"
)

// Listener receives a status snapshot after every status change. The
// snapshot is a deep copy; listeners may retain or mutate it freely.
type Listener func(model.Status)

// Tracker maintains the observable sync status. Durable fields are written
// through to the blob store; transient fields (syncing flag, progress) are
// broadcast to listeners but never persisted.
type Tracker struct {
	blobs BlobStore
	log   *slog.Logger

	mu        stdsync.Mutex
	status    model.Status
	listeners map[int]Listener
	nextID    int
}

// NewTracker creates a Tracker with an empty status.
func NewTracker(blobs BlobStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		blobs:     blobs,
		log:       logger,
		listeners: make(map[int]Listener),
	}
}

// Load replaces the durable status fields with the persisted snapshot.
// Transient fields always start zeroed. A missing snapshot leaves the
// defaults; a corrupt one is discarded with a warning.
func (t *Tracker) Load() error {
	data, err := t.blobs.Get(secure.StatusKey)
	if errors.Is(err, secure.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading sync status: %w", err)
	}

	var status model.Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.log.Warn("discarding corrupt sync status snapshot", "error", err)
		return nil
	}
	status.IsSyncing = false
	status.SyncProgress = 0

	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the current status.
func (t *Tracker) Snapshot() model.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Clone()
}

// AddListener registers a listener and immediately sends it the current
// status. The returned function unsubscribes it; calling it more than once
// is harmless.
func (t *Tracker) AddListener(fn Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	snapshot := t.status.Clone()
	t.mu.Unlock()

	fn(snapshot)

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// BeginSync atomically marks a sync cycle as running. It returns false when
// a cycle is already in progress, guaranteeing at most one concurrent cycle.
func (t *Tracker) BeginSync() bool {
	t.mu.Lock()
	if t.status.IsSyncing {
		t.mu.Unlock()
		return false
	}
	t.status.IsSyncing = true
	t.status.SyncProgress = 0
	t.mu.Unlock()

	t.broadcast()
	return true
}

// EndSync clears the syncing flag and marks the progress bar complete. It
// runs on both successful and failed cycles.
func (t *Tracker) EndSync() {
	t.update(func(s *model.Status) {
		s.IsSyncing = false
		s.SyncProgress = 100
	})
}

// SetProgress updates the transient progress percentage.
func (t *Tracker) SetProgress(pct int) {
	t.update(func(s *model.Status) { s.SyncProgress = pct })
}

// SetOnline records the connectivity state.
func (t *Tracker) SetOnline(online bool) {
	t.update(func(s *model.Status) { s.IsOnline = online })
}

// SetLastSyncTime records the completion time of a successful cycle.
func (t *Tracker) SetLastSyncTime(ts time.Time) {
	t.update(func(s *model.Status) { s.LastSyncTime = &ts })
}

// SetPendingUploads records the number of queued non-delete mutations.
func (t *Tracker) SetPendingUploads(n int) {
	t.update(func(s *model.Status) { s.PendingUploads = n })
}

// SetPendingDownloads records the number of records fetched in the current
// cycle's download phase.
func (t *Tracker) SetPendingDownloads(n int) {
	t.update(func(s *model.Status) { s.PendingDownloads = n })
}

// AddError appends an error to the ring, evicting the oldest entries beyond
// the cap.
func (t *Tracker) AddError(e model.SyncError) {
	t.update(func(s *model.Status) {
		s.Errors = append(s.Errors, e)
		if len(s.Errors) > model.MaxErrors {
			s.Errors = s.Errors[len(s.Errors)-model.MaxErrors:]
		}
	})
}

// ClearErrors empties the error ring.
func (t *Tracker) ClearErrors() {
	t.update(func(s *model.Status) { s.Errors = nil })
}

// update applies a mutation under the lock, persists the durable fields,
// and broadcasts the new snapshot.
func (t *Tracker) update(mutate func(*model.Status)) {
	t.mu.Lock()
	mutate(&t.status)
	if err := t.persistLocked(); err != nil {
		t.log.Error("persisting sync status", "error", err)
	}
	t.mu.Unlock()

	t.broadcast()
}

// persistLocked writes the durable status fields. Transient fields carry
// `json:"-"` tags and are excluded by encoding.
func (t *Tracker) persistLocked() error {
	data, err := json.Marshal(t.status)
	if err != nil {
		return fmt.Errorf("encoding sync status: %w", err)
	}
	if err := t.blobs.Set(secure.StatusKey, data); err != nil {
		return fmt.Errorf("persisting sync status: %w", err)
	}
	return nil
}

// broadcast delivers the current snapshot to all listeners outside the
// lock, in registration order.
func (t *Tracker) broadcast() {
	t.mu.Lock()
	snapshot := t.status.Clone()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id])
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
