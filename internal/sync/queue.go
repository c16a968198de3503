package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"

	"github.com/phytovigil/phytosync/internal/model"
	"github.com/phytovigil/phytosync/internal/secure"
)

// Queue holds pending local mutations awaiting upload. Every mutation is
// written through to the blob store so the queue survives restarts.
type Queue struct {
	blobs BlobStore
	log   *slog.Logger

	mu    stdsync.Mutex
	items []model.QueueItem
}

// NewQueue creates an empty Queue backed by the given blob store.
func NewQueue(blobs BlobStore, logger *slog.Logger) *Queue {
	return &Queue{blobs: blobs, log: logger}
}

// Load replaces the in-memory queue with the persisted snapshot. A missing
// snapshot leaves the queue empty; a corrupt one is discarded with a warning
// rather than blocking startup.
func (q *Queue) Load() error {
	data, err := q.blobs.Get(secure.QueueKey)
	if errors.Is(err, secure.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading sync queue: %w", err)
	}

	var items []model.QueueItem
	if err := json.Unmarshal(data, &items); err != nil {
		q.log.Warn("discarding corrupt sync queue snapshot", "error", err)
		return nil
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// Add appends an item and persists the queue.
func (q *Queue) Add(item model.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	return q.persistLocked()
}

// Remove deletes the item with the given id, if present, and persists the
// queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// Bump increments the retry count of the item with the given id and returns
// the new count. Unknown ids return 0 without error.
func (q *Queue) Bump(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].RetryCount++
			count := q.items[i].RetryCount
			if err := q.persistLocked(); err != nil {
				return count, err
			}
			return count, nil
		}
	}
	return 0, nil
}

// Items returns a snapshot of the queue in drain order: priority bands
// first, enqueue order within each band.
func (q *Queue) Items() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]model.QueueItem, len(q.items))
	copy(items, q.items)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority.Rank() < items[j].Priority.Rank()
	})
	return items
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingUploads counts queued items that will push data to the backend.
// Deletes are excluded to match what users perceive as "waiting to upload".
func (q *Queue) PendingUploads() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if item.Action != model.ActionDelete {
			n++
		}
	}
	return n
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encoding sync queue: %w", err)
	}
	if err := q.blobs.Set(secure.QueueKey, data); err != nil {
		return fmt.Errorf("persisting sync queue: %w", err)
	}
	return nil
}
