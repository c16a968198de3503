package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/phytovigil/phytosync/internal/api"
	"github.com/phytovigil/phytosync/internal/model"
)

const (
	otelScope         = "phytosync/sync"
	spanCycle         = "sync.cycle"
	metricDownloaded  = "phytosync.sync.records.downloaded"
	metricUploaded    = "phytosync.sync.records.uploaded"
	metricDropped     = "phytosync.sync.items.dropped"
	metricConflicts   = "phytosync.sync.conflicts.detected"
	metricResolutions = "phytosync.sync.conflicts.resolved"
	metricErrors      = "phytosync.sync.errors"
)

// maxRetries is the upload retry ceiling. An item that has failed this many
// times is dropped from the queue and converted into a recorded error.
const maxRetries = 3

// epoch is the since-value of a first sync, making it a full pull.
var epoch = time.Unix(0, 0).UTC()

// cycleStats summarizes one sync cycle for logging and metrics.
type cycleStats struct {
	Downloaded int
	Uploaded   int
	Dropped    int
	Conflicts  int
	Resolved   int
	Errors     int
}

// Engine orchestrates sync cycles: download remote deltas, upload the
// pending queue, resolve detected conflicts. Create one with [NewEngine],
// restore persisted state with [Engine.Initialize], and either run the
// periodic loop with [Engine.Run] or fire single cycles with
// [Engine.TriggerSync].
type Engine struct {
	backend  Backend
	local    LocalStore
	queue    *Queue
	status   *Tracker
	conn     ConnectivitySource
	resolver Resolver
	interval time.Duration
	log      *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntDownloaded  metric.Int64Counter
	cntUploaded    metric.Int64Counter
	cntDropped     metric.Int64Counter
	cntConflicts   metric.Int64Counter
	cntResolutions metric.Int64Counter
	cntErrors      metric.Int64Counter
}

// NewEngine creates an Engine. A nil resolver defaults to [LastWriteWins].
func NewEngine(backend Backend, local LocalStore, queue *Queue, status *Tracker, conn ConnectivitySource, resolver Resolver, interval time.Duration, logger *slog.Logger) *Engine {
	if resolver == nil {
		resolver = LastWriteWins{}
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		backend:  backend,
		local:    local,
		queue:    queue,
		status:   status,
		conn:     conn,
		resolver: resolver,
		interval: interval,
		log:      logger,

		tracer:         tracer,
		cntDownloaded:  mustCounter(metricDownloaded, "Number of records downloaded during sync"),
		cntUploaded:    mustCounter(metricUploaded, "Number of queue items uploaded during sync"),
		cntDropped:     mustCounter(metricDropped, "Number of queue items dropped after exhausting retries"),
		cntConflicts:   mustCounter(metricConflicts, "Number of conflicts detected during download"),
		cntResolutions: mustCounter(metricResolutions, "Number of conflicts resolved"),
		cntErrors:      mustCounter(metricErrors, "Number of errors recorded during sync"),
	}
}

// Initialize restores the persisted queue and status, backfills the queue
// from unsynced local records if it came up empty, and publishes the initial
// pending-upload count. Safe to call again after a previous engine instance
// was torn down.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.queue.Load(); err != nil {
		return err
	}
	if err := e.status.Load(); err != nil {
		return err
	}
	if err := e.backfill(ctx); err != nil {
		return err
	}
	e.status.SetPendingUploads(e.queue.PendingUploads())
	e.log.Info("sync engine initialized", "queued", e.queue.Len())
	return nil
}

// Status returns a snapshot of the current sync status.
func (e *Engine) Status() model.Status {
	return e.status.Snapshot()
}

// IsOnline reports the last observed backend reachability.
func (e *Engine) IsOnline() bool {
	return e.conn.Online()
}

// IsSyncing reports whether a cycle is currently running.
func (e *Engine) IsSyncing() bool {
	return e.status.Snapshot().IsSyncing
}

// AddListener registers a status listener and returns its unsubscribe
// function. The listener immediately receives the current status.
func (e *Engine) AddListener(fn Listener) func() {
	return e.status.AddListener(fn)
}

// Run starts the periodic sync loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	// Run an immediate first cycle.
	if err := e.TriggerSync(ctx); err != nil {
		e.log.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := e.TriggerSync(ctx); err != nil {
				e.log.Error("periodic sync failed", "error", err)
			}
		}
	}
}

// OnConnectivityChange records the new connectivity state and kicks off a
// cycle when the connection came back. Wire it as the network monitor's
// change callback: the monitor fires once per transition, so recovery
// triggers exactly one sync.
func (e *Engine) OnConnectivityChange(ctx context.Context, online bool) {
	e.status.SetOnline(online)
	if online {
		go func() {
			if err := e.TriggerSync(ctx); err != nil {
				e.log.Error("reconnect sync failed", "error", err)
			}
		}()
	}
}

// Enqueue records a local mutation for upload. The item's id, timestamp,
// and retry count are filled in here. If the backend is reachable, a sync
// cycle is requested fire-and-forget.
func (e *Engine) Enqueue(ctx context.Context, t model.RecordType, action model.Action, localID string, serverID int64, data json.RawMessage, priority model.Priority) error {
	if !t.Valid() {
		return fmt.Errorf("unknown record type %q", t)
	}
	switch action {
	case model.ActionCreate, model.ActionUpdate, model.ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	if action != model.ActionDelete {
		if _, err := model.DecodePayload(t, data); err != nil {
			return err
		}
	}

	item := model.NewQueueItem(t, action, localID, serverID, data, priority)
	if err := e.queue.Add(item); err != nil {
		return err
	}
	e.status.SetPendingUploads(e.queue.PendingUploads())
	e.log.Debug("queued mutation", "id", item.ID, "action", action)

	if e.conn.Online() {
		go func() {
			if err := e.TriggerSync(ctx); err != nil {
				e.log.Error("enqueue-triggered sync failed", "error", err)
			}
		}()
	}
	return nil
}

// TriggerSync runs one full cycle: download, upload, resolve. It is a no-op
// while another cycle is running or while offline. Cycle-internal failures
// are recorded as status errors rather than returned; the error return is
// reserved for the engine being unable to run at all.
func (e *Engine) TriggerSync(ctx context.Context) error {
	if !e.conn.Online() {
		e.log.Debug("skipping sync: offline")
		return nil
	}
	if !e.status.BeginSync() {
		e.log.Debug("skipping sync: cycle already running")
		return nil
	}

	ctx, span := e.tracer.Start(ctx, spanCycle)
	defer span.End()

	var stats cycleStats
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.recordError(model.ErrorGeneral, fmt.Sprintf("sync cycle panicked: %v", r), nil)
			stats.Errors++
		}

		e.cntDownloaded.Add(ctx, int64(stats.Downloaded))
		e.cntUploaded.Add(ctx, int64(stats.Uploaded))
		e.cntDropped.Add(ctx, int64(stats.Dropped))
		e.cntConflicts.Add(ctx, int64(stats.Conflicts))
		e.cntResolutions.Add(ctx, int64(stats.Resolved))
		e.cntErrors.Add(ctx, int64(stats.Errors))
		span.SetAttributes(
			attribute.Int("sync.downloaded", stats.Downloaded),
			attribute.Int("sync.uploaded", stats.Uploaded),
			attribute.Int("sync.dropped", stats.Dropped),
			attribute.Int("sync.conflicts", stats.Conflicts),
			attribute.Int("sync.resolved", stats.Resolved),
			attribute.Int("sync.errors", stats.Errors),
		)

		// Runs on success and failure alike: the cycle must always end
		// with a completed progress bar and a final broadcast.
		e.status.EndSync()
		e.log.Info("sync cycle finished",
			"downloaded", stats.Downloaded,
			"uploaded", stats.Uploaded,
			"conflicts", stats.Conflicts,
			"resolved", stats.Resolved,
			"errors", stats.Errors,
			"duration", time.Since(start),
		)
	}()

	e.status.SetProgress(10)
	e.download(ctx, &stats)

	e.status.SetProgress(70)
	e.upload(ctx, &stats)

	e.status.SetProgress(95)
	e.resolve(ctx, &stats)

	// lastSyncTime moves only when the cycle got through every phase.
	e.status.SetLastSyncTime(time.Now().UTC())
	return nil
}

// download pulls remote deltas per collection and folds them into the local
// store. A failure in one collection is recorded and does not abort the
// others.
func (e *Engine) download(ctx context.Context, stats *cycleStats) {
	since := epoch
	if last := e.status.Snapshot().LastSyncTime; last != nil {
		since = *last
	}

	fetched := 0
	for i, t := range model.DownloadTypes {
		records, err := e.backend.Pull(ctx, t, since)
		if err != nil {
			e.recordError(model.ErrorDownload, fmt.Sprintf("downloading %s: %v", t.Collection(), err), nil)
			stats.Errors++
			continue
		}
		fetched += len(records)
		e.status.SetPendingDownloads(fetched)

		for _, rec := range records {
			conflicted, err := e.applyDownload(ctx, t, rec)
			if err != nil {
				e.recordError(model.ErrorDownload, fmt.Sprintf("applying %s %d: %v", t, rec.ID, err), nil)
				stats.Errors++
				continue
			}
			if conflicted {
				stats.Conflicts++
			} else {
				stats.Downloaded++
			}
		}

		e.status.SetProgress(10 + 20*(i+1))
	}

	e.status.SetPendingDownloads(0)
}

// applyDownload folds one server record into the local store. It reports
// whether a conflict was detected instead of applying the record.
func (e *Engine) applyDownload(ctx context.Context, t model.RecordType, rec api.ServerRecord) (bool, error) {
	local, err := e.local.GetByServerID(ctx, t, rec.ID)
	if err != nil {
		return false, err
	}

	payload, err := payloadFromServer(rec.Raw)
	if err != nil {
		return false, err
	}
	if _, err := model.DecodePayload(t, payload); err != nil {
		return false, err
	}

	if local == nil {
		return false, e.local.Create(ctx, &model.Record{
			Type:      t,
			LocalID:   uuid.New().String(),
			ServerID:  rec.ID,
			Synced:    true,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
			Data:      payload,
		})
	}

	// A local edit newer than what the server is pushing means both sides
	// changed since the last cycle. Park it for the resolution phase
	// instead of overwriting.
	if local.UpdatedAt.After(rec.UpdatedAt) {
		localSide, err := conflictSide(local)
		if err != nil {
			return false, err
		}
		c := model.NewConflict(t, local.LocalID, localSide, rec.Raw)
		if err := e.local.SaveConflict(ctx, c); err != nil {
			return false, err
		}
		e.log.Info("conflict detected", "type", t, "local_id", local.LocalID, "server_id", rec.ID)
		return true, nil
	}

	local.ServerID = rec.ID
	local.Synced = true
	local.CreatedAt = rec.CreatedAt
	local.UpdatedAt = rec.UpdatedAt
	local.Data = payload
	return false, e.local.Update(ctx, local)
}

// upload drains the queue in priority order. Failed items stay queued with
// a bumped retry count until they hit the ceiling, at which point they are
// dropped and recorded as errors.
func (e *Engine) upload(ctx context.Context, stats *cycleStats) {
	items := e.queue.Items()
	for i, item := range items {
		if item.RetryCount >= maxRetries {
			e.dropItem(item, stats)
			continue
		}

		if err := e.uploadItem(ctx, item); err != nil {
			count, bumpErr := e.queue.Bump(item.ID)
			if bumpErr != nil {
				e.log.Error("bumping retry count", "id", item.ID, "error", bumpErr)
			}
			e.log.Warn("upload failed", "id", item.ID, "attempt", count, "error", err)
			if count >= maxRetries {
				item.RetryCount = count
				e.dropItem(item, stats)
			}
			continue
		}

		if err := e.queue.Remove(item.ID); err != nil {
			e.log.Error("removing uploaded item", "id", item.ID, "error", err)
		}
		stats.Uploaded++

		if len(items) > 0 {
			e.status.SetProgress(70 + 20*(i+1)/len(items))
		}
	}

	e.status.SetPendingUploads(e.queue.PendingUploads())
}

// uploadItem pushes one queue item to the backend. Create responses assign
// the server id, which is written back onto the local record.
func (e *Engine) uploadItem(ctx context.Context, item model.QueueItem) error {
	switch item.Action {
	case model.ActionCreate:
		serverID, err := e.backend.Create(ctx, item.Type, item.Data)
		if err != nil {
			return err
		}
		rec, err := e.local.GetByLocalID(ctx, item.Type, item.LocalID)
		if err != nil {
			return err
		}
		if rec == nil {
			// Deleted locally between enqueue and upload. The server copy
			// will be removed by the matching delete item.
			return nil
		}
		rec.ServerID = serverID
		rec.Synced = true
		return e.local.Update(ctx, rec)

	case model.ActionUpdate:
		if item.ServerID == 0 {
			return fmt.Errorf("update for %s %s has no server id", item.Type, item.LocalID)
		}
		if err := e.backend.Update(ctx, item.Type, item.ServerID, item.Data); err != nil {
			return err
		}
		rec, err := e.local.GetByLocalID(ctx, item.Type, item.LocalID)
		if err != nil || rec == nil {
			return err
		}
		rec.Synced = true
		return e.local.Update(ctx, rec)

	case model.ActionDelete:
		if item.ServerID == 0 {
			// Never reached the server; nothing remote to remove.
			return nil
		}
		return e.backend.Delete(ctx, item.Type, item.ServerID)

	default:
		return fmt.Errorf("unknown action %q", item.Action)
	}
}

// dropItem removes an item that exhausted its retries and records the loss.
func (e *Engine) dropItem(item model.QueueItem, stats *cycleStats) {
	if err := e.queue.Remove(item.ID); err != nil {
		e.log.Error("removing exhausted item", "id", item.ID, "error", err)
	}
	data, _ := json.Marshal(item)
	e.recordError(model.ErrorUpload, fmt.Sprintf("dropped %s %s after %d attempts", item.Action, item.Type, item.RetryCount), data)
	stats.Dropped++
	stats.Errors++
}

// resolve settles every parked conflict with the configured strategy. A
// conflict leaves the table only after its resolution was fully applied.
func (e *Engine) resolve(ctx context.Context, stats *cycleStats) {
	conflicts, err := e.local.Conflicts(ctx)
	if err != nil {
		e.recordError(model.ErrorConflict, fmt.Sprintf("listing conflicts: %v", err), nil)
		stats.Errors++
		return
	}

	for _, c := range conflicts {
		if err := e.resolveOne(ctx, c); err != nil {
			e.recordError(model.ErrorConflict, fmt.Sprintf("resolving %s: %v", c.ID, err), nil)
			stats.Errors++
			continue
		}
		if err := e.local.DeleteConflict(ctx, c.ID); err != nil {
			e.recordError(model.ErrorConflict, fmt.Sprintf("removing resolved conflict %s: %v", c.ID, err), nil)
			stats.Errors++
			continue
		}
		stats.Resolved++
	}
}

// resolveOne applies the resolver's decision for a single conflict.
func (e *Engine) resolveOne(ctx context.Context, c model.Conflict) error {
	outcome, err := e.resolver.Resolve(c)
	if err != nil {
		return err
	}

	rec, err := e.local.GetByLocalID(ctx, c.Type, c.LocalID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Record vanished since detection; nothing left to settle.
		e.log.Warn("conflicted record no longer exists", "id", c.ID)
		return nil
	}

	switch outcome.Resolution {
	case UseLocal:
		// Push the local edit back up on the next upload phase.
		item := model.NewQueueItem(c.Type, model.ActionUpdate, rec.LocalID, rec.ServerID, rec.Data, model.PriorityHigh)
		if err := e.queue.Add(item); err != nil {
			return err
		}
		e.status.SetPendingUploads(e.queue.PendingUploads())
		return nil

	case UseServer:
		return e.overwriteLocal(ctx, rec, c.ServerData)

	case Merge:
		if outcome.Data == nil {
			return fmt.Errorf("merge resolution for %s carried no data", c.ID)
		}
		return e.overwriteLocal(ctx, rec, outcome.Data)

	default:
		return fmt.Errorf("unknown resolution %q", outcome.Resolution)
	}
}

// overwriteLocal replaces a record's payload and times with the winning
// side and marks it synced.
func (e *Engine) overwriteLocal(ctx context.Context, rec *model.Record, winning json.RawMessage) error {
	payload, err := payloadFromServer(winning)
	if err != nil {
		return err
	}
	ts, err := conflictTime(winning)
	if err != nil {
		return err
	}

	rec.Data = payload
	rec.Synced = true
	if !ts.IsZero() {
		rec.UpdatedAt = ts
	}
	return e.local.Update(ctx, rec)
}

// recordError appends a status error and logs it.
func (e *Engine) recordError(t model.ErrorType, msg string, data json.RawMessage) {
	e.log.Error("sync error", "type", t, "message", msg)
	e.status.AddError(model.NewSyncError(t, msg, data))
}

// payloadFromServer strips the envelope fields from a server object,
// leaving the type-specific payload.
func payloadFromServer(raw json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parsing server record: %w", err)
	}
	delete(obj, "id")
	delete(obj, "created_at")
	delete(obj, "updated_at")

	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return payload, nil
}

// conflictSide builds the local side of a conflict: the record payload plus
// the envelope timestamps the resolver compares.
func conflictSide(rec *model.Record) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &obj); err != nil {
		return nil, fmt.Errorf("parsing local record data: %w", err)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}

	quote := func(ts time.Time) json.RawMessage {
		return json.RawMessage(fmt.Sprintf("%q", ts.UTC().Format(time.RFC3339Nano)))
	}
	if !rec.CreatedAt.IsZero() {
		obj["created_at"] = quote(rec.CreatedAt)
	}
	if !rec.UpdatedAt.IsZero() {
		obj["updated_at"] = quote(rec.UpdatedAt)
	}

	side, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding conflict side: %w", err)
	}
	return side, nil
}
