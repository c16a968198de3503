package sync

import (
	"context"

	"github.com/phytovigil/phytosync/internal/model"
)

// backfill repopulates an empty queue from unsynced local records. This
// recovers mutations whose queue entries were lost, e.g. after a corrupt
// snapshot was discarded during [Queue.Load]. A non-empty queue is left
// alone: its entries already cover the unsynced records.
func (e *Engine) backfill(ctx context.Context) error {
	if e.queue.Len() > 0 {
		return nil
	}

	types := []model.RecordType{model.RecordPlant, model.RecordScan, model.RecordActivity, model.RecordUserProfile}
	queued := 0
	for _, t := range types {
		records, err := e.local.Unsynced(ctx, t)
		if err != nil {
			return err
		}
		for _, rec := range records {
			action := model.ActionUpdate
			if rec.ServerID == 0 {
				action = model.ActionCreate
			}
			item := model.NewQueueItem(rec.Type, action, rec.LocalID, rec.ServerID, rec.Data, model.PriorityMedium)
			if err := e.queue.Add(item); err != nil {
				return err
			}
			queued++
		}
	}

	if queued > 0 {
		e.log.Info("backfilled sync queue from unsynced records", "count", queued)
	}
	return nil
}
