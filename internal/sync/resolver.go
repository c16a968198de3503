package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/phytovigil/phytosync/internal/model"
)

// Resolution names the strategy outcome for one conflict.
type Resolution string

const (
	// UseLocal keeps the local edit and schedules it for upload.
	UseLocal Resolution = "use_local"
	// UseServer overwrites the local record with the server version.
	UseServer Resolution = "use_server"
	// Merge overwrites the local record with a combined version.
	Merge Resolution = "merge"
)

// Outcome is a resolver's decision for one conflict. Data carries the
// record to apply and is required for Merge; UseLocal and UseServer take
// their data from the conflict itself.
type Outcome struct {
	Resolution Resolution
	Data       json.RawMessage
}

// Resolver decides how to settle a conflict between a local edit and a
// server update. Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(c model.Conflict) (Outcome, error)
}

// conflictTime extracts the modification time from one side of a conflict,
// falling back to the creation time when no update time is present.
func conflictTime(data json.RawMessage) (time.Time, error) {
	var side struct {
		UpdatedAt string `json:"updated_at"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &side); err != nil {
		return time.Time{}, fmt.Errorf("parsing conflict side: %w", err)
	}

	raw := side.UpdatedAt
	if raw == "" {
		raw = side.CreatedAt
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, raw)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing conflict timestamp %q: %w", raw, err)
	}
	return ts, nil
}

// LastWriteWins resolves conflicts by comparing modification times: the
// strictly newer local edit wins, everything else defers to the server.
// This is the default strategy.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(c model.Conflict) (Outcome, error) {
	localTime, err := conflictTime(c.LocalData)
	if err != nil {
		return Outcome{}, err
	}
	serverTime, err := conflictTime(c.ServerData)
	if err != nil {
		return Outcome{}, err
	}

	if localTime.After(serverTime) {
		return Outcome{Resolution: UseLocal}, nil
	}
	return Outcome{Resolution: UseServer}, nil
}

// PreferServerMerge resolves every conflict by merging the two objects:
// server fields win, local fields fill in anything the server left null or
// absent.
type PreferServerMerge struct{}

func (PreferServerMerge) Resolve(c model.Conflict) (Outcome, error) {
	var local, server map[string]any
	if err := json.Unmarshal(c.LocalData, &local); err != nil {
		return Outcome{}, fmt.Errorf("parsing local side: %w", err)
	}
	if err := json.Unmarshal(c.ServerData, &server); err != nil {
		return Outcome{}, fmt.Errorf("parsing server side: %w", err)
	}

	merged := make(map[string]any, len(local)+len(server))
	for k, v := range local {
		merged[k] = v
	}
	for k, v := range server {
		if v == nil {
			continue
		}
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding merged record: %w", err)
	}
	return Outcome{Resolution: Merge, Data: data}, nil
}
