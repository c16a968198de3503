package model

import (
	"encoding/json"
	"fmt"
)

// Payload is the tagged union of record payloads, keyed by [RecordType].
// Each variant carries its own strongly-typed shape so malformed cross-type
// data cannot enter the sync queue.
type Payload interface {
	RecordType() RecordType
}

// Plant is the payload for [RecordPlant].
type Plant struct {
	Name      string `json:"name"`
	Species   string `json:"species,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	Location  string `json:"location,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (Plant) RecordType() RecordType { return RecordPlant }

// Scan is the payload for [RecordScan].
type Scan struct {
	// PlantServerID links the scan to its plant by the plant's server id,
	// 0 when the plant has not been uploaded yet.
	PlantServerID int64   `json:"plant_id,omitempty"`
	ImagePath     string  `json:"image_path,omitempty"`
	Disease       string  `json:"disease_name,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	// Status is "healthy", "diseased", or "unknown".
	Status string `json:"status,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func (Scan) RecordType() RecordType { return RecordScan }

// Activity is the payload for [RecordActivity].
type Activity struct {
	Kind        string         `json:"activity_type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (Activity) RecordType() RecordType { return RecordActivity }

// UserProfile is the payload for [RecordUserProfile].
type UserProfile struct {
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

func (UserProfile) RecordType() RecordType { return RecordUserProfile }

// DecodePayload unmarshals raw into the payload variant for t. Unknown
// types are rejected.
func DecodePayload(t RecordType, raw json.RawMessage) (Payload, error) {
	switch t {
	case RecordPlant:
		var v Plant
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding plant payload: %w", err)
		}
		return v, nil
	case RecordScan:
		var v Scan
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding scan payload: %w", err)
		}
		return v, nil
	case RecordActivity:
		var v Activity
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding activity payload: %w", err)
		}
		return v, nil
	case RecordUserProfile:
		var v UserProfile
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding user_profile payload: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown record type %q", t)
	}
}
