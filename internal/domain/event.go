package domain

import (
	"encoding/json"
	"time"
)

// Event actions delivered to live clients.
const (
	ActionProcessCreate = "process.create"
	ActionItemCreate    = "item.create"
	ActionItemUpdate    = "item.update"
)

// Event is an immutable state-change notification. It is never persisted.
type Event struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// NewEvent snapshots v as the event payload. Timestamps are rendered in UTC.
func NewEvent(action string, v any, now time.Time) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Action: action, Data: data, EmittedAt: now.UTC()}, nil
}
