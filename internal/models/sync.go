package models

import "encoding/json"

// SyncResponse is the body returned to a long-polling client. Sections
// are omitted when empty; NextBatch is always set so the client's next
// poll starts from the versions observed while building this response.
type SyncResponse struct {
	NextBatch   string                     `json:"next_batch"`
	Timeline    map[string]RoomTimeline    `json:"timeline,omitempty"`
	State       map[string]RoomState       `json:"state,omitempty"`
	AccountData []json.RawMessage          `json:"account_data,omitempty"`
	ToDevice    []json.RawMessage          `json:"to_device,omitempty"`
	Presence    []json.RawMessage          `json:"presence,omitempty"`
	Typing      map[string][]string        `json:"typing,omitempty"`
	Receipts    map[string]ReceiptContent  `json:"receipts,omitempty"`
}

// RoomTimeline carries new timeline events for one room.
type RoomTimeline struct {
	Events []json.RawMessage `json:"events"`
}

// RoomState carries state-event updates for one room.
type RoomState struct {
	Events []json.RawMessage `json:"events"`
}
