package models

import (
	"encoding/json"
	"time"
)

// Queue operation names. Entity services register one handler per
// (store, operation) pair with the offline queue.
const (
	OpAdd      = "add"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpInbound  = "inbound"
	OpOutbound = "outbound"
	OpTransfer = "transfer"
)

// QueueEntry is one pending offline write. Entries are replayed in Timestamp
// ascending order and deleted only after the remote write succeeds.
type QueueEntry struct {
	ID        string          `json:"id"`
	Store     string          `json:"storeName"`
	Op        string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	ItemID    string          `json:"itemId,omitempty"`  // remote key, for updates/deletes
	LocalID   string          `json:"localId,omitempty"` // temporary id, for offline creates
	Timestamp time.Time       `json:"timestamp"`
}
