// Package events bridges webhook notifications and internal emissions into
// debounced sync triggers and client-facing event streams.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event.
type EventType string

const (
	EventRecordCreated    EventType = "record_created"
	EventRecordUpdated    EventType = "record_updated"
	EventRecordDeleted    EventType = "record_deleted"
	EventSyncTriggered    EventType = "sync_triggered"
	EventSyncCompleted    EventType = "sync_completed"
	EventSyncFailed       EventType = "sync_failed"
	EventConflictDetected EventType = "conflict_detected"
)

// Source names where an event originated.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceLocal     Source = "local"
	SourceScheduler Source = "scheduler"
)

// Event is one unit of work flowing through the bridge.
type Event struct {
	ID            string         `json:"event_id"`
	Type          EventType      `json:"event_type"`
	Source        Source         `json:"source"`
	EntityType    string         `json:"entity_type"`
	RecordID      string         `json:"record_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	RemoteStoreID string         `json:"remote_store_id,omitempty"`
	Processed     bool           `json:"processed"`
	RetryCount    int            `json:"retry_count"`
}

// NewEvent builds an event with a fresh id and timestamp
func NewEvent(eventType EventType, source Source, entityType string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     source,
		EntityType: entityType,
		Timestamp:  time.Now(),
	}
}

// isRecordChange reports whether the event describes a record mutation that
// participates in debounced sync triggering.
func (e Event) isRecordChange() bool {
	switch e.Type {
	case EventRecordCreated, EventRecordUpdated, EventRecordDeleted:
		return true
	}
	return false
}
