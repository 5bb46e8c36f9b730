package models

import "time"

// EventType is the closed set of event kinds carried by the bus.
type EventType string

const (
	EventAgentStarted     EventType = "agent_started"
	EventAgentStopped     EventType = "agent_stopped"
	EventAgentError       EventType = "agent_error"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventMessageReceived  EventType = "message_received"
	EventProductPosted    EventType = "product_posted"
	EventProductUpdated   EventType = "product_updated"
	EventProductDeleted   EventType = "product_deleted"
	EventSaleRecorded     EventType = "sale_recorded"
	EventInventoryUpdated EventType = "inventory_updated"
	EventCustom           EventType = "custom"
)

// AllEventTypes lists every event type.
var AllEventTypes = []EventType{
	EventAgentStarted,
	EventAgentStopped,
	EventAgentError,
	EventTaskCompleted,
	EventTaskFailed,
	EventMessageReceived,
	EventProductPosted,
	EventProductUpdated,
	EventProductDeleted,
	EventSaleRecorded,
	EventInventoryUpdated,
	EventCustom,
}

// Valid reports whether t belongs to the closed set.
func (t EventType) Valid() bool {
	for _, v := range AllEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Event is an immutable notification published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  int            `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventStatistics is derived from the bus history and subscriptions.
type EventStatistics struct {
	TotalEvents      int               `json:"total_events"`
	HistoryCapacity  int               `json:"history_capacity"`
	EventTypeCounts  map[EventType]int `json:"event_type_counts"`
	SubscriberCounts map[EventType]int `json:"subscriber_counts"`
	WildcardCount    int               `json:"wildcard_subscribers"`
}
