package model

import "time"

// EventSeverity represents the severity level of a cluster event
type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityCritical EventSeverity = "critical"
)

// EventType represents the type of cluster event
type EventType string

const (
	EventWorkerRegistered   EventType = "worker.registered"
	EventWorkerUnregistered EventType = "worker.unregistered"
	EventWorkerOffline      EventType = "worker.offline"
	EventWorkerSaturated    EventType = "worker.saturated"
	EventWorkerRedirecting  EventType = "worker.redirecting"
)

// ClusterEvent is a notable change in worker membership or load
type ClusterEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Severity  EventSeverity          `json:"severity"`
	WorkerID  string                 `json:"workerId"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
