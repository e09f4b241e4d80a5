package model

import (
	"fmt"
	"slices"
	"time"
)

// WorkerStatus represents the status of a worker node
type WorkerStatus string

const (
	WorkerStatusOnline      WorkerStatus = "online"
	WorkerStatusIdle        WorkerStatus = "idle"
	WorkerStatusConverting  WorkerStatus = "converting"
	WorkerStatusStreaming   WorkerStatus = "streaming"
	WorkerStatusRedirecting WorkerStatus = "redirecting"
	WorkerStatusOffline     WorkerStatus = "offline"
	WorkerStatusError       WorkerStatus = "error"
)

// Valid reports whether s is one of the known worker statuses
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusOnline, WorkerStatusIdle, WorkerStatusConverting, WorkerStatusStreaming,
		WorkerStatusRedirecting, WorkerStatusOffline, WorkerStatusError:
		return true
	}
	return false
}

// Accepting reports whether a worker in this status can take new placements
func (s WorkerStatus) Accepting() bool {
	return s == WorkerStatusIdle || s == WorkerStatusOnline
}

// LoadTrend classifies the direction of a worker's load score
type LoadTrend string

const (
	LoadTrendIncreasing LoadTrend = "increasing"
	LoadTrendDecreasing LoadTrend = "decreasing"
	LoadTrendStable     LoadTrend = "stable"
)

// WorkerRecord is the master's view of one registered worker
type WorkerRecord struct {
	WorkerID          string       `json:"workerId"`
	Host              string       `json:"host"`
	Port              int          `json:"port"`
	Capabilities      []string     `json:"capabilities,omitempty"`
	Status            WorkerStatus `json:"status"`
	Load              float64      `json:"load"`
	LoadTrend         LoadTrend    `json:"loadTrend"`
	ActiveConnections int          `json:"activeConnections"`
	CurrentTask       string       `json:"currentTask,omitempty"`
	LastHeartbeat     time.Time    `json:"lastHeartbeat"`
	RegisteredAt      time.Time    `json:"registeredAt"`
}

// URL returns the base address clients are redirected to
func (w WorkerRecord) URL() string {
	return fmt.Sprintf("http://%s:%d", w.Host, w.Port)
}

// Supports reports whether the worker can perform taskType. A worker that
// declared no capabilities accepts every task type.
func (w WorkerRecord) Supports(taskType string) bool {
	if taskType == "" || len(w.Capabilities) == 0 {
		return true
	}
	return slices.Contains(w.Capabilities, taskType)
}

// Clone returns a deep copy safe to hand out of the registry
func (w WorkerRecord) Clone() WorkerRecord {
	w.Capabilities = slices.Clone(w.Capabilities)
	return w
}

// RegisterRequest is the payload a worker sends to join the cluster
type RegisterRequest struct {
	WorkerID     string   `json:"workerId"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HeartbeatRequest is the periodic liveness and load report of a worker
type HeartbeatRequest struct {
	WorkerID          string       `json:"workerId"`
	Status            WorkerStatus `json:"status,omitempty"`
	Load              float64      `json:"load"`
	LoadTrend         LoadTrend    `json:"loadTrend,omitempty"`
	ActiveConnections int          `json:"activeConnections"`
	CurrentTask       string       `json:"currentTask,omitempty"`
	Capabilities      []string     `json:"capabilities,omitempty"`
}

// HeartbeatAck is the master's answer to a heartbeat
type HeartbeatAck struct {
	Status string `json:"status"`
	Worker struct {
		ID          string       `json:"id"`
		Status      WorkerStatus `json:"status"`
		Load        float64      `json:"load"`
		Redirecting bool         `json:"redirecting"`
	} `json:"worker"`
}

// UnregisterRequest notifies the master that a worker is leaving
type UnregisterRequest struct {
	WorkerID string    `json:"workerId"`
	NodeID   string    `json:"nodeId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	SentAt   time.Time `json:"timestamp"`
}

// ID returns the worker id, accepting the legacy nodeId field
func (r UnregisterRequest) ID() string {
	if r.WorkerID != "" {
		return r.WorkerID
	}
	return r.NodeID
}
