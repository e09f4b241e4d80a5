package model

import "time"

// Task types known to the balancer
const (
	TaskTypeStreaming       = "streaming"
	TaskTypeAudioConversion = "audio_conversion"
	TaskTypeVideoConversion = "video_conversion"
)

// PlacementStatus represents the state of a placement record
type PlacementStatus string

const (
	PlacementStatusActive    PlacementStatus = "active"
	PlacementStatusCompleted PlacementStatus = "completed"
)

// PlacementRecord is one balancer decision kept for history
type PlacementRecord struct {
	ID          string          `json:"id"`
	TaskType    string          `json:"taskType"`
	WorkerID    string          `json:"workerId"`
	Status      PlacementStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
}
