package model

import "time"

// SessionRecord tracks coarse-grained liveness of a user session
type SessionRecord struct {
	SessionID    string     `json:"id"`
	UserID       string     `json:"userId"`
	IP           string     `json:"ip"`
	UserAgent    string     `json:"userAgent,omitempty"`
	StartTime    time.Time  `json:"startTime"`
	LastActivity time.Time  `json:"lastActivity"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	IsActive     bool       `json:"isActive"`
}
