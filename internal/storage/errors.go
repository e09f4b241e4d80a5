package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidMedia is returned when a media entry is missing required fields
	ErrInvalidMedia = errors.New("invalid media")
)
