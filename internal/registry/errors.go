package registry

import "errors"

var (
	// ErrValidation is returned when a registration or heartbeat payload is malformed
	ErrValidation = errors.New("validation failed")

	// ErrNotRegistered is returned when a heartbeat or unregister names an unknown worker
	ErrNotRegistered = errors.New("worker not registered")
)
