package scheduler

import "errors"

var (
	// ErrNoAvailableWorker is returned when no worker is eligible for a placement
	ErrNoAvailableWorker = errors.New("no available worker")

	// ErrPlacementNotFound is returned when completing an unknown placement
	ErrPlacementNotFound = errors.New("placement not found")

	// ErrUnknownStrategy is returned for an unsupported balancing strategy name
	ErrUnknownStrategy = errors.New("unknown balancing strategy")
)
