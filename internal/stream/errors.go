package stream

import "errors"

var (
	// ErrCapacity is returned when the admission gate is full and no other worker can take the request
	ErrCapacity = errors.New("worker at capacity")
	// ErrRangeNotSatisfiable is returned for ranges outside the resource
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)
