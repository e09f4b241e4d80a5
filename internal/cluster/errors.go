package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps network level failures talking to the master
	ErrTransport = errors.New("transport error")

	// ErrReregister is returned when the master no longer knows this worker
	ErrReregister = errors.New("master requires re-registration")

	// ErrNoNode is returned when the master has no node for a task type
	ErrNoNode = errors.New("no node available")
)

// StatusError is returned for unexpected HTTP status codes
type StatusError struct {
	Code    int
	Path    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("master %s: status %d: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("master %s: status %d", e.Path, e.Code)
}
