package stream

import (
	"sync"

	"github.com/t77yq/media-cluster/internal/model"
)

type task struct {
	kind model.WorkerStatus
	name string
	seq  uint64
}

// Runtime tracks what this worker is doing right now. It backs the status and
// currentTask fields of heartbeats.
type Runtime struct {
	mu    sync.Mutex
	seq   uint64
	tasks map[uint64]task
}

// NewRuntime creates an idle runtime
func NewRuntime() *Runtime {
	return &Runtime{tasks: make(map[uint64]task)}
}

// Begin records a running task and returns the function that ends it
func (r *Runtime) Begin(kind model.WorkerStatus, name string) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.tasks[id] = task{kind: kind, name: name, seq: id}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.tasks, id)
			r.mu.Unlock()
		})
	}
}

// Status is converting while any conversion runs, streaming while any stream
// runs and idle otherwise
func (r *Runtime) Status() model.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := model.WorkerStatusIdle
	for _, t := range r.tasks {
		if t.kind == model.WorkerStatusConverting {
			return model.WorkerStatusConverting
		}
		status = t.kind
	}
	return status
}

// CurrentTask returns the most recently started task still running
func (r *Runtime) CurrentTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest task
	for _, t := range r.tasks {
		if t.seq > latest.seq {
			latest = t
		}
	}
	return latest.name
}

// Tasks returns the number of running tasks
func (r *Runtime) Tasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
