package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ProcessStats summarises external process activity
type ProcessStats struct {
	Running   int       `json:"running"`
	Started   uint64    `json:"started"`
	Failed    uint64    `json:"failed"`
	LastStart time.Time `json:"lastStart,omitempty"`
}

// ProcessManager runs external commands with a concurrency limit and kills
// whatever is still running on Stop
type ProcessManager struct {
	logger *zap.Logger
	slots  *semaphore.Weighted

	mu        sync.Mutex
	processes map[string]*exec.Cmd
	lastStart time.Time

	started atomic.Uint64
	failed  atomic.Uint64
}

// NewProcessManager creates a manager allowing maxProcesses concurrent commands
func NewProcessManager(maxProcesses int, logger *zap.Logger) *ProcessManager {
	if maxProcesses <= 0 {
		maxProcesses = 1
	}
	return &ProcessManager{
		logger:    logger.Named("process-manager"),
		slots:     semaphore.NewWeighted(int64(maxProcesses)),
		processes: make(map[string]*exec.Cmd),
	}
}

// Run executes name with args under id, waiting for a free slot first.
// The returned error includes the tail of stderr.
func (pm *ProcessManager) Run(ctx context.Context, id, name string, args ...string) error {
	if err := pm.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire process slot: %w", err)
	}
	defer pm.slots.Release(1)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		pm.failed.Add(1)
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.mu.Lock()
	pm.processes[id] = cmd
	pm.lastStart = time.Now()
	pm.mu.Unlock()
	pm.started.Add(1)

	pm.logger.Debug("Process started",
		zap.String("process_id", id),
		zap.String("command", name),
		zap.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()

	pm.mu.Lock()
	delete(pm.processes, id)
	pm.mu.Unlock()

	if err != nil {
		pm.failed.Add(1)
		return fmt.Errorf("process %s exited: %w: %s", id, err, tail(stderr.String(), 512))
	}

	pm.logger.Debug("Process finished", zap.String("process_id", id))
	return nil
}

// Stats returns current process counters
func (pm *ProcessManager) Stats() ProcessStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return ProcessStats{
		Running:   len(pm.processes),
		Started:   pm.started.Load(),
		Failed:    pm.failed.Load(),
		LastStart: pm.lastStart,
	}
}

// Stop kills every running process
func (pm *ProcessManager) Stop() {
	pm.logger.Info("Stopping process manager")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for id, cmd := range pm.processes {
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				pm.logger.Error("Failed to kill process",
					zap.String("process_id", id),
					zap.Error(err))
			}
		}
	}
}

func tail(s string, n int) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
