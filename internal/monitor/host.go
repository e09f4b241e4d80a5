package monitor

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo describes the machine a node runs on
type HostInfo struct {
	Hostname      string        `json:"hostname"`
	Platform      string        `json:"platform"`
	KernelVersion string        `json:"kernelVersion"`
	CPUs          int           `json:"cpus"`
	HostUptime    time.Duration `json:"hostUptime"`
	ProcessUptime time.Duration `json:"processUptime"`
	MemoryTotal   uint64        `json:"memoryTotal"`
	MemoryFree    uint64        `json:"memoryFree"`
	PID           int           `json:"pid"`
	GoRoutines    int           `json:"goroutines"`
}

// ReadHostInfo collects host facts. Fields that cannot be read are left empty.
func ReadHostInfo(ctx context.Context, startedAt time.Time) HostInfo {
	info := HostInfo{
		CPUs:          runtime.NumCPU(),
		ProcessUptime: time.Since(startedAt),
		PID:           os.Getpid(),
		GoRoutines:    runtime.NumGoroutine(),
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.KernelVersion = h.KernelVersion
		info.HostUptime = time.Duration(h.Uptime) * time.Second
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryFree = vm.Available
	}

	return info
}
