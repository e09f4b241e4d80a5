package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/events"
	"github.com/t77yq/media-cluster/internal/model"
)

// System load levels reported in the summary
const (
	SystemLoadLow    = "low"
	SystemLoadMedium = "medium"
	SystemLoadHigh   = "high"
)

const highCPUAverage = 70.0

// WorkerStats pairs a registry record with the last sample the worker pushed
type WorkerStats struct {
	model.WorkerRecord
	Sample *model.LoadSample `json:"sample,omitempty"`
}

// Summary aggregates the cluster for the admin dashboard
type Summary struct {
	TotalNodes     int     `json:"totalNodes"`
	OnlineNodes    int     `json:"onlineNodes"`
	SaturatedNodes int     `json:"saturatedNodes"`
	AvgCPU         float64 `json:"avgCpu"`
	AvgMemory      float64 `json:"avgMemory"`
	SystemLoad     string  `json:"systemLoad"`
}

// SystemStats is the payload of the admin system-stats view
type SystemStats struct {
	Master      model.LoadSample `json:"master"`
	Host        HostInfo         `json:"host"`
	Workers     []WorkerStats    `json:"workers"`
	Sessions    SessionCounts    `json:"sessions"`
	Summary     Summary          `json:"summary"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// SessionCounts summarises the session tracker
type SessionCounts struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// StatsCollector keeps the latest load sample of every worker
type StatsCollector struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	threshold float64
	startedAt time.Time

	mu      sync.RWMutex
	samples map[string]model.LoadSample
}

// NewStatsCollector creates a collector. js may be nil when samples arrive over HTTP only.
func NewStatsCollector(js nats.JetStreamContext, threshold float64, logger *zap.Logger) *StatsCollector {
	return &StatsCollector{
		logger:    logger.Named("stats-collector"),
		js:        js,
		threshold: threshold,
		startedAt: time.Now(),
		samples:   make(map[string]model.LoadSample),
	}
}

// Start subscribes to worker samples on the bus
func (c *StatsCollector) Start(ctx context.Context) error {
	if c.js == nil {
		c.logger.Info("Starting stats collector without NATS, waiting for pushed samples")
		return nil
	}

	c.logger.Info("Starting stats collector")
	if err := events.SubscribeStats(ctx, c.js, c.logger, c.Record); err != nil {
		return fmt.Errorf("failed to subscribe to node stats: %w", err)
	}
	return nil
}

// Record stores sample as the latest for its worker
func (c *StatsCollector) Record(sample model.LoadSample) {
	if sample.WorkerID == "" {
		c.logger.Warn("Dropping sample without worker id")
		return
	}
	if sample.CollectedAt.IsZero() {
		sample.CollectedAt = time.Now()
	}

	c.mu.Lock()
	if prev, ok := c.samples[sample.WorkerID]; ok && prev.CollectedAt.After(sample.CollectedAt) {
		c.mu.Unlock()
		return
	}
	c.samples[sample.WorkerID] = sample
	c.mu.Unlock()
}

// Samples returns a copy of the latest sample per worker
func (c *StatsCollector) Samples() map[string]model.LoadSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	samples := make(map[string]model.LoadSample, len(c.samples))
	for id, s := range c.samples {
		samples[id] = s
	}
	return samples
}

// Prune drops samples older than maxAge and returns how many were removed
func (c *StatsCollector) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for id, s := range c.samples {
		if s.CollectedAt.Before(cutoff) {
			delete(c.samples, id)
			removed++
		}
	}
	return removed
}

// Build assembles the admin view from the registry records and the master's own sample
func (c *StatsCollector) Build(ctx context.Context, master model.LoadSample, workers []model.WorkerRecord, sessions SessionCounts) SystemStats {
	samples := c.Samples()

	stats := SystemStats{
		Master:      master,
		Host:        ReadHostInfo(ctx, c.startedAt),
		Workers:     make([]WorkerStats, 0, len(workers)),
		Sessions:    sessions,
		GeneratedAt: time.Now(),
	}

	var cpuSum, memSum float64
	var sampled int
	for _, w := range workers {
		ws := WorkerStats{WorkerRecord: w}
		if s, ok := samples[w.WorkerID]; ok {
			s := s
			ws.Sample = &s
		}
		stats.Workers = append(stats.Workers, ws)

		stats.Summary.TotalNodes++
		if w.Status == model.WorkerStatusOffline {
			continue
		}
		stats.Summary.OnlineNodes++
		if w.Load > c.threshold {
			stats.Summary.SaturatedNodes++
		}
		if ws.Sample != nil {
			cpuSum += ws.Sample.CPUPercent
			memSum += ws.Sample.MemoryPercent
			sampled++
		}
	}
	sort.Slice(stats.Workers, func(i, j int) bool {
		return stats.Workers[i].WorkerID < stats.Workers[j].WorkerID
	})

	if sampled > 0 {
		stats.Summary.AvgCPU = cpuSum / float64(sampled)
		stats.Summary.AvgMemory = memSum / float64(sampled)
	}

	switch {
	case stats.Summary.SaturatedNodes > 0:
		stats.Summary.SystemLoad = SystemLoadHigh
	case stats.Summary.AvgCPU > highCPUAverage:
		stats.Summary.SystemLoad = SystemLoadMedium
	default:
		stats.Summary.SystemLoad = SystemLoadLow
	}

	return stats
}
