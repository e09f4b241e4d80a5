package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

// Probe reads host utilisation
type Probe interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// SystemProbe reads the local host through gopsutil
type SystemProbe struct{}

// CPUPercent returns overall CPU utilisation since the previous call
func (SystemProbe) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// MemoryPercent returns used virtual memory in percent
func (SystemProbe) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// ConnectionSource reports streaming slot usage
type ConnectionSource interface {
	Active() int
	Max() int
}

// TrafficSource reports cumulative HTTP traffic
type TrafficSource interface {
	Snapshot() Traffic
}

// SamplerConfig configures a Sampler
type SamplerConfig struct {
	WorkerID    string
	Interval    time.Duration
	TrendWindow int
	Weights     model.LoadWeights
}

// trendBand is the distance from the window average before a trend is reported
const trendBand = 10.0

// Sampler periodically computes the composite load score of this node
type Sampler struct {
	logger  *zap.Logger
	cfg     SamplerConfig
	probe   Probe
	conns   ConnectionSource
	traffic TrafficSource

	mu        sync.RWMutex
	window    []float64
	latest    model.LoadSample
	lastTotal uint64
	listeners []func(ctx context.Context, sample model.LoadSample)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSampler creates a sampler. conns and traffic may be nil.
func NewSampler(cfg SamplerConfig, probe Probe, conns ConnectionSource, traffic TrafficSource, logger *zap.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 5
	}
	if probe == nil {
		probe = SystemProbe{}
	}

	return &Sampler{
		logger:  logger.Named("load-sampler"),
		cfg:     cfg,
		probe:   probe,
		conns:   conns,
		traffic: traffic,
		window:  make([]float64, cfg.TrendWindow),
		latest: model.LoadSample{
			WorkerID: cfg.WorkerID,
			Trend:    model.LoadTrendStable,
		},
		stop: make(chan struct{}),
	}
}

// OnSample registers fn to receive every new sample
func (s *Sampler) OnSample(fn func(ctx context.Context, sample model.LoadSample)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Sample takes a measurement now. Probe failures degrade to zero.
func (s *Sampler) Sample(ctx context.Context) model.LoadSample {
	cpuPct, err := s.probe.CPUPercent(ctx)
	if err != nil {
		s.logger.Warn("Failed to get CPU usage", zap.Error(err))
		cpuPct = 0
	}

	memPct, err := s.probe.MemoryPercent(ctx)
	if err != nil {
		s.logger.Warn("Failed to get memory usage", zap.Error(err))
		memPct = 0
	}

	sample := model.LoadSample{
		WorkerID:      s.cfg.WorkerID,
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		CollectedAt:   time.Now(),
	}
	if s.conns != nil {
		sample.ActiveConnections = s.conns.Active()
		sample.MaxConcurrent = s.conns.Max()
	}

	var traffic Traffic
	if s.traffic != nil {
		traffic = s.traffic.Snapshot()
	}
	sample.Network = traffic.Network
	sample.Requests = traffic.Requests
	sample.Errors = traffic.Errors
	if traffic.Requests > 0 {
		sample.ErrorRate = float64(traffic.Errors) / float64(traffic.Requests) * 100
	}

	s.mu.Lock()
	total := traffic.Network.Total()
	if total >= s.lastTotal {
		sample.NetworkDelta = total - s.lastTotal
	}
	s.lastTotal = total

	sample.Score = s.cfg.Weights.Score(cpuPct, memPct, sample.ActiveConnections, sample.MaxConcurrent, sample.NetworkDelta)
	sample.Trend = s.pushLocked(sample.Score)
	s.latest = sample
	listeners := append([]func(context.Context, model.LoadSample){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, sample)
	}

	return sample
}

// pushLocked appends score to the trailing window and classifies the trend
func (s *Sampler) pushLocked(score float64) model.LoadTrend {
	copy(s.window, s.window[1:])
	s.window[len(s.window)-1] = score

	var sum float64
	for _, v := range s.window {
		sum += v
	}
	avg := sum / float64(len(s.window))

	switch {
	case score > avg+trendBand:
		return model.LoadTrendIncreasing
	case score < avg-trendBand:
		return model.LoadTrendDecreasing
	default:
		return model.LoadTrendStable
	}
}

// Latest returns the most recent sample
func (s *Sampler) Latest() model.LoadSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Start samples immediately and then on every interval until ctx is done or Stop is called
func (s *Sampler) Start(ctx context.Context) {
	s.logger.Info("Starting load sampler", zap.Duration("interval", s.cfg.Interval))
	s.Sample(ctx)

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				sample := s.Sample(ctx)
				s.logger.Debug("Load sampled",
					zap.Float64("cpu", sample.CPUPercent),
					zap.Float64("memory", sample.MemoryPercent),
					zap.Int("active_connections", sample.ActiveConnections),
					zap.Float64("load", sample.Score),
					zap.String("trend", string(sample.Trend)))
			}
		}
	}()
}

// Stop stops the sampling loop
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping load sampler")
		close(s.stop)
	})
}
