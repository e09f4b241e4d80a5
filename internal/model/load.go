package model

import "time"

// NetworkBytes holds cumulative byte counters since process start
type NetworkBytes struct {
	Read  uint64 `json:"read"`
	Write uint64 `json:"write"`
}

// Total returns read plus written bytes
func (n NetworkBytes) Total() uint64 {
	return n.Read + n.Write
}

// LoadSample is a single measurement taken by the load sampler
type LoadSample struct {
	WorkerID          string       `json:"workerId,omitempty"`
	CPUPercent        float64      `json:"cpuPercent"`
	MemoryPercent     float64      `json:"memoryPercent"`
	ActiveConnections int          `json:"activeConnections"`
	MaxConcurrent     int          `json:"maxConcurrent"`
	Network           NetworkBytes `json:"networkBytes"`
	NetworkDelta      uint64       `json:"networkDelta"`
	Requests          uint64       `json:"requests"`
	Errors            uint64       `json:"errors"`
	ErrorRate         float64      `json:"errorRate"`
	Score             float64      `json:"load"`
	Trend             LoadTrend    `json:"loadTrend"`
	CollectedAt       time.Time    `json:"collectedAt"`
}

// LoadWeights are the coefficients of the composite load score
type LoadWeights struct {
	CPU         float64 `mapstructure:"cpu" json:"cpu"`
	Memory      float64 `mapstructure:"memory" json:"memory"`
	Connections float64 `mapstructure:"connections" json:"connections"`
	Network     float64 `mapstructure:"network" json:"network"`
	// NetworkNormBytes is the per-interval traffic that counts as 100% network load
	NetworkNormBytes uint64 `mapstructure:"network_norm_bytes" json:"networkNormBytes"`
}

// DefaultLoadWeights returns the stock scoring policy
func DefaultLoadWeights() LoadWeights {
	return LoadWeights{
		CPU:              0.4,
		Memory:           0.3,
		Connections:      0.2,
		Network:          0.1,
		NetworkNormBytes: 10 * 1024 * 1024,
	}
}

// Score computes the composite 0-100 load for the given inputs
func (w LoadWeights) Score(cpu, mem float64, active, maxConcurrent int, networkDelta uint64) float64 {
	var connLoad float64
	if maxConcurrent > 0 {
		connLoad = float64(active) / float64(maxConcurrent) * 100
	}

	var netLoad float64
	if w.NetworkNormBytes > 0 {
		netLoad = min(float64(networkDelta)/float64(w.NetworkNormBytes)*100, 100)
	}

	score := w.CPU*cpu + w.Memory*mem + w.Connections*connLoad + w.Network*netLoad
	return max(0, min(score, 100))
}
