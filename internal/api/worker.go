package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/monitor"
	"github.com/t77yq/media-cluster/internal/stream"
	"github.com/t77yq/media-cluster/internal/transcode"
)

// StateSource is satisfied by heartbeat.Client
type StateSource interface {
	Redirecting() bool
	Stats() (beats, failures uint64, last time.Time)
}

// MediaLister lists the local catalog
type MediaLister interface {
	List(ctx context.Context, offset, limit int) ([]model.Media, error)
}

// WorkerDeps are the components behind the worker API
type WorkerDeps struct {
	WorkerID string
	Stream   *stream.Server
	Gate     *stream.Gate
	Runtime  *stream.Runtime
	Sampler  SampleSource
	Traffic  *monitor.TrafficCounter
	// State returns the heartbeat registration state
	State     func() string
	Heartbeat StateSource
	Catalog   MediaLister
	Cache     *transcode.Cache
	Processes *transcode.ProcessManager
	StartedAt time.Time
}

// Worker serves streaming, conversion and diagnostics on a worker node
type Worker struct {
	logger *zap.Logger
	deps   WorkerDeps
}

// NewWorker creates the worker API
func NewWorker(deps WorkerDeps, logger *zap.Logger) *Worker {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &Worker{
		logger: logger.Named("worker-api"),
		deps:   deps,
	}
}

// Router builds the HTTP handler. Every byte passing through is counted for the load sampler.
func (wk *Worker) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(recoverer(wk.logger), requestLogger(wk.logger))

	r.HandleFunc("/stream/{mediaId}", wk.deps.Stream.Stream).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/convert/{mediaId}", wk.deps.Stream.Convert).Methods(http.MethodPost)
	r.HandleFunc("/media", wk.listMedia).Methods(http.MethodGet)
	r.HandleFunc("/health", wk.health).Methods(http.MethodGet)
	r.HandleFunc("/node/stats", wk.nodeStats).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})

	if wk.deps.Traffic == nil {
		return r
	}
	return wk.deps.Traffic.Middleware(r)
}

type workerHealth struct {
	Status            string             `json:"status"`
	WorkerID          string             `json:"workerId"`
	State             string             `json:"state"`
	WorkerStatus      model.WorkerStatus `json:"workerStatus"`
	Load              float64            `json:"load"`
	LoadTrend         model.LoadTrend    `json:"loadTrend"`
	ActiveConnections int                `json:"activeConnections"`
	MaxConnections    int                `json:"maxConnections"`
	CurrentTask       string             `json:"currentTask,omitempty"`
	Redirecting       bool               `json:"redirecting"`
}

func (wk *Worker) health(w http.ResponseWriter, r *http.Request) {
	h := workerHealth{
		Status:            "ok",
		WorkerID:          wk.deps.WorkerID,
		WorkerStatus:      wk.deps.Runtime.Status(),
		ActiveConnections: wk.deps.Gate.Active(),
		MaxConnections:    wk.deps.Gate.Max(),
		CurrentTask:       wk.deps.Runtime.CurrentTask(),
	}
	if wk.deps.State != nil {
		h.State = wk.deps.State()
	}
	if wk.deps.Heartbeat != nil {
		h.Redirecting = wk.deps.Heartbeat.Redirecting()
	}
	if wk.deps.Sampler != nil {
		sample := wk.deps.Sampler.Latest()
		h.Load = sample.Score
		h.LoadTrend = sample.Trend
	}
	writeJSON(w, http.StatusOK, h)
}

type heartbeatStats struct {
	Beats    uint64    `json:"beats"`
	Failures uint64    `json:"failures"`
	Last     time.Time `json:"last,omitempty"`
}

type nodeStats struct {
	WorkerID  string                  `json:"workerId"`
	Sample    model.LoadSample        `json:"sample"`
	Host      monitor.HostInfo        `json:"host"`
	Heartbeat *heartbeatStats         `json:"heartbeat,omitempty"`
	Cache     *transcode.CacheStats   `json:"cache,omitempty"`
	Processes *transcode.ProcessStats `json:"processes,omitempty"`
	Redirects uint64                  `json:"redirects"`
	Rejected  uint64                  `json:"rejected"`
}

func (wk *Worker) nodeStats(w http.ResponseWriter, r *http.Request) {
	stats := nodeStats{
		WorkerID: wk.deps.WorkerID,
		Host:     monitor.ReadHostInfo(r.Context(), wk.deps.StartedAt),
	}
	if wk.deps.Sampler != nil {
		stats.Sample = wk.deps.Sampler.Latest()
	}
	if wk.deps.Heartbeat != nil {
		beats, failures, last := wk.deps.Heartbeat.Stats()
		stats.Heartbeat = &heartbeatStats{Beats: beats, Failures: failures, Last: last}
	}
	if wk.deps.Cache != nil {
		cs := wk.deps.Cache.Stats()
		stats.Cache = &cs
	}
	if wk.deps.Processes != nil {
		ps := wk.deps.Processes.Stats()
		stats.Processes = &ps
	}
	stats.Redirects, stats.Rejected = wk.deps.Stream.Counters()
	writeJSON(w, http.StatusOK, stats)
}

func (wk *Worker) listMedia(w http.ResponseWriter, r *http.Request) {
	if wk.deps.Catalog == nil {
		writeJSON(w, http.StatusOK, []model.Media{})
		return
	}
	items, err := wk.deps.Catalog.List(r.Context(), queryInt(r, "offset", 0), queryInt(r, "limit", 100))
	if err != nil {
		wk.logger.Error("Failed to list media", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list media")
		return
	}
	writeJSON(w, http.StatusOK, items)
}
