package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/events"
	"github.com/t77yq/media-cluster/internal/model"
)

const (
	DefaultLivenessTimeout     = 2 * time.Minute
	DefaultSaturationThreshold = 80.0
)

// Options configures a Registry
type Options struct {
	// LivenessTimeout is how long a worker may stay silent before it is reported offline
	LivenessTimeout time.Duration
	// SaturationThreshold is the load above which the saturation hook fires
	SaturationThreshold float64
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = DefaultLivenessTimeout
	}
	if o.SaturationThreshold <= 0 {
		o.SaturationThreshold = DefaultSaturationThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SaturationHook is invoked after a heartbeat reports a load above the threshold
type SaturationHook func(ctx context.Context, worker model.WorkerRecord)

// Registry is the master's table of known workers. All mutation goes through its methods.
type Registry struct {
	logger    *zap.Logger
	opts      Options
	publisher events.Publisher

	mu      sync.RWMutex
	workers map[string]*model.WorkerRecord

	hookMu      sync.RWMutex
	onSaturated SaturationHook
}

// New creates an empty registry
func New(opts Options, publisher events.Publisher, logger *zap.Logger) *Registry {
	opts.setDefaults()
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Registry{
		logger:    logger.Named("registry"),
		opts:      opts,
		publisher: publisher,
		workers:   make(map[string]*model.WorkerRecord),
	}
}

// OnSaturation sets the hook called when a worker reports saturation
func (r *Registry) OnSaturation(hook SaturationHook) {
	r.hookMu.Lock()
	r.onSaturated = hook
	r.hookMu.Unlock()
}

// SaturationThreshold returns the configured saturation threshold
func (r *Registry) SaturationThreshold() float64 {
	return r.opts.SaturationThreshold
}

// Register creates or replaces the record for a worker
func (r *Registry) Register(ctx context.Context, req model.RegisterRequest) (model.WorkerRecord, error) {
	if err := validateRegister(req); err != nil {
		return model.WorkerRecord{}, err
	}

	now := r.opts.Now()

	r.mu.Lock()
	record, exists := r.workers[req.WorkerID]
	if !exists {
		record = &model.WorkerRecord{
			WorkerID:     req.WorkerID,
			RegisteredAt: now,
			LoadTrend:    model.LoadTrendStable,
		}
		r.workers[req.WorkerID] = record
	}
	record.Host = req.Host
	record.Port = req.Port
	record.Capabilities = append([]string(nil), req.Capabilities...)
	record.Status = model.WorkerStatusOnline
	record.LastHeartbeat = now
	snapshot := record.Clone()
	r.mu.Unlock()

	if exists {
		r.logger.Info("Worker re-registered",
			zap.String("worker_id", req.WorkerID),
			zap.String("url", snapshot.URL()))
	} else {
		r.logger.Info("Worker registered",
			zap.String("worker_id", req.WorkerID),
			zap.String("url", snapshot.URL()),
			zap.Strings("capabilities", snapshot.Capabilities))
	}

	r.publish(ctx, events.NewEvent(model.EventWorkerRegistered, model.EventSeverityInfo, req.WorkerID,
		fmt.Sprintf("Worker %s registered at %s", req.WorkerID, snapshot.URL()),
		map[string]interface{}{"host": req.Host, "port": req.Port, "reregistered": exists}))

	return snapshot, nil
}

// Heartbeat applies a worker's latest self-report. Last writer wins.
func (r *Registry) Heartbeat(ctx context.Context, req model.HeartbeatRequest) (model.WorkerRecord, error) {
	if strings.TrimSpace(req.WorkerID) == "" {
		return model.WorkerRecord{}, fmt.Errorf("%w: workerId is required", ErrValidation)
	}
	if req.Status != "" && !req.Status.Valid() {
		return model.WorkerRecord{}, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
	}

	r.mu.Lock()
	record, ok := r.workers[req.WorkerID]
	if !ok {
		r.mu.Unlock()
		return model.WorkerRecord{}, fmt.Errorf("%w: %s", ErrNotRegistered, req.WorkerID)
	}

	if req.Status != "" {
		record.Status = req.Status
	} else if record.Status == model.WorkerStatusOffline {
		record.Status = model.WorkerStatusOnline
	}
	record.Load = clampLoad(req.Load)
	if req.LoadTrend != "" {
		record.LoadTrend = req.LoadTrend
	}
	record.ActiveConnections = req.ActiveConnections
	record.CurrentTask = req.CurrentTask
	if len(req.Capabilities) > 0 {
		record.Capabilities = append([]string(nil), req.Capabilities...)
	}
	record.LastHeartbeat = r.opts.Now()
	snapshot := record.Clone()
	r.mu.Unlock()

	r.logger.Debug("Heartbeat received",
		zap.String("worker_id", req.WorkerID),
		zap.String("status", string(snapshot.Status)),
		zap.Float64("load", snapshot.Load))

	if snapshot.Load > r.opts.SaturationThreshold {
		r.hookMu.RLock()
		hook := r.onSaturated
		r.hookMu.RUnlock()
		if hook != nil {
			hook(ctx, snapshot)
		}
		// The hook may have changed the status
		if current, ok := r.Get(req.WorkerID); ok {
			snapshot = current
		}
	}

	return snapshot, nil
}

// ListActive returns every known worker sorted by id, flipping stale ones to offline first
func (r *Registry) ListActive(ctx context.Context) []model.WorkerRecord {
	r.evaluateStaleness(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]model.WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		records = append(records, w.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].WorkerID < records[j].WorkerID
	})
	return records
}

// Sweep runs the staleness evaluation without returning records
func (r *Registry) Sweep(ctx context.Context) int {
	return r.evaluateStaleness(ctx)
}

// Get returns the stored record as is, without staleness evaluation
func (r *Registry) Get(workerID string) (model.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[workerID]
	if !ok {
		return model.WorkerRecord{}, false
	}
	return w.Clone(), true
}

// SetStatus overrides the status of a worker
func (r *Registry) SetStatus(workerID string, status model.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, workerID)
	}
	w.Status = status
	return nil
}

// Unregister removes a worker immediately
func (r *Registry) Unregister(ctx context.Context, workerID, reason string) error {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, workerID)
	}

	r.logger.Info("Worker unregistered",
		zap.String("worker_id", workerID),
		zap.String("reason", reason))

	r.publish(ctx, events.NewEvent(model.EventWorkerUnregistered, model.EventSeverityInfo, workerID,
		fmt.Sprintf("Worker %s unregistered", workerID),
		map[string]interface{}{"reason": reason}))

	return nil
}

// Len returns the number of known workers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// evaluateStaleness flips silent workers to offline and returns how many changed
func (r *Registry) evaluateStaleness(ctx context.Context) int {
	now := r.opts.Now()

	var flipped []model.WorkerRecord
	r.mu.Lock()
	for id, w := range r.workers {
		if w.Status == model.WorkerStatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.opts.LivenessTimeout {
			w.Status = model.WorkerStatusOffline
			flipped = append(flipped, *w)
			r.logger.Warn("Worker marked as offline",
				zap.String("worker_id", id),
				zap.Time("last_heartbeat", w.LastHeartbeat))
		}
	}
	r.mu.Unlock()

	for _, w := range flipped {
		r.publish(ctx, events.NewEvent(model.EventWorkerOffline, model.EventSeverityCritical, w.WorkerID,
			fmt.Sprintf("Worker %s missed heartbeats", w.WorkerID),
			map[string]interface{}{"lastHeartbeat": w.LastHeartbeat}))
	}

	return len(flipped)
}

func (r *Registry) publish(ctx context.Context, evt model.ClusterEvent) {
	if err := r.publisher.PublishEvent(ctx, evt); err != nil {
		r.logger.Warn("Failed to publish cluster event",
			zap.String("type", string(evt.Type)),
			zap.String("worker_id", evt.WorkerID),
			zap.Error(err))
	}
}

func validateRegister(req model.RegisterRequest) error {
	var missing []string
	if strings.TrimSpace(req.WorkerID) == "" {
		missing = append(missing, "workerId")
	}
	if strings.TrimSpace(req.Host) == "" {
		missing = append(missing, "host")
	}
	if req.Port == 0 {
		missing = append(missing, "port")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(missing, ", "))
	}
	if req.Port < 0 || req.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrValidation, req.Port)
	}
	return nil
}

func clampLoad(load float64) float64 {
	if load < 0 {
		return 0
	}
	if load > 100 {
		return 100
	}
	return load
}
