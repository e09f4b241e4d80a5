package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/events"
	"github.com/t77yq/media-cluster/internal/model"
)

// WorkerSource is the view of the registry the balancer needs
type WorkerSource interface {
	ListActive(ctx context.Context) []model.WorkerRecord
	SetStatus(workerID string, status model.WorkerStatus) error
}

// PlacementHistory persists placement decisions
type PlacementHistory interface {
	Store(ctx context.Context, record *model.PlacementRecord) error
	Complete(ctx context.Context, id string, completedAt time.Time) error
}

// BalancingStrategy picks one worker from a non-empty list of eligible candidates
type BalancingStrategy interface {
	Select(candidates []model.WorkerRecord) model.WorkerRecord
}

// NewStrategy returns the strategy registered under name
func NewStrategy(name string) (BalancingStrategy, error) {
	switch name {
	case "", StrategyLeastLoad:
		return &LeastLoadStrategy{}, nil
	case StrategyRoundRobin:
		return &RoundRobinStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

// RoundRobinStrategy cycles through eligible workers
type RoundRobinStrategy struct {
	current int
	mu      sync.Mutex
}

// Select selects a worker using round-robin strategy
func (s *RoundRobinStrategy) Select(candidates []model.WorkerRecord) model.WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]model.WorkerRecord(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].WorkerID < sorted[j].WorkerID
	})

	worker := sorted[s.current%len(sorted)]
	s.current++

	return worker
}

// LeastLoadStrategy implements least-load balancing. Ties go to the lowest worker id.
type LeastLoadStrategy struct{}

// Select selects the worker with the least load
func (s *LeastLoadStrategy) Select(candidates []model.WorkerRecord) model.WorkerRecord {
	selected := candidates[0]
	for _, w := range candidates[1:] {
		if w.Load < selected.Load || (w.Load == selected.Load && w.WorkerID < selected.WorkerID) {
			selected = w
		}
	}
	return selected
}

// Placement is the result of a tracked placement
type Placement struct {
	ID     string             `json:"id"`
	Worker model.WorkerRecord `json:"worker"`
}

// LoadBalancer selects workers for tasks and reacts to saturation
type LoadBalancer struct {
	logger    *zap.Logger
	workers   WorkerSource
	strategy  BalancingStrategy
	threshold float64
	publisher events.Publisher
	history   PlacementHistory

	mu     sync.Mutex
	active map[string]*model.PlacementRecord
}

// NewLoadBalancer creates a new load balancer
func NewLoadBalancer(workers WorkerSource, strategy BalancingStrategy, threshold float64, publisher events.Publisher, history PlacementHistory, logger *zap.Logger) *LoadBalancer {
	if strategy == nil {
		strategy = &LeastLoadStrategy{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &LoadBalancer{
		logger:    logger.Named("load-balancer"),
		workers:   workers,
		strategy:  strategy,
		threshold: threshold,
		publisher: publisher,
		history:   history,
		active:    make(map[string]*model.PlacementRecord),
	}
}

// Eligible returns the workers that may receive a task of taskType.
// An empty taskType skips the capability filter.
func (lb *LoadBalancer) Eligible(ctx context.Context, taskType string) []model.WorkerRecord {
	var eligible []model.WorkerRecord
	for _, w := range lb.workers.ListActive(ctx) {
		if !w.Status.Accepting() {
			continue
		}
		if w.Load >= lb.threshold {
			continue
		}
		if !w.Supports(taskType) {
			continue
		}
		eligible = append(eligible, w)
	}
	return eligible
}

// FindBestWorker selects the worker that should receive a task of taskType
func (lb *LoadBalancer) FindBestWorker(ctx context.Context, taskType string) (model.WorkerRecord, error) {
	eligible := lb.Eligible(ctx, taskType)
	if len(eligible) == 0 {
		return model.WorkerRecord{}, fmt.Errorf("%w for task type %q", ErrNoAvailableWorker, taskType)
	}
	return lb.strategy.Select(eligible), nil
}

// CheckAndRedistribute marks saturated workers as redirecting when somebody else can take over
func (lb *LoadBalancer) CheckAndRedistribute(ctx context.Context) {
	var saturated []model.WorkerRecord
	for _, w := range lb.workers.ListActive(ctx) {
		if w.Status == model.WorkerStatusOffline {
			continue
		}
		if w.Load > lb.threshold {
			saturated = append(saturated, w)
		}
	}
	if len(saturated) == 0 {
		return
	}

	lb.logger.Info("Detected saturated workers", zap.Int("count", len(saturated)))

	for _, w := range saturated {
		lb.publish(ctx, events.NewEvent(model.EventWorkerSaturated, model.EventSeverityWarning, w.WorkerID,
			fmt.Sprintf("Worker %s is saturated at %.1f%% load", w.WorkerID, w.Load),
			map[string]interface{}{"load": w.Load, "threshold": lb.threshold}))

		target, err := lb.FindBestWorker(ctx, "")
		if err != nil {
			lb.logger.Warn("No worker available for redistribution",
				zap.String("worker_id", w.WorkerID))
			continue
		}
		if target.WorkerID == w.WorkerID {
			continue
		}

		if err := lb.workers.SetStatus(w.WorkerID, model.WorkerStatusRedirecting); err != nil {
			lb.logger.Warn("Failed to mark worker as redirecting",
				zap.String("worker_id", w.WorkerID),
				zap.Error(err))
			continue
		}

		lb.logger.Info("Redirecting new work away from saturated worker",
			zap.String("worker_id", w.WorkerID),
			zap.String("target_id", target.WorkerID))

		lb.publish(ctx, events.NewEvent(model.EventWorkerRedirecting, model.EventSeverityWarning, w.WorkerID,
			fmt.Sprintf("Redirecting new work from %s to %s", w.WorkerID, target.WorkerID),
			map[string]interface{}{"target": target.WorkerID, "targetUrl": target.URL()}))
	}
}

// Place selects a worker and records the decision
func (lb *LoadBalancer) Place(ctx context.Context, taskType string) (Placement, error) {
	worker, err := lb.FindBestWorker(ctx, taskType)
	if err != nil {
		return Placement{}, err
	}

	record := &model.PlacementRecord{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		WorkerID:  worker.WorkerID,
		Status:    model.PlacementStatusActive,
		StartedAt: time.Now(),
	}

	lb.mu.Lock()
	if len(lb.active) >= maxTrackedPlacements {
		lb.evictOldestLocked()
	}
	lb.active[record.ID] = record
	lb.mu.Unlock()

	if lb.history != nil {
		if err := lb.history.Store(ctx, record); err != nil {
			lb.logger.Warn("Failed to store placement",
				zap.String("placement_id", record.ID),
				zap.Error(err))
		}
	}

	lb.logger.Debug("Task placed",
		zap.String("placement_id", record.ID),
		zap.String("task_type", taskType),
		zap.String("worker_id", worker.WorkerID))

	return Placement{ID: record.ID, Worker: worker}, nil
}

// Complete marks a placement as finished and returns the updated record
func (lb *LoadBalancer) Complete(ctx context.Context, placementID string) (model.PlacementRecord, error) {
	lb.mu.Lock()
	record, ok := lb.active[placementID]
	if ok {
		delete(lb.active, placementID)
	}
	lb.mu.Unlock()

	if !ok {
		return model.PlacementRecord{}, fmt.Errorf("%w: %s", ErrPlacementNotFound, placementID)
	}

	now := time.Now()
	record.Status = model.PlacementStatusCompleted
	record.CompletedAt = &now
	record.Duration = now.Sub(record.StartedAt)

	if lb.history != nil {
		if err := lb.history.Complete(ctx, placementID, now); err != nil {
			lb.logger.Warn("Failed to complete placement",
				zap.String("placement_id", placementID),
				zap.Error(err))
		}
	}

	return *record, nil
}

// ActivePlacements returns the number of placements not yet completed
func (lb *LoadBalancer) ActivePlacements() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.active)
}

func (lb *LoadBalancer) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, r := range lb.active {
		if oldestID == "" || r.StartedAt.Before(oldest) {
			oldestID, oldest = id, r.StartedAt
		}
	}
	delete(lb.active, oldestID)
}

func (lb *LoadBalancer) publish(ctx context.Context, evt model.ClusterEvent) {
	if err := lb.publisher.PublishEvent(ctx, evt); err != nil {
		lb.logger.Warn("Failed to publish cluster event",
			zap.String("type", string(evt.Type)),
			zap.Error(err))
	}
}
