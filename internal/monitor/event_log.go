package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/events"
	"github.com/t77yq/media-cluster/internal/model"
)

// EventLog keeps the most recent cluster events for the admin view
type EventLog struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	size   int

	mu     sync.RWMutex
	events []model.ClusterEvent
	seen   map[string]struct{}
}

// NewEventLog creates a ring of size events. js may be nil when events are recorded directly.
func NewEventLog(js nats.JetStreamContext, size int, logger *zap.Logger) *EventLog {
	if size <= 0 {
		size = 200
	}
	return &EventLog{
		logger: logger.Named("event-log"),
		js:     js,
		size:   size,
		seen:   make(map[string]struct{}),
	}
}

// Start subscribes to cluster events on the bus
func (l *EventLog) Start(ctx context.Context) error {
	if l.js == nil {
		return nil
	}
	if err := events.SubscribeEvents(ctx, l.js, l.logger, l.Record); err != nil {
		return fmt.Errorf("failed to subscribe to cluster events: %w", err)
	}
	l.logger.Info("Event log started")
	return nil
}

// Record appends evt, dropping the oldest entry when full. Duplicate ids are ignored.
func (l *EventLog) Record(evt model.ClusterEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[evt.ID]; ok && evt.ID != "" {
		return
	}

	if len(l.events) >= l.size {
		delete(l.seen, l.events[0].ID)
		l.events = l.events[1:]
	}
	l.events = append(l.events, evt)
	l.seen[evt.ID] = struct{}{}

	switch evt.Severity {
	case model.EventSeverityCritical:
		l.logger.Warn(evt.Message, zap.String("type", string(evt.Type)), zap.String("worker_id", evt.WorkerID))
	default:
		l.logger.Debug(evt.Message, zap.String("type", string(evt.Type)), zap.String("worker_id", evt.WorkerID))
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (l *EventLog) Recent(limit int) []model.ClusterEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]model.ClusterEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.events[i])
	}
	return out
}
