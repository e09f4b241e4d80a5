package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/media-cluster/internal/model"
)

// Publisher fans cluster events and worker load samples out to interested parties
type Publisher interface {
	PublishEvent(ctx context.Context, evt model.ClusterEvent) error
	PublishStats(ctx context.Context, sample model.LoadSample) error
}

// NewEvent builds a ClusterEvent with a fresh id and timestamp
func NewEvent(typ model.EventType, severity model.EventSeverity, workerID, message string, data map[string]interface{}) model.ClusterEvent {
	return model.ClusterEvent{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  severity,
		WorkerID:  workerID,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// NopPublisher discards everything. Used when NATS is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, model.ClusterEvent) error { return nil }

func (NopPublisher) PublishStats(context.Context, model.LoadSample) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	Next Publisher
	sink func(model.ClusterEvent)
}

// NewRecorder wraps next so every published event is also passed to sink
func NewRecorder(next Publisher, sink func(model.ClusterEvent)) *Recorder {
	if next == nil {
		next = NopPublisher{}
	}
	return &Recorder{Next: next, sink: sink}
}

func (r *Recorder) PublishEvent(ctx context.Context, evt model.ClusterEvent) error {
	if r.sink != nil {
		r.sink(evt)
	}
	return r.Next.PublishEvent(ctx, evt)
}

func (r *Recorder) PublishStats(ctx context.Context, sample model.LoadSample) error {
	return r.Next.PublishStats(ctx, sample)
}
