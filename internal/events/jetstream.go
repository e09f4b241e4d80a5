package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

// Connect dials NATS and returns a JetStream context
func Connect(url string, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.Name("media-cluster"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(operationTimeout))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return nc, js, nil
}

// SetupStreams creates the cluster stream if it does not exist yet
func SetupStreams(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     clusterStreamName,
		Subjects: []string{eventSubjectAll, statsSubjectAll},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.Info("Stream already exists", zap.String("stream", clusterStreamName))
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("Stream created successfully", zap.String("stream", clusterStreamName))
	return nil
}

// JetStreamPublisher publishes events and samples to JetStream subjects
type JetStreamPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewJetStreamPublisher creates a publisher and makes sure the stream exists
func NewJetStreamPublisher(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamPublisher, error) {
	logger = logger.Named("events")

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := SetupStreams(ctx, js, logger); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}

	return &JetStreamPublisher{logger: logger, js: js}, nil
}

// PublishEvent publishes evt on worker.event.<type-suffix>
func (p *JetStreamPublisher) PublishEvent(ctx context.Context, evt model.ClusterEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(EventSubject(evt.Type), data, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.String("worker_id", evt.WorkerID))
	return nil
}

// PublishStats publishes sample on node.stats.<workerId>
func (p *JetStreamPublisher) PublishStats(ctx context.Context, sample model.LoadSample) error {
	if sample.WorkerID == "" {
		return errors.New("sample has no worker id")
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	if _, err := p.js.Publish(StatsSubject(sample.WorkerID), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}
	return nil
}

// EventSubject maps an event type to its subject.
// worker.registered becomes worker.event.registered.
func EventSubject(typ model.EventType) string {
	return eventSubjectPrefix + strings.TrimPrefix(string(typ), "worker.")
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// StatsSubject returns the subject a worker's samples are published on
func StatsSubject(workerID string) string {
	return statsSubjectPrefix + subjectToken.Replace(workerID)
}

// SubscribeEvents delivers every cluster event to handler until ctx is done
func SubscribeEvents(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger, handler func(model.ClusterEvent)) error {
	sub, err := js.Subscribe(eventSubjectAll, func(msg *nats.Msg) {
		var evt model.ClusterEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Ack()
			return
		}

		handler(evt)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// SubscribeStats delivers worker load samples to handler until ctx is done.
// Samples without a worker id get the one encoded in the subject.
func SubscribeStats(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger, handler func(sample model.LoadSample)) error {
	sub, err := js.Subscribe(statsSubjectAll, func(msg *nats.Msg) {
		defer msg.Ack()

		var sample model.LoadSample
		if err := json.Unmarshal(msg.Data, &sample); err != nil {
			logger.Error("Failed to unmarshal stats", zap.Error(err))
			return
		}

		// Subject format: node.stats.<worker_id>
		if sample.WorkerID == "" {
			sample.WorkerID = strings.TrimPrefix(msg.Subject, statsSubjectPrefix)
		}

		handler(sample)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to stats: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
