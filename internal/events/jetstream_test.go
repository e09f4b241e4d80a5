package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/testutil"
)

func TestJetStreamPublisher(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	publisher, err := NewJetStreamPublisher(js, logger)
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo(clusterStreamName)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{eventSubjectAll, statsSubjectAll}, stream.Config.Subjects)

		// Second setup must tolerate the existing stream
		_, err = NewJetStreamPublisher(js, logger)
		require.NoError(t, err)
	})

	t.Run("PublishEvent", func(t *testing.T) {
		evt := NewEvent(model.EventWorkerSaturated, model.EventSeverityWarning, "worker-1", "Worker saturated", map[string]interface{}{"load": 91.0})
		require.NoError(t, publisher.PublishEvent(context.Background(), evt))

		msgs, err := testutil.ConsumeMessages(js, "worker.event.saturated", time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var got model.ClusterEvent
		require.NoError(t, json.Unmarshal(msgs[0], &got))
		assert.Equal(t, evt.ID, got.ID)
		assert.Equal(t, model.EventWorkerSaturated, got.Type)
		assert.Equal(t, "worker-1", got.WorkerID)
	})

	t.Run("PublishStatsRequiresWorker", func(t *testing.T) {
		err := publisher.PublishStats(context.Background(), model.LoadSample{Score: 10})
		assert.Error(t, err)
	})
}

func TestSubscribe(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	publisher, err := NewJetStreamPublisher(js, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var gotEvents []model.ClusterEvent
	var gotSamples []model.LoadSample

	require.NoError(t, SubscribeEvents(ctx, js, logger, func(evt model.ClusterEvent) {
		mu.Lock()
		gotEvents = append(gotEvents, evt)
		mu.Unlock()
	}))
	require.NoError(t, SubscribeStats(ctx, js, logger, func(sample model.LoadSample) {
		mu.Lock()
		gotSamples = append(gotSamples, sample)
		mu.Unlock()
	}))

	require.NoError(t, publisher.PublishEvent(ctx, NewEvent(model.EventWorkerRegistered, model.EventSeverityInfo, "w1", "Worker registered", nil)))
	require.NoError(t, publisher.PublishStats(ctx, model.LoadSample{WorkerID: "node.a", Score: 42}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotEvents) == 1 && len(gotSamples) == 1
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "w1", gotEvents[0].WorkerID)
	assert.Equal(t, "node.a", gotSamples[0].WorkerID)
	assert.InDelta(t, 42, gotSamples[0].Score, 0.001)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "worker.event.offline", EventSubject(model.EventWorkerOffline))
	assert.Equal(t, "node.stats.host_example_com", StatsSubject("host.example.com"))
}

func TestRecorder(t *testing.T) {
	var got []model.ClusterEvent
	r := NewRecorder(nil, func(evt model.ClusterEvent) { got = append(got, evt) })

	evt := NewEvent(model.EventWorkerOffline, model.EventSeverityCritical, "w1", "Worker offline", nil)
	require.NoError(t, r.PublishEvent(context.Background(), evt))
	require.NoError(t, r.PublishStats(context.Background(), model.LoadSample{}))

	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.NotEmpty(t, evt.ID)
}
