package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/monitor"
	"github.com/t77yq/media-cluster/internal/storage"
	"github.com/t77yq/media-cluster/internal/stream"
	"github.com/t77yq/media-cluster/internal/transcode"
)

type noopConverter struct{}

func (noopConverter) Convert(ctx context.Context, in, out string, preset transcode.Preset) (model.ConversionResult, error) {
	return model.ConversionResult{}, transcode.ErrConversion
}

type staticSampler struct{ sample model.LoadSample }

func (s staticSampler) Latest() model.LoadSample { return s.sample }

func newWorkerFixture(t *testing.T) (*httptest.Server, *monitor.TrafficCounter) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	catalog, err := storage.NewMediaCatalog(logger, filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o644))
	require.NoError(t, catalog.Add(context.Background(), &model.Media{ID: "song", FilePath: path, Size: 1000}))

	processes := transcode.NewProcessManager(1, logger)
	cache := transcode.NewCache(transcode.CacheConfig{Dir: t.TempDir()}, noopConverter{}, logger)
	gate := stream.NewGate(2)
	runtime := stream.NewRuntime()
	streams := stream.NewServer(stream.Config{WorkerID: "w1"}, gate, runtime, catalog, cache, nil, logger)
	traffic := monitor.NewTrafficCounter()

	w := NewWorker(WorkerDeps{
		WorkerID:  "w1",
		Stream:    streams,
		Gate:      gate,
		Runtime:   runtime,
		Sampler:   staticSampler{model.LoadSample{Score: 33, Trend: model.LoadTrendStable}},
		Traffic:   traffic,
		State:     func() string { return "registered" },
		Catalog:   catalog,
		Cache:     cache,
		Processes: processes,
		StartedAt: time.Now(),
	}, logger)

	srv := httptest.NewServer(w.Router())
	t.Cleanup(srv.Close)
	return srv, traffic
}

func TestWorkerStreamAndTraffic(t *testing.T) {
	srv, traffic := newWorkerFixture(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream/song", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Len(t, body, 100)
	assert.Equal(t, "bytes 0-99/1000", resp.Header.Get("Content-Range"))

	snap := traffic.Snapshot()
	assert.GreaterOrEqual(t, snap.Network.Write, uint64(100))
	assert.Equal(t, uint64(1), snap.Requests)
}

func TestWorkerConvertFailure(t *testing.T) {
	srv, traffic := newWorkerFixture(t)

	resp, err := http.Post(srv.URL+"/convert/song?format=ogg", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, uint64(1), traffic.Snapshot().Errors)
}

func TestWorkerHealthAndStats(t *testing.T) {
	srv, _ := newWorkerFixture(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health := decode[workerHealth](t, resp)
	assert.Equal(t, "w1", health.WorkerID)
	assert.Equal(t, "registered", health.State)
	assert.Equal(t, model.WorkerStatusIdle, health.WorkerStatus)
	assert.InDelta(t, 33, health.Load, 0.001)
	assert.Equal(t, 2, health.MaxConnections)

	resp, err = http.Get(srv.URL + "/node/stats")
	require.NoError(t, err)
	stats := decode[nodeStats](t, resp)
	assert.Equal(t, "w1", stats.WorkerID)
	assert.NotZero(t, stats.Host.PID)
	require.NotNil(t, stats.Cache)
	require.NotNil(t, stats.Processes)

	resp, err = http.Get(srv.URL + "/media")
	require.NoError(t, err)
	assert.Len(t, decode[[]model.Media](t, resp), 1)
}
