package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/media-cluster/internal/cluster"
	"github.com/t77yq/media-cluster/internal/events"
	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/monitor"
	"github.com/t77yq/media-cluster/internal/registry"
	"github.com/t77yq/media-cluster/internal/scheduler"
	"github.com/t77yq/media-cluster/internal/session"
)

const testSecret = "s3cret"

type masterFixture struct {
	server   *httptest.Server
	registry *registry.Registry
	balancer *scheduler.LoadBalancer
	events   *monitor.EventLog
	stats    *monitor.StatsCollector
}

func newMasterFixture(t *testing.T, limiter *IPRateLimiter) *masterFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	eventLog := monitor.NewEventLog(nil, 50, logger)
	publisher := events.NewRecorder(nil, eventLog.Record)
	reg := registry.New(registry.Options{}, publisher, logger)
	lb := scheduler.NewLoadBalancer(reg, &scheduler.LeastLoadStrategy{}, reg.SaturationThreshold(), publisher, nil, logger)
	reg.OnSaturation(func(ctx context.Context, w model.WorkerRecord) {
		lb.CheckAndRedistribute(ctx)
	})
	stats := monitor.NewStatsCollector(nil, reg.SaturationThreshold(), logger)

	m := NewMaster(MasterDeps{
		Registry: reg,
		Balancer: lb,
		Sessions: session.NewTracker(time.Minute, nil, logger),
		Stats:    stats,
		Events:   eventLog,
		Limiter:  limiter,
		Secret:   testSecret,
	}, logger)

	srv := httptest.NewServer(m.Router())
	t.Cleanup(srv.Close)
	return &masterFixture{server: srv, registry: reg, balancer: lb, events: eventLog, stats: stats}
}

func (f *masterFixture) do(t *testing.T, method, path string, body interface{}, secret bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret {
		req.Header.Set(cluster.SecretHeader, testSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestMasterRegisterHeartbeatBest(t *testing.T) {
	f := newMasterFixture(t, nil)

	for _, w := range []struct {
		id   string
		load float64
	}{{"a", 30}, {"b", 55}, {"c", 10}} {
		resp := f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: w.id, Host: "10.0.0.1", Port: 3002}, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		reg := decode[model.RegisterResponse](t, resp)
		assert.Equal(t, "success", reg.Status)
		assert.Equal(t, model.WorkerStatusOnline, reg.Worker.Status)

		resp = f.do(t, http.MethodPost, "/api/workers/heartbeat", model.HeartbeatRequest{WorkerID: w.id, Status: model.WorkerStatusIdle, Load: w.load}, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ack := decode[model.HeartbeatAck](t, resp)
		assert.Equal(t, w.id, ack.Worker.ID)
		assert.False(t, ack.Worker.Redirecting)
	}

	resp := f.do(t, http.MethodGet, "/api/v1/nodes/best?taskType=streaming", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	best := decode[model.BestNodeResponse](t, resp)
	assert.Equal(t, "success", best.Status)
	assert.Equal(t, "c", best.Data.Node.ID)
	assert.Equal(t, "http://10.0.0.1:3002", best.Data.Node.URL)

	resp = f.do(t, http.MethodGet, "/workers/available", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c", decode[model.WorkerRecord](t, resp).WorkerID)

	resp = f.do(t, http.MethodGet, "/api/workers", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.WorkerRecord](t, resp), 3)
}

func TestMasterRegisterFallsBackToRequestIP(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: "a", Port: 3002}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "127.0.0.1", decode[model.RegisterResponse](t, resp).Worker.Host)
}

func TestMasterRegisterValidation(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{Host: "h", Port: 1}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: "a", Host: "h", Port: 70000}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMasterHeartbeatUnknownWorker(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/workers/heartbeat", model.HeartbeatRequest{WorkerID: "ghost", Load: 10}, true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[model.ErrorResponse](t, resp)
	assert.True(t, body.Reregister)
}

func TestMasterRequiresSecret(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: "a", Host: "h", Port: 1}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.registry.Len())
}

func TestMasterNoNodeAvailable(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/v1/nodes/best", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/workers/available", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMasterSaturationRedirects(t *testing.T) {
	f := newMasterFixture(t, nil)

	for _, id := range []string{"hot", "cool"} {
		f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: id, Host: "h", Port: 1}, true)
	}
	f.do(t, http.MethodPost, "/api/workers/heartbeat", model.HeartbeatRequest{WorkerID: "cool", Load: 20}, true)

	resp := f.do(t, http.MethodPost, "/api/workers/heartbeat", model.HeartbeatRequest{WorkerID: "hot", Load: 95}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decode[model.HeartbeatAck](t, resp)
	assert.True(t, ack.Worker.Redirecting)
	assert.Equal(t, model.WorkerStatusRedirecting, ack.Worker.Status)

	resp = f.do(t, http.MethodGet, "/api/v1/nodes/best", nil, false)
	assert.Equal(t, "cool", decode[model.BestNodeResponse](t, resp).Data.Node.ID)

	resp = f.do(t, http.MethodGet, "/admin/events?limit=10", nil, false)
	evts := decode[[]model.ClusterEvent](t, resp)
	var types []model.EventType
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, model.EventWorkerSaturated)
	assert.Contains(t, types, model.EventWorkerRedirecting)
}

func TestMasterUnregister(t *testing.T) {
	f := newMasterFixture(t, nil)
	f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: "a", Host: "h", Port: 1}, true)

	resp := f.do(t, http.MethodPost, "/api/v1/nodes/unregister", map[string]string{"nodeId": "a", "reason": "shutdown"}, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, f.registry.Len())

	resp = f.do(t, http.MethodPost, "/workers/unregister", model.UnregisterRequest{WorkerID: "a"}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/workers/unregister", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMasterPlacements(t *testing.T) {
	f := newMasterFixture(t, nil)
	f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: "a", Host: "h", Port: 1}, true)

	resp := f.do(t, http.MethodPost, "/api/v1/placements", map[string]string{"taskType": model.TaskTypeStreaming}, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	placed := decode[placeResponse](t, resp)
	assert.Equal(t, "a", placed.Node.ID)
	assert.Equal(t, 1, f.balancer.ActivePlacements())

	resp = f.do(t, http.MethodPost, "/api/v1/placements/"+placed.ID+"/complete", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[model.PlacementRecord](t, resp)
	assert.Equal(t, model.PlacementStatusCompleted, rec.Status)

	resp = f.do(t, http.MethodPost, "/api/v1/placements/"+placed.ID+"/complete", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/placements", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMasterSessions(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"userId": "u1"}, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[model.SessionRecord](t, resp)
	assert.True(t, rec.IsActive)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, rec.SessionID, cookie.Value)

	resp = f.do(t, http.MethodGet, "/admin/sessions", nil, false)
	assert.Len(t, decode[[]model.SessionRecord](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/admin/system-stats", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[monitor.SystemStats](t, resp)
	assert.Equal(t, 1, stats.Sessions.Active)

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+rec.SessionID, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[model.SessionRecord](t, resp).IsActive)

	resp = f.do(t, http.MethodDelete, "/api/sessions/unknown", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMasterStatsPush(t *testing.T) {
	f := newMasterFixture(t, nil)
	f.do(t, http.MethodPost, "/api/workers/register", model.RegisterRequest{WorkerID: "a", Host: "h", Port: 1}, true)

	resp := f.do(t, http.MethodPost, "/api/v1/nodes/stats", model.LoadSample{WorkerID: "a", CPUPercent: 80, MemoryPercent: 40}, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/nodes/stats", model.LoadSample{CPUPercent: 1}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/admin/system-stats", nil, false)
	stats := decode[monitor.SystemStats](t, resp)
	require.Len(t, stats.Workers, 1)
	require.NotNil(t, stats.Workers[0].Sample)
	assert.InDelta(t, 80, stats.Summary.AvgCPU, 0.001)
	assert.Equal(t, monitor.SystemLoadMedium, stats.Summary.SystemLoad)
}

func TestMasterRateLimit(t *testing.T) {
	f := newMasterFixture(t, NewIPRateLimiter(0.001, 2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, http.MethodGet, "/workers", nil, false).StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// health and worker routes are not limited
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, false).StatusCode)
}

func TestMasterNotFound(t *testing.T) {
	f := newMasterFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/nope", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// The cluster client and the master router must agree on paths and payloads
func TestClusterClientAgainstMaster(t *testing.T) {
	f := newMasterFixture(t, nil)
	client := cluster.NewClient(f.server.URL, testSecret, zap.NewNop())
	ctx := context.Background()

	_, err := client.Heartbeat(ctx, model.HeartbeatRequest{WorkerID: "w1"})
	assert.ErrorIs(t, err, cluster.ErrReregister)

	rec, err := client.Register(ctx, model.RegisterRequest{WorkerID: "w1", Host: "127.0.0.1", Port: 3002})
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkerID)

	ack, err := client.Heartbeat(ctx, model.HeartbeatRequest{WorkerID: "w1", Load: 12, Status: model.WorkerStatusStreaming})
	require.NoError(t, err)
	assert.Equal(t, model.WorkerStatusStreaming, ack.Worker.Status)

	node, err := client.BestNode(ctx, "")
	assert.ErrorIs(t, err, cluster.ErrNoNode, "streaming workers are not accepting")
	assert.Empty(t, node.ID)

	_, err = client.Heartbeat(ctx, model.HeartbeatRequest{WorkerID: "w1", Load: 12, Status: model.WorkerStatusIdle})
	require.NoError(t, err)
	node, err = client.BestNode(ctx, model.TaskTypeStreaming)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:3002", node.URL)

	require.NoError(t, client.PushStats(ctx, model.LoadSample{WorkerID: "w1", Score: 12}))
	assert.Contains(t, f.stats.Samples(), "w1")

	require.NoError(t, client.Unregister(ctx, "w1", "test"))
	err = client.Unregister(ctx, "w1", "test")
	var se *cluster.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)

	bad := cluster.NewClient(f.server.URL, "wrong", zap.NewNop())
	_, err = bad.Register(ctx, model.RegisterRequest{WorkerID: "w2", Host: "h", Port: 1})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}
