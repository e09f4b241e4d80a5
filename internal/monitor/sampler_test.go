package monitor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/media-cluster/internal/model"
)

type fakeProbe struct {
	mu     sync.Mutex
	cpu    float64
	mem    float64
	cpuErr error
	memErr error
}

func (p *fakeProbe) set(cpu, mem float64) {
	p.mu.Lock()
	p.cpu, p.mem = cpu, mem
	p.mu.Unlock()
}

func (p *fakeProbe) CPUPercent(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpu, p.cpuErr
}

func (p *fakeProbe) MemoryPercent(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mem, p.memErr
}

type fakeConns struct{ active, max int }

func (c fakeConns) Active() int { return c.active }
func (c fakeConns) Max() int    { return c.max }

type fakeTraffic struct{ t Traffic }

func (f *fakeTraffic) Snapshot() Traffic { return f.t }

func newTestSampler(t *testing.T, probe Probe, conns ConnectionSource, traffic TrafficSource) *Sampler {
	return NewSampler(SamplerConfig{
		WorkerID:    "w1",
		Interval:    time.Hour,
		TrendWindow: 5,
		Weights:     model.DefaultLoadWeights(),
	}, probe, conns, traffic, zaptest.NewLogger(t))
}

func TestSampleScore(t *testing.T) {
	probe := &fakeProbe{cpu: 50, mem: 40}
	traffic := &fakeTraffic{t: Traffic{Network: model.NetworkBytes{Read: 5 * 1024 * 1024}}}
	s := newTestSampler(t, probe, fakeConns{active: 25, max: 50}, traffic)

	sample := s.Sample(context.Background())

	// 0.4*50 + 0.3*40 + 0.2*50 + 0.1*50
	assert.InDelta(t, 47, sample.Score, 0.001)
	assert.Equal(t, "w1", sample.WorkerID)
	assert.Equal(t, 25, sample.ActiveConnections)
	assert.Equal(t, 50, sample.MaxConcurrent)
	assert.Equal(t, uint64(5*1024*1024), sample.NetworkDelta)
	assert.Equal(t, sample, s.Latest())

	// No new traffic means no network load on the next sample
	sample = s.Sample(context.Background())
	assert.Zero(t, sample.NetworkDelta)
	assert.InDelta(t, 42, sample.Score, 0.001)
}

func TestSampleClampsAndNormalises(t *testing.T) {
	probe := &fakeProbe{cpu: 100, mem: 100}
	traffic := &fakeTraffic{t: Traffic{Network: model.NetworkBytes{Write: 100 * 1024 * 1024}}}
	s := newTestSampler(t, probe, fakeConns{active: 80, max: 50}, traffic)

	sample := s.Sample(context.Background())
	assert.Equal(t, 100.0, sample.Score)
}

func TestSampleProbeFailureDegrades(t *testing.T) {
	probe := &fakeProbe{cpuErr: errors.New("no cpu"), memErr: errors.New("no mem"), cpu: 99, mem: 99}
	s := newTestSampler(t, probe, nil, nil)

	sample := s.Sample(context.Background())
	assert.Zero(t, sample.CPUPercent)
	assert.Zero(t, sample.MemoryPercent)
	assert.Zero(t, sample.Score)
	assert.Equal(t, model.LoadTrendStable, sample.Trend)
}

func TestTrendHysteresis(t *testing.T) {
	probe := &fakeProbe{}
	s := newTestSampler(t, probe, nil, nil)
	ctx := context.Background()

	// Window starts at zeros; a jump to 40 moves the average to 8
	probe.set(100, 0)
	assert.Equal(t, model.LoadTrendIncreasing, s.Sample(ctx).Trend)

	// Small moves inside the band stay stable
	for i := 0; i < 4; i++ {
		s.Sample(ctx)
	}
	probe.set(90, 0)
	assert.Equal(t, model.LoadTrendStable, s.Sample(ctx).Trend)

	probe.set(0, 0)
	assert.Equal(t, model.LoadTrendDecreasing, s.Sample(ctx).Trend)
}

func TestSamplerListenersAndLoop(t *testing.T) {
	probe := &fakeProbe{cpu: 10, mem: 10}
	s := NewSampler(SamplerConfig{WorkerID: "w1", Interval: 20 * time.Millisecond, Weights: model.DefaultLoadWeights()},
		probe, nil, nil, zaptest.NewLogger(t))

	var mu sync.Mutex
	var got []model.LoadSample
	s.OnSample(func(ctx context.Context, sample model.LoadSample) {
		mu.Lock()
		got = append(got, sample)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestTrafficCounter(t *testing.T) {
	counter := NewTrafficCounter()
	handler := counter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("hello world"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ping"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("fail"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	snap := counter.Snapshot()
	assert.Equal(t, uint64(8), snap.Network.Read)
	assert.Equal(t, uint64(11), snap.Network.Write)
	assert.Equal(t, uint64(2), snap.Requests)
	assert.Equal(t, uint64(1), snap.Errors)

	s := newTestSampler(t, &fakeProbe{}, nil, counter)
	sample := s.Sample(context.Background())
	assert.InDelta(t, 50, sample.ErrorRate, 0.001)
}

func TestReadHostInfo(t *testing.T) {
	info := ReadHostInfo(context.Background(), time.Now().Add(-time.Minute))
	require.Positive(t, info.CPUs)
	assert.Positive(t, info.PID)
	assert.GreaterOrEqual(t, info.ProcessUptime, time.Minute)
}
