package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMaintenance(t *testing.T) {
	m := NewMaintenance(zaptest.NewLogger(t))

	var runs atomic.Int32
	require.NoError(t, m.AddInterval("tick", time.Second, func(ctx context.Context) {
		runs.Add(1)
	}))
	require.NoError(t, m.AddJob("panics", "* * * * * *", func(ctx context.Context) {
		panic("boom")
	}))

	assert.Error(t, m.AddInterval("tick", time.Second, func(ctx context.Context) {}))
	assert.Error(t, m.AddInterval("zero", 0, func(ctx context.Context) {}))
	assert.Error(t, m.AddJob("bad", "not a spec", func(ctx context.Context) {}))

	m.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.Len(t, m.Jobs(), 2)

	m.Stop()
}

func TestMaintenanceStopCancelsContext(t *testing.T) {
	m := NewMaintenance(zaptest.NewLogger(t))

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, m.AddInterval("long", time.Second, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	}))

	m.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	m.Stop()
	assert.True(t, cancelled.Load())
}
