package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/media-cluster/internal/model"
)

func newTestHistory(t *testing.T) *PlacementHistory {
	t.Helper()
	h, err := NewPlacementHistory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestPlacementHistoryStoreAndComplete(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)

	require.NoError(t, h.Store(ctx, &model.PlacementRecord{
		ID:        "p1",
		TaskType:  model.TaskTypeStreaming,
		WorkerID:  "w1",
		Status:    model.PlacementStatusActive,
		StartedAt: start,
	}))

	got, err := h.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, model.PlacementStatusActive, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, start, got.StartedAt, time.Second)

	require.NoError(t, h.Complete(ctx, "p1", start.Add(30*time.Second)))

	got, err = h.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PlacementStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 30*time.Second, got.Duration)
}

func TestPlacementHistoryNotFound(t *testing.T) {
	h := newTestHistory(t)

	_, err := h.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.Complete(context.Background(), "missing", time.Now()), ErrNotFound)
}

func TestPlacementHistoryListFilterAndPrune(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	records := []model.PlacementRecord{
		{ID: "old", TaskType: model.TaskTypeStreaming, WorkerID: "w1", StartedAt: now.Add(-10 * 24 * time.Hour)},
		{ID: "a", TaskType: model.TaskTypeStreaming, WorkerID: "w1", StartedAt: now.Add(-2 * time.Hour)},
		{ID: "b", TaskType: model.TaskTypeAudioConversion, WorkerID: "w2", StartedAt: now.Add(-time.Hour)},
	}
	for i := range records {
		records[i].Status = model.PlacementStatusActive
		require.NoError(t, h.Store(ctx, &records[i]))
	}

	all, err := h.List(ctx, PlacementFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID, "newest first")

	w1, err := h.List(ctx, PlacementFilter{WorkerID: "w1"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, w1, 2)

	count, err := h.Count(ctx, PlacementFilter{TaskType: model.TaskTypeAudioConversion})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err := h.DeleteBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err = h.Count(ctx, PlacementFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPlacementHistoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	h, err := NewPlacementHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, h.Store(ctx, &model.PlacementRecord{
		ID: "p1", TaskType: model.TaskTypeStreaming, WorkerID: "w1",
		Status: model.PlacementStatusActive, StartedAt: time.Now(),
	}))
	require.NoError(t, h.Close())

	h, err = NewPlacementHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Get(ctx, "p1")
	assert.NoError(t, err)
}
