package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(30*time.Minute, func() time.Time { return now }, zaptest.NewLogger(t))
	return tracker, &now
}

func TestTrackerLifecycle(t *testing.T) {
	tracker, now := newTestTracker(t)

	s := tracker.Start("user-1", "10.0.0.5", "curl/8")
	assert.NotEmpty(t, s.SessionID)
	assert.True(t, s.IsActive)
	assert.Len(t, tracker.Active(), 1)

	*now = now.Add(20 * time.Minute)
	require.NoError(t, tracker.Touch(s.SessionID))

	*now = now.Add(20 * time.Minute)
	assert.Len(t, tracker.Active(), 1, "activity resets the idle timer")

	ended, err := tracker.End(s.SessionID)
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	require.NotNil(t, ended.EndTime)
	assert.Empty(t, tracker.Active())

	assert.ErrorIs(t, tracker.Touch(s.SessionID), ErrSessionNotFound)
	assert.Len(t, tracker.All(), 1, "ended sessions are kept")
}

func TestTrackerExpiry(t *testing.T) {
	t.Run("NeverQueriedWhileStale", func(t *testing.T) {
		tracker, now := newTestTracker(t)
		s := tracker.Start("user-1", "ip", "")

		*now = now.Add(31 * time.Minute)
		got, ok := tracker.Get(s.SessionID)
		require.True(t, ok)
		assert.True(t, got.IsActive)
	})

	t.Run("QueriedAfterTimeout", func(t *testing.T) {
		tracker, now := newTestTracker(t)
		stale := tracker.Start("user-1", "ip", "")
		*now = now.Add(10 * time.Minute)
		fresh := tracker.Start("user-2", "ip", "")

		*now = now.Add(21 * time.Minute)
		active := tracker.Active()
		require.Len(t, active, 1)
		assert.Equal(t, fresh.SessionID, active[0].SessionID)

		got, _ := tracker.Get(stale.SessionID)
		assert.False(t, got.IsActive)
	})

	t.Run("Sweep", func(t *testing.T) {
		tracker, now := newTestTracker(t)
		tracker.Start("user-1", "ip", "")
		tracker.Start("user-2", "ip", "")

		*now = now.Add(time.Hour)
		assert.Equal(t, 2, tracker.Sweep())
		assert.Equal(t, 0, tracker.Sweep())
	})
}

func TestTrackerUnknown(t *testing.T) {
	tracker, _ := newTestTracker(t)
	assert.ErrorIs(t, tracker.Touch("nope"), ErrSessionNotFound)
	_, err := tracker.End("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMiddleware(t *testing.T) {
	tracker, now := newTestTracker(t)
	byHeader := tracker.Start("user-1", "ip", "")
	byCookie := tracker.Start("user-2", "ip", "")

	*now = now.Add(25 * time.Minute)

	var called int
	handler := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderName, byHeader.SessionID)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: byCookie.SessionID})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderName, "unknown")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 3, called)

	*now = now.Add(10 * time.Minute)
	assert.Len(t, tracker.Active(), 2)
}
