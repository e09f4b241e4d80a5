package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

const DefaultTimeout = 30 * time.Minute

// ErrSessionNotFound is returned for unknown session ids
var ErrSessionNotFound = errors.New("session not found")

// Tracker keeps coarse user session liveness for the admin views
type Tracker struct {
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*model.SessionRecord
}

// NewTracker creates a tracker that expires sessions idle for longer than timeout
func NewTracker(timeout time.Duration, now func() time.Time, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		logger:   logger.Named("sessions"),
		timeout:  timeout,
		now:      now,
		sessions: make(map[string]*model.SessionRecord),
	}
}

// Start opens a new session
func (t *Tracker) Start(userID, ip, userAgent string) model.SessionRecord {
	now := t.now()
	s := &model.SessionRecord{
		SessionID:    uuid.New().String(),
		UserID:       userID,
		IP:           ip,
		UserAgent:    userAgent,
		StartTime:    now,
		LastActivity: now,
		IsActive:     true,
	}

	t.mu.Lock()
	t.sessions[s.SessionID] = s
	t.mu.Unlock()

	t.logger.Debug("Session started",
		zap.String("session_id", s.SessionID),
		zap.String("user_id", userID))

	return *s
}

// Touch records activity on a session. Expired sessions are revived.
func (t *Tracker) Touch(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.EndTime != nil {
		return fmt.Errorf("%w: %s has ended", ErrSessionNotFound, sessionID)
	}
	s.LastActivity = t.now()
	s.IsActive = true
	return nil
}

// End closes a session explicitly
func (t *Tracker) End(sessionID string) (model.SessionRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return model.SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.EndTime == nil {
		now := t.now()
		s.EndTime = &now
	}
	s.IsActive = false
	return *s, nil
}

// Get returns a session by id
func (t *Tracker) Get(sessionID string) (model.SessionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return model.SessionRecord{}, false
	}
	return *s, true
}

// Active returns the sessions with recent activity, newest first
func (t *Tracker) Active() []model.SessionRecord {
	t.Sweep()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var active []model.SessionRecord
	for _, s := range t.sessions {
		if s.IsActive {
			active = append(active, *s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivity.After(active[j].LastActivity)
	})
	return active
}

// All returns every tracked session including inactive ones
func (t *Tracker) All() []model.SessionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]model.SessionRecord, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.After(all[j].StartTime)
	})
	return all
}

// Sweep marks idle sessions inactive and returns how many changed
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var expired int
	for _, s := range t.sessions {
		if s.IsActive && now.Sub(s.LastActivity) > t.timeout {
			s.IsActive = false
			expired++
		}
	}

	if expired > 0 {
		t.logger.Debug("Sessions expired", zap.Int("count", expired))
	}
	return expired
}
