package session

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
)

const (
	HeaderName = "X-Session-Id"
	CookieName = "sid"
)

// IDFromRequest returns the session id carried by r, if any
func IDFromRequest(r *http.Request) string {
	if id := r.Header.Get(HeaderName); id != "" {
		return id
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware touches the session named by the request on every call
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := IDFromRequest(r); id != "" {
			if err := t.Touch(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.logger.Warn("Failed to touch session", zap.String("session_id", id), zap.Error(err))
			}
		}
		next.ServeHTTP(w, r)
	})
}
