package monitor

import (
	"io"
	"net/http"
	"sync/atomic"

	"github.com/t77yq/media-cluster/internal/model"
)

// Traffic is a point-in-time copy of the HTTP counters
type Traffic struct {
	Network  model.NetworkBytes
	Requests uint64
	Errors   uint64
}

// TrafficCounter accumulates bytes and request counts seen by HTTP handlers
type TrafficCounter struct {
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	requests     atomic.Uint64
	errors       atomic.Uint64
}

// NewTrafficCounter creates a zeroed counter
func NewTrafficCounter() *TrafficCounter {
	return &TrafficCounter{}
}

// Snapshot returns the current totals
func (c *TrafficCounter) Snapshot() Traffic {
	return Traffic{
		Network: model.NetworkBytes{
			Read:  c.bytesRead.Load(),
			Write: c.bytesWritten.Load(),
		},
		Requests: c.requests.Load(),
		Errors:   c.errors.Load(),
	}
}

// Middleware counts request and response bytes and 5xx responses
func (c *TrafficCounter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		if r.Body != nil {
			r.Body = &countingReader{ReadCloser: r.Body, n: &c.bytesRead}
		}

		cw := &countingWriter{ResponseWriter: w, n: &c.bytesWritten, status: http.StatusOK}
		next.ServeHTTP(cw, r)

		if cw.status >= http.StatusInternalServerError {
			c.errors.Add(1)
		}
	})
}

type countingReader struct {
	io.ReadCloser
	n *atomic.Uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n.Add(uint64(n))
	return n, err
}

type countingWriter struct {
	http.ResponseWriter
	n      *atomic.Uint64
	status int
}

func (w *countingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n.Add(uint64(n))
	return n, err
}

// Flush passes through so streaming handlers keep working behind the counter
func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
