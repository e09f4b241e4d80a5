package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/storage"
	"github.com/t77yq/media-cluster/internal/transcode"
)

const (
	defaultChunkSize       = 1024 * 1024
	defaultRedirectTimeout = 2 * time.Second
	retryAfterSeconds      = 5
)

// Catalog resolves media ids
type Catalog interface {
	Lookup(ctx context.Context, id string) (model.Media, error)
}

// Artifacts produces a playable file for a media entry
type Artifacts interface {
	Ensure(ctx context.Context, media model.Media, format, quality string) (model.ConversionResult, error)
}

// Redirector asks the master for another worker
type Redirector interface {
	BestNode(ctx context.Context, taskType string) (model.NodeRef, error)
}

// Config configures a Server
type Config struct {
	WorkerID        string
	ChunkSize       int64
	RedirectTimeout time.Duration
}

// Server is the worker's streaming and conversion surface, guarded by the admission gate
type Server struct {
	logger     *zap.Logger
	cfg        Config
	gate       *Gate
	runtime    *Runtime
	catalog    Catalog
	artifacts  Artifacts
	redirector Redirector
	draining   atomic.Bool

	redirects atomic.Uint64
	rejected  atomic.Uint64
}

// NewServer creates a stream server. redirector may be nil, in which case a
// full gate always rejects.
func NewServer(cfg Config, gate *Gate, runtime *Runtime, catalog Catalog, artifacts Artifacts, redirector Redirector, logger *zap.Logger) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.RedirectTimeout <= 0 {
		cfg.RedirectTimeout = defaultRedirectTimeout
	}
	return &Server{
		logger:     logger.Named("stream"),
		cfg:        cfg,
		gate:       gate,
		runtime:    runtime,
		catalog:    catalog,
		artifacts:  artifacts,
		redirector: redirector,
	}
}

// Drain makes the server turn away new requests while in-flight ones finish
func (s *Server) Drain() {
	if !s.draining.Swap(true) {
		s.logger.Info("Draining, new requests will be redirected or rejected",
			zap.Int("active", s.gate.Active()))
	}
}

// Counters returns how many requests were redirected and rejected
func (s *Server) Counters() (redirects, rejected uint64) {
	return s.redirects.Load(), s.rejected.Load()
}

// Stream serves GET /stream/{mediaId}
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	mediaID := mux.Vars(r)["mediaId"]

	if !s.admit(w, r, model.TaskTypeStreaming, "/stream/"+url.PathEscape(mediaID)) {
		return
	}
	defer s.gate.Release()

	done := s.runtime.Begin(model.WorkerStatusStreaming, "stream:"+mediaID)
	defer done()

	media, ok := s.lookup(w, r, mediaID)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	quality := r.URL.Query().Get("quality")

	path, mimeType := media.FilePath, media.MimeType
	if format != "" || quality != "" || !strings.HasPrefix(media.MimeType, "video/") {
		result, ok := s.ensure(w, r, media, format, quality)
		if !ok {
			return
		}
		path, mimeType = result.OutputPath, result.MimeType
	}

	s.serveFile(w, r, path, mimeType)
}

// Convert serves POST /convert/{mediaId}?format=&quality=
func (s *Server) Convert(w http.ResponseWriter, r *http.Request) {
	mediaID := mux.Vars(r)["mediaId"]
	taskType := model.TaskTypeAudioConversion

	if !s.admit(w, r, taskType, "/convert/"+url.PathEscape(mediaID)) {
		return
	}
	defer s.gate.Release()

	media, ok := s.lookup(w, r, mediaID)
	if !ok {
		return
	}

	q := r.URL.Query()
	result, ok := s.ensure(w, r, media, q.Get("format"), q.Get("quality"))
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// admit takes a gate slot or answers with a redirect or a capacity error
func (s *Server) admit(w http.ResponseWriter, r *http.Request, taskType, path string) bool {
	if !s.draining.Load() && s.gate.TryAcquire() {
		return true
	}

	if target, ok := s.redirectTarget(r.Context(), taskType); ok {
		s.redirects.Add(1)
		location := strings.TrimRight(target.URL, "/") + path
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}
		s.logger.Info("At capacity, redirecting",
			zap.String("target", target.ID),
			zap.String("location", location),
			zap.Int("active", s.gate.Active()))
		http.Redirect(w, r, location, http.StatusTemporaryRedirect)
		return false
	}

	s.rejected.Add(1)
	s.logger.Warn("At capacity, rejecting request",
		zap.String("path", r.URL.Path),
		zap.Int("active", s.gate.Active()),
		zap.Int("max", s.gate.Max()))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{
		Status:  "error",
		Error:   ErrCapacity.Error(),
		Message: "No capacity available, retry later",
	})
	return false
}

func (s *Server) redirectTarget(ctx context.Context, taskType string) (model.NodeRef, bool) {
	if s.redirector == nil {
		return model.NodeRef{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RedirectTimeout)
	defer cancel()

	node, err := s.redirector.BestNode(ctx, taskType)
	if err != nil {
		s.logger.Debug("No redirect target", zap.Error(err))
		return model.NodeRef{}, false
	}
	if node.ID == s.cfg.WorkerID || node.URL == "" {
		return model.NodeRef{}, false
	}
	return node, true
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, mediaID string) (model.Media, bool) {
	media, err := s.catalog.Lookup(r.Context(), mediaID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, model.ErrorResponse{Status: "error", Error: "not_found", Message: "Media not found"})
		return model.Media{}, false
	}
	if err != nil {
		s.logger.Error("Catalog lookup failed", zap.String("media_id", mediaID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Status: "error", Error: "internal", Message: "Catalog lookup failed"})
		return model.Media{}, false
	}
	return media, true
}

func (s *Server) ensure(w http.ResponseWriter, r *http.Request, media model.Media, format, quality string) (model.ConversionResult, bool) {
	done := s.runtime.Begin(model.WorkerStatusConverting, "convert:"+media.ID)
	result, err := s.artifacts.Ensure(r.Context(), media, format, quality)
	done()

	switch {
	case err == nil:
		return result, true
	case errors.Is(err, transcode.ErrUnsupportedFormat), errors.Is(err, transcode.ErrUnsupportedQuality):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Status: "error", Error: "invalid_format", Message: err.Error()})
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Status: "error", Error: "conversion_failed", Message: err.Error()})
	}
	return model.ConversionResult{}, false
}

// serveFile writes path honouring the Range header
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path, mimeType string) {
	f, err := os.Open(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, model.ErrorResponse{Status: "error", Error: "not_found", Message: "Media file not found"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Status: "error", Error: "internal", Message: "Failed to stat media file"})
		return
	}
	size := info.Size()

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", mimeType)

	br, partial, err := ParseRange(r.Header.Get("Range"), size, s.cfg.ChunkSize)
	if err != nil {
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, model.ErrorResponse{Status: "error", Error: "range_not_satisfiable", Message: err.Error()})
		return
	}

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		h.Set("Content-Range", br.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead || br.Length() <= 0 {
		return
	}

	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		s.logger.Warn("Seek failed", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := io.CopyN(w, f, br.Length()); err != nil && r.Context().Err() == nil {
		s.logger.Warn("Stream interrupted", zap.String("path", path), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
