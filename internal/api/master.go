package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
	"github.com/t77yq/media-cluster/internal/monitor"
	"github.com/t77yq/media-cluster/internal/registry"
	"github.com/t77yq/media-cluster/internal/scheduler"
	"github.com/t77yq/media-cluster/internal/session"
	"github.com/t77yq/media-cluster/internal/storage"
)

// routePrefixes are the mount points of every master route
var routePrefixes = []string{"", "/api", "/api/v1"}

// PlacementLister reads placement history
type PlacementLister interface {
	List(ctx context.Context, filter storage.PlacementFilter, offset, limit int) ([]model.PlacementRecord, error)
}

// SampleSource provides the node's own load sample
type SampleSource interface {
	Latest() model.LoadSample
}

// MasterDeps are the components behind the master API
type MasterDeps struct {
	Registry *registry.Registry
	Balancer *scheduler.LoadBalancer
	Sessions *session.Tracker
	Stats    *monitor.StatsCollector
	Events   *monitor.EventLog
	// History may be nil when placement history is disabled
	History PlacementLister
	// Sampler may be nil
	Sampler   SampleSource
	Limiter   *IPRateLimiter
	Secret    string
	StartedAt time.Time
}

// Master serves the registry, balancer and admin endpoints
type Master struct {
	logger *zap.Logger
	deps   MasterDeps
}

// NewMaster creates the master API
func NewMaster(deps MasterDeps, logger *zap.Logger) *Master {
	if deps.Limiter == nil {
		deps.Limiter = NewIPRateLimiter(0, 0)
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &Master{
		logger: logger.Named("master-api"),
		deps:   deps,
	}
}

// Router builds the HTTP handler
func (m *Master) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(recoverer(m.logger), requestLogger(m.logger), m.deps.Sessions.Middleware)

	worker := requireSecret(m.deps.Secret)
	public := m.deps.Limiter.Middleware

	for _, p := range routePrefixes {
		r.Handle(p+"/workers/register", worker(http.HandlerFunc(m.register))).Methods(http.MethodPost)
		r.Handle(p+"/workers/heartbeat", worker(http.HandlerFunc(m.heartbeat))).Methods(http.MethodPost)
		r.Handle(p+"/workers/unregister", worker(http.HandlerFunc(m.unregister))).Methods(http.MethodPost)
		r.Handle(p+"/nodes/unregister", worker(http.HandlerFunc(m.unregister))).Methods(http.MethodPost)
		r.Handle(p+"/nodes/stats", worker(http.HandlerFunc(m.pushStats))).Methods(http.MethodPost)

		r.Handle(p+"/workers", public(http.HandlerFunc(m.listWorkers))).Methods(http.MethodGet)
		r.Handle(p+"/workers/available", public(http.HandlerFunc(m.availableWorker))).Methods(http.MethodGet)
		r.Handle(p+"/nodes/best", public(http.HandlerFunc(m.bestNode))).Methods(http.MethodGet)

		r.Handle(p+"/placements", public(http.HandlerFunc(m.place))).Methods(http.MethodPost)
		r.Handle(p+"/placements", public(http.HandlerFunc(m.listPlacements))).Methods(http.MethodGet)
		r.Handle(p+"/placements/{id}/complete", public(http.HandlerFunc(m.completePlacement))).Methods(http.MethodPost)

		r.Handle(p+"/sessions", public(http.HandlerFunc(m.startSession))).Methods(http.MethodPost)
		r.Handle(p+"/sessions/{id}", public(http.HandlerFunc(m.endSession))).Methods(http.MethodDelete)

		r.Handle(p+"/admin/system-stats", public(http.HandlerFunc(m.systemStats))).Methods(http.MethodGet)
		r.Handle(p+"/admin/events", public(http.HandlerFunc(m.recentEvents))).Methods(http.MethodGet)
		r.Handle(p+"/admin/sessions", public(http.HandlerFunc(m.activeSessions))).Methods(http.MethodGet)

		r.HandleFunc(p+"/health", m.health).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (m *Master) register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Host == "" {
		req.Host = clientIP(r)
	}

	worker, err := m.deps.Registry.Register(r.Context(), req)
	if errors.Is(err, registry.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		m.logger.Error("Failed to register worker", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}

	writeJSON(w, http.StatusOK, model.RegisterResponse{
		Status:  "success",
		Message: "Worker registered",
		Worker:  worker,
	})
}

func (m *Master) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req model.HeartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	worker, err := m.deps.Registry.Heartbeat(r.Context(), req)
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		writeJSON(w, http.StatusNotFound, model.ErrorResponse{
			Status:     "error",
			Error:      "worker not registered",
			Reregister: true,
		})
		return
	case errors.Is(err, registry.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		m.logger.Error("Failed to process heartbeat", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process heartbeat")
		return
	}

	var ack model.HeartbeatAck
	ack.Status = "ok"
	ack.Worker.ID = worker.WorkerID
	ack.Worker.Status = worker.Status
	ack.Worker.Load = worker.Load
	ack.Worker.Redirecting = worker.Status == model.WorkerStatusRedirecting
	writeJSON(w, http.StatusOK, ack)
}

func (m *Master) unregister(w http.ResponseWriter, r *http.Request) {
	var req model.UnregisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID() == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}

	err := m.deps.Registry.Unregister(r.Context(), req.ID(), req.Reason)
	if errors.Is(err, registry.ErrNotRegistered) {
		writeError(w, http.StatusNotFound, "worker not registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unregister worker")
		return
	}
	writeSuccess(w, http.StatusOK, "Worker unregistered")
}

func (m *Master) pushStats(w http.ResponseWriter, r *http.Request) {
	var sample model.LoadSample
	if err := decodeJSON(w, r, &sample); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sample.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	if sample.CollectedAt.IsZero() {
		sample.CollectedAt = time.Now()
	}
	m.deps.Stats.Record(sample)
	writeSuccess(w, http.StatusAccepted, "Stats recorded")
}

func (m *Master) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.deps.Registry.ListActive(r.Context()))
}

func taskTypeParam(r *http.Request) string {
	if t := r.URL.Query().Get("taskType"); t != "" {
		return t
	}
	return model.TaskTypeStreaming
}

func (m *Master) availableWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := m.deps.Balancer.FindBestWorker(r.Context(), taskTypeParam(r))
	if errors.Is(err, scheduler.ErrNoAvailableWorker) {
		writeError(w, http.StatusNotFound, "no available worker")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to select worker")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (m *Master) bestNode(w http.ResponseWriter, r *http.Request) {
	worker, err := m.deps.Balancer.FindBestWorker(r.Context(), taskTypeParam(r))
	if errors.Is(err, scheduler.ErrNoAvailableWorker) {
		writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{
			Status:  "error",
			Error:   "no node available",
			Message: err.Error(),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to select node")
		return
	}

	var resp model.BestNodeResponse
	resp.Status = "success"
	resp.Data.Node = worker.Ref()
	writeJSON(w, http.StatusOK, resp)
}

type placeRequest struct {
	TaskType string `json:"taskType"`
}

type placeResponse struct {
	ID   string        `json:"id"`
	Node model.NodeRef `json:"node"`
}

func (m *Master) place(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TaskType == "" {
		req.TaskType = taskTypeParam(r)
	}

	placement, err := m.deps.Balancer.Place(r.Context(), req.TaskType)
	if errors.Is(err, scheduler.ErrNoAvailableWorker) {
		writeError(w, http.StatusServiceUnavailable, "no available worker")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to place task")
		return
	}
	writeJSON(w, http.StatusCreated, placeResponse{ID: placement.ID, Node: placement.Worker.Ref()})
}

func (m *Master) completePlacement(w http.ResponseWriter, r *http.Request) {
	record, err := m.deps.Balancer.Complete(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, scheduler.ErrPlacementNotFound) {
		writeError(w, http.StatusNotFound, "placement not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete placement")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (m *Master) listPlacements(w http.ResponseWriter, r *http.Request) {
	if m.deps.History == nil {
		writeJSON(w, http.StatusOK, []model.PlacementRecord{})
		return
	}

	q := r.URL.Query()
	filter := storage.PlacementFilter{
		WorkerID: q.Get("workerId"),
		TaskType: q.Get("taskType"),
		Status:   model.PlacementStatus(q.Get("status")),
	}
	records, err := m.deps.History.List(r.Context(), filter, queryInt(r, "offset", 0), queryInt(r, "limit", 100))
	if err != nil {
		m.logger.Error("Failed to list placements", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list placements")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type startSessionRequest struct {
	UserID string `json:"userId"`
}

func (m *Master) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rec := m.deps.Sessions.Start(req.UserID, clientIP(r), r.UserAgent())
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    rec.SessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (m *Master) endSession(w http.ResponseWriter, r *http.Request) {
	rec, err := m.deps.Sessions.End(mux.Vars(r)["id"])
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (m *Master) systemStats(w http.ResponseWriter, r *http.Request) {
	var master model.LoadSample
	if m.deps.Sampler != nil {
		master = m.deps.Sampler.Latest()
	}

	counts := monitor.SessionCounts{
		Active: len(m.deps.Sessions.Active()),
		Total:  len(m.deps.Sessions.All()),
	}
	writeJSON(w, http.StatusOK, m.deps.Stats.Build(r.Context(), master, m.deps.Registry.ListActive(r.Context()), counts))
}

func (m *Master) recentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.deps.Events.Recent(queryInt(r, "limit", 50)))
}

func (m *Master) activeSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.deps.Sessions.Active())
}

func (m *Master) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"role":    "master",
		"workers": m.deps.Registry.Len(),
		"uptime":  time.Since(m.deps.StartedAt).Round(time.Second).String(),
	})
}
