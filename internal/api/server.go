package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/config"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
)

// Control is the administrative face of the dispatcher instance owned by
// the composition root.
type Control interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Running() bool
	Reconfigure(t config.Tunables) error
	ResyncPending(ctx context.Context) (int, error)
	Status(ctx context.Context) dispatch.StatusReport
}

// QueueAdmin is the slice of the queue store the admin surface needs.
type QueueAdmin interface {
	Enqueue(ctx context.Context, env *job.Envelope) error
	Clear(ctx context.Context, kind job.Kind) (int64, error)
	RetryAllFailed(ctx context.Context, kind job.Kind) (int64, error)
	ListFailed(ctx context.Context, kind job.Kind, offset, limit int) ([]*job.Envelope, error)
	Stats(ctx context.Context, kind job.Kind) (*queue.QueueStats, error)
}

type Server struct {
	ctrl  Control
	store QueueAdmin
	log   zerolog.Logger
}

func NewServer(ctrl Control, store QueueAdmin, log zerolog.Logger) http.Handler {
	s := &Server{ctrl: ctrl, store: store, log: log.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/queues", s.queues)

	r.Post("/dispatcher/start", s.startDispatcher)
	r.Post("/dispatcher/stop", s.stopDispatcher)
	r.Post("/dispatcher/restart", s.restartDispatcher)
	r.Put("/dispatcher/config", s.reconfigure)

	r.Post("/jobs", s.enqueueJob)
	r.Post("/resync", s.resync)
	r.Post("/queues/{kind}/clear", s.clearQueue)
	r.Post("/queues/{kind}/retry-failed", s.retryFailed)
	r.Get("/queues/{kind}/failed", s.listFailed)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.ctrl.Status(r.Context()).Health

	code := http.StatusOK
	if report.Verdict == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status(r.Context()))
}

func (s *Server) queues(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]*queue.QueueStats, len(job.AllKinds()))
	for _, kind := range job.AllKinds() {
		stats, err := s.store.Stats(r.Context(), kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		out[string(kind)] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startDispatcher(w http.ResponseWriter, r *http.Request) {
	// Detached from the request: the dispatcher must outlive this call.
	if err := s.ctrl.Start(context.Background()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.ctrl.Running()})
}

func (s *Server) stopDispatcher(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.ctrl.Running()})
}

func (s *Server) restartDispatcher(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Restart(context.Background()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.ctrl.Running()})
}

type reconfigureReq struct {
	BatchSize         int    `json:"batch_size"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	JobTimeout        string `json:"job_timeout"`
	RetryDelay        string `json:"retry_delay"`
	MaxRetries        int    `json:"max_retries"`
}

func (s *Server) reconfigure(w http.ResponseWriter, r *http.Request) {
	var req reconfigureReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t := config.Tunables{
		BatchSize:         req.BatchSize,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		MaxRetries:        req.MaxRetries,
	}
	var err error
	if req.JobTimeout != "" {
		if t.JobTimeout, err = time.ParseDuration(req.JobTimeout); err != nil {
			http.Error(w, "invalid job_timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.RetryDelay != "" {
		if t.RetryDelay, err = time.ParseDuration(req.RetryDelay); err != nil {
			http.Error(w, "invalid retry_delay: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := s.ctrl.Reconfigure(t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "staged, applied on next start"})
}

type enqueueReq struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := job.Kind(req.Kind)
	if !kind.Valid() {
		http.Error(w, "unknown job kind: "+req.Kind, http.StatusBadRequest)
		return
	}

	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	env, err := job.New(kind, req.Payload, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.Enqueue(r.Context(), env); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.log.Info().Str("job_id", env.ID).Str("kind", req.Kind).Int("priority", req.Priority).Msg("job enqueued")
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: env.ID})
}

func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	n, err := s.ctrl.ResyncPending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"enqueued": n})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	n, err := s.store.Clear(r.Context(), kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.log.Info().Str("kind", string(kind)).Int64("removed", n).Msg("queue cleared")
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	n, err := s.store.RetryAllFailed(r.Context(), kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.log.Info().Str("kind", string(kind)).Int64("requeued", n).Msg("failed jobs requeued")
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	envelopes, err := s.store.ListFailed(r.Context(), kind, offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, envelopes)
}

func kindParam(w http.ResponseWriter, r *http.Request) (job.Kind, bool) {
	kind := job.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		http.Error(w, "unknown job kind: "+string(kind), http.StatusBadRequest)
		return "", false
	}
	return kind, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
