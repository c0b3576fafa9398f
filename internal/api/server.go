package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ingest-engine/internal/config"
	"ingest-engine/internal/models"
	"ingest-engine/internal/progress"
	"ingest-engine/internal/ratelimit"
	"ingest-engine/internal/store"
	"ingest-engine/internal/telemetry"
)

// Server wires HTTP handlers for the job submission API.
type Server struct {
	cfg      config.Config
	store    *store.Store
	progress *progress.Keeper
	limiter  *ratelimit.Limiter
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, keeper *progress.Keeper, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		progress: keeper,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/errors", s.handleListErrors)
	return r
}

type submitRequest struct {
	SourceURI string            `json:"source_uri"`
	TotalRows int64             `json:"total_rows"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SourceURI == "" {
		http.Error(w, "source_uri is required", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowTenant(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		SourceURI: req.SourceURI,
		TotalRows: req.TotalRows,
		Metadata:  req.Metadata,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

type jobResponse struct {
	models.JobState

	// Live numbers from Redis, fresher than the persisted row while a
	// worker is mid-run.
	LiveProgress  *float64   `json:"live_progress,omitempty"`
	LiveProcessed *int64     `json:"live_processed,omitempty"`
	LiveUpdatedAt *time.Time `json:"live_updated_at,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	resp := jobResponse{JobState: job}
	if s.progress != nil && !models.IsTerminal(job.Status) {
		if snap, ok, err := s.progress.Get(r.Context(), id); err == nil && ok {
			updated := time.UnixMilli(snap.UpdatedMS)
			resp.LiveProgress = &snap.Progress
			resp.LiveProcessed = &snap.Processed
			resp.LiveUpdatedAt = &updated
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	errs, err := s.store.ListErrors(r.Context(), id, 500)
	if err != nil {
		http.Error(w, "failed to read errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
