package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/auth"
	"github.com/ILLUVRSE/model-release/internal/models"
	"github.com/ILLUVRSE/model-release/internal/orchestrator"
	"github.com/ILLUVRSE/model-release/internal/store"
)

type Server struct {
	orch   *orchestrator.Orchestrator
	store  store.Store
	authMW *auth.Middleware
}

func New(orch *orchestrator.Orchestrator, st store.Store, authMW *auth.Middleware) *Server {
	return &Server{orch: orch, store: st, authMW: authMW}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/release", func(r chi.Router) {
		r.Use(s.authMW.Handler)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleReleaser))
			r.Post("/promotions", s.handleSubmit)
		})

		r.Get("/promotions", s.handleList)
		r.Get("/promotions/{id}", s.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleOperator))
			r.Post("/promotions/{id}/approve", s.handleApprove)
			r.Post("/promotions/{id}/reject", s.handleReject)
			r.Post("/promotions/{id}/cancel", s.handleCancel)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type submitRequest struct {
	ArtifactID  string `json:"artifactId"`
	Environment string `json:"environment"`
	RequestedBy string `json:"requestedBy"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifactID, err := uuid.Parse(req.ArtifactID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid artifactId")
		return
	}
	requestedBy := req.RequestedBy
	if requestedBy == "" {
		if id := auth.FromContext(r.Context()); id != nil {
			requestedBy = id.Subject
		}
	}
	run, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		ArtifactID:  artifactID,
		Environment: req.Environment,
		RequestedBy: requestedBy,
	})
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.orch.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListRunsFilter{
		Environment: r.URL.Query().Get("environment"),
	}
	if v := r.URL.Query().Get("artifactId"); v != "" {
		artifactID, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid artifactId")
			return
		}
		filter.ArtifactID = &artifactID
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}
	runs, err := s.orch.ListRuns(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.PromotionRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.orch.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.orch.Reject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decide func(context.Context, uuid.UUID, string) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	operator := "unknown"
	if identity := auth.FromContext(r.Context()); identity != nil {
		operator = identity.Subject
	}
	if err := decide(r.Context(), id, operator); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrUnknownEnvironment):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotAwaitingApproval),
		errors.Is(err, orchestrator.ErrTerminalState):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
