// Package api is the thin HTTP surface over the pipeline manager, model
// repository and event log. All behavior lives below it.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"infernode/internal/events"
	"infernode/internal/log"
	"infernode/internal/manager"
	"infernode/internal/models"
)

// Server holds the API's collaborators.
type Server struct {
	manager *manager.Manager
	models  *models.Repo
	events  *events.Store
	apiKey  string
	log     zerolog.Logger
}

// NewServer wires the handlers. events may be nil when the event log is
// disabled.
func NewServer(mgr *manager.Manager, repo *models.Repo, ev *events.Store, apiKey string) *Server {
	return &Server{
		manager: mgr,
		models:  repo,
		events:  ev,
		apiKey:  apiKey,
		log:     log.WithComponent("api"),
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.handleListPipelines)
			r.Post("/", s.handleCreatePipeline)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPipeline)
				r.Put("/", s.handleUpdatePipeline)
				r.Delete("/", s.handleDeletePipeline)

				r.Post("/start", s.handleStartPipeline)
				r.Post("/stop", s.handleStopPipeline)
				r.Post("/error/clear", s.handleClearError)

				r.Post("/inference/enable", s.handleEnableInference)
				r.Post("/inference/disable", s.handleDisableInference)
				r.Get("/confidence", s.handleGetConfidence)
				r.Put("/confidence", s.handleSetConfidence)

				r.Get("/metrics", s.handleMetrics)
				r.Get("/events", s.handleEvents)

				r.Get("/destinations", s.handleDestinationStates)
				r.Route("/destinations/{destID}", func(r chi.Router) {
					r.Post("/enable", s.handleEnableDestination)
					r.Post("/disable", s.handleDisableDestination)
					r.Post("/reset-failures", s.handleResetFailures)
					r.Post("/reset-frames", s.handleResetFrames)
				})

				r.Get("/frame", s.handleLatestFrame)
				r.Get("/stream", s.handleStream)
				r.Get("/thumbnail", s.handleGetThumbnail)
				r.Post("/thumbnail", s.handleGenerateThumbnail)
				r.Delete("/thumbnail", s.handleDeleteThumbnail)
			})
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Post("/", s.handleUploadModel)
			r.Delete("/{id}", s.handleDeleteModel)
		})
	})

	return r
}

// authMiddleware enforces the static API key. An empty configured key
// disables authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}

// respondManagerError maps the manager's sentinel errors to status codes.
func (s *Server) respondManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, manager.ErrDestinationNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, manager.ErrAlreadyRunning), errors.Is(err, manager.ErrRunning),
		errors.Is(err, manager.ErrNotRunning), errors.Is(err, manager.ErrErrored):
		s.respondError(w, http.StatusConflict, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}
