package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"infernode/internal/manager"
	"infernode/internal/models"
)

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.manager.Create(req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusCreated, entry)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	entry, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, entry)
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var req manager.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.manager.Update(chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, entry)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(chi.URLParam(r, "id")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Start(id); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleStopPipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(chi.URLParam(r, "id")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearError(chi.URLParam(r, "id")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleEnableInference(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EnableInference(chi.URLParam(r, "id")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"inference_enabled": true})
}

func (s *Server) handleDisableInference(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DisableInference(chi.URLParam(r, "id")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"inference_enabled": false})
}

func (s *Server) handleGetConfidence(w http.ResponseWriter, r *http.Request) {
	threshold, err := s.manager.GetConfidenceThreshold(chi.URLParam(r, "id"))
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]float64{"confidence_threshold": threshold})
}

func (s *Server) handleSetConfidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"confidence_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.SetConfidenceThreshold(chi.URLParam(r, "id"), req.Threshold); err != nil {
		if errors.Is(err, manager.ErrNotFound) {
			s.respondManagerError(w, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]float64{"confidence_threshold": req.Threshold})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.manager.Metrics(chi.URLParam(r, "id"))
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, metrics)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.respondError(w, http.StatusNotFound, errors.New("event log disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.events.ListByPipeline(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleDestinationStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.manager.DestinationStates(chi.URLParam(r, "id"))
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, states)
}

func (s *Server) handleEnableDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EnableDestination(chi.URLParam(r, "id"), chi.URLParam(r, "destID")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleDisableDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DisableDestination(chi.URLParam(r, "id"), chi.URLParam(r, "destID")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleResetFailures(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ResetDestinationFailures(chi.URLParam(r, "id"), chi.URLParam(r, "destID")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleResetFrames(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ResetDestinationFrameCount(chi.URLParam(r, "id"), chi.URLParam(r, "destID")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.models.List())
}

// handleUploadModel accepts a multipart form with a "model" file field.
func (s *Server) handleUploadModel(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("model")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	model, err := s.models.Store(header.Filename, file)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusCreated, model)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.models.Delete(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
