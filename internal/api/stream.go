package api

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// streamFrameInterval paces the preview stream; sources faster than this
// are downsampled, slower ones just repeat the latest frame less often.
const streamFrameInterval = 100 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// The API key already gates the endpoint.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream serves the live preview over a websocket: binary JPEG
// messages at a fixed pace. Connecting flips the pipeline into streaming
// mode so it renders annotated frames; disconnecting flips it back.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StartStreaming(id); err != nil {
		s.respondManagerError(w, err)
		return
	}
	defer func() {
		if err := s.manager.StopStreaming(id); err != nil {
			s.log.Debug().Err(err).Str("pipeline_id", id).Msg("stop streaming after disconnect")
		}
	}()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reader goroutine: we never expect client messages, but reading is how
	// close frames and dead peers are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamFrameInterval)
	defer ticker.Stop()

	var lastSent []byte
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame, err := s.manager.LatestFrame(id)
			if err != nil {
				return
			}
			if bytes.Equal(frame, lastSent) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			lastSent = frame
		}
	}
}

// handleLatestFrame serves the most recent preview frame as a plain JPEG.
func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.manager.LatestFrame(chi.URLParam(r, "id"))
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame); err != nil {
		s.log.Debug().Err(err).Msg("failed to write frame")
	}
}

func (s *Server) handleGetThumbnail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	store := s.manager.Thumbnails()
	if !store.Exists(id) {
		s.respondError(w, http.StatusNotFound, errors.New("no thumbnail"))
		return
	}
	data, err := os.ReadFile(store.Path(id))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Debug().Err(err).Msg("failed to write thumbnail")
	}
}

func (s *Server) handleGenerateThumbnail(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.GenerateThumbnail(chi.URLParam(r, "id")); err != nil {
		s.respondManagerError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "generated"})
}

func (s *Server) handleDeleteThumbnail(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Thumbnails().Delete(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
