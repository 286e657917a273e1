package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/C6H12O6Mix/yolo/internal/config"
	"github.com/C6H12O6Mix/yolo/internal/engine"
	"github.com/C6H12O6Mix/yolo/internal/pipeline"
)

const maxRequestBody = 1 << 20 // 1 MiB

type errorResponse struct {
	Error string `json:"error"`
}

type startResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type stopResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var sess config.SessionConfig

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sess); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	if err := s.coord.Start(r.Context(), sess); err != nil {
		s.writeStartError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		Status:    "started",
		SessionID: s.coord.Status().SessionID,
	})
}

// writeStartError maps the start error taxonomy onto HTTP statuses:
// conflicts are 409, caller mistakes are 400, everything else (stage
// failures during startup) is 502.
func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	var (
		vErr  *config.ValidationError
		mlErr *engine.ModelLoadError
	)

	switch {
	case errors.Is(err, pipeline.ErrSessionActive), errors.Is(err, pipeline.ErrStartAborted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &vErr), errors.As(err, &mlErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Stop(r.Context()); err != nil {
		if errors.Is(err, pipeline.ErrSessionNotActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stopResponse{Status: "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only while a session is actually
// processing frames.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.coord.Phase() != pipeline.PhaseRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
