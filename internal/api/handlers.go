package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
)

// ProgressSource reports the live state of a harvest.
type ProgressSource interface {
	Snapshot() harvester.Progress
}

// CheckpointReader loads stored checkpoints by run key.
type CheckpointReader interface {
	Load(ctx context.Context, runKey string) (*harvester.Checkpoint, error)
}

type Handlers struct {
	progress    ProgressSource
	checkpoints CheckpointReader
	logger      *slog.Logger
}

func NewHandlers(progress ProgressSource, checkpoints CheckpointReader, logger *slog.Logger) *Handlers {
	return &Handlers{
		progress:    progress,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	RunKey string `json:"run_key,omitempty"`
	State  string `json:"state,omitempty"`
}

// Health reports liveness plus the current harvest state, if any.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.progress != nil {
		p := h.progress.Snapshot()
		resp.RunKey = p.RunKey
		resp.State = p.State
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetProgress returns the controller snapshot.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		h.respondError(w, http.StatusServiceUnavailable, "no harvest is running")
		return
	}
	h.respondJSON(w, http.StatusOK, h.progress.Snapshot())
}

// GetCheckpoint returns the stored checkpoint for a run key.
func (h *Handlers) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	runKey := chi.URLParam(r, "runKey")
	if runKey == "" {
		h.respondError(w, http.StatusBadRequest, "run key is required")
		return
	}
	if h.checkpoints == nil {
		h.respondError(w, http.StatusServiceUnavailable, "checkpoint store is not configured")
		return
	}

	cp, err := h.checkpoints.Load(r.Context(), runKey)
	if err != nil {
		h.logger.Error("failed to load checkpoint", "error", err, "run_key", runKey)
		h.respondError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	if cp == nil {
		h.respondError(w, http.StatusNotFound, "checkpoint not found")
		return
	}

	h.respondJSON(w, http.StatusOK, cp)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
