package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether the container runtime answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	runtime Pinger // nil when only the CLI is available
	logger  *slog.Logger
}

func NewHealthHandler(runtime Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{runtime: runtime, logger: logger}
}

type healthResponse struct {
	Status  string `json:"status"`
	Runtime string `json:"runtime"`
}

// HandleHealth serves GET /healthz: 200 when the runtime answers or is not
// checked, 503 when the daemon is unreachable.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.runtime == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Runtime: "unchecked"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.runtime.Ping(ctx); err != nil {
		h.logger.Warn("health check: container runtime unreachable", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Runtime: "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Runtime: "ok"})
}
