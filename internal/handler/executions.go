package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/coderunner/internal/apperror"
	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/model"
	"github.com/sakif/coderunner/internal/repository"
	"github.com/sakif/coderunner/internal/service"
)

// ExecutionsHandler serves the caller's run history. Routes must sit behind
// auth.RequireAuth.
type ExecutionsHandler struct {
	runs   *service.ExecutionService
	logger *slog.Logger
}

func NewExecutionsHandler(runs *service.ExecutionService, logger *slog.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{runs: runs, logger: logger}
}

type listResponse struct {
	Executions []model.Execution `json:"executions"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// HandleList serves GET /api/executions?limit=&offset=.
func (h *ExecutionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts = opts.Normalize()

	list, err := h.runs.List(r.Context(), userID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Executions: list, Limit: opts.Limit, Offset: opts.Offset})
}

// HandleGet serves GET /api/executions/{id}.
func (h *ExecutionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	e, err := h.runs.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func listOptions(r *http.Request) (repository.ListOptions, error) {
	var opts repository.ListOptions
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, apperror.ValidationFailed(p.name, p.name+" must be a non-negative integer")
		}
		*p.dst = n
	}
	return opts, nil
}
