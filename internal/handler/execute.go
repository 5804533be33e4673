package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/workspace"
	"github.com/sakif/coderunner/internal/service"
)

type ExecuteHandler struct {
	runs      *service.ExecutionService
	languages []string
	logger    *slog.Logger
}

func NewExecuteHandler(runs *service.ExecutionService, languages []string, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		runs:      runs,
		languages: languages,
		logger:    logger,
	}
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input"`
}

// executeResponse is an ExecutionResult with the time in milliseconds.
type executeResponse struct {
	ID            string `json:"id,omitempty"`
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error"`
	ExecutionTime int64  `json:"executionTime"`
	ExitCode      int    `json:"exitCode"`
}

// HandleExecute runs POST /api/execute.
//
// Failures of the submitted program (compile errors, non-zero exit,
// timeouts) are a 200 with success=false. Only bad requests, an unknown
// language, and a full queue get an error status.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	owner, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		owner = workspace.AnonymousOwner
	}

	result, record, err := h.runs.Run(r.Context(), owner, executor.ExecutionRequest{
		Language: body.Language,
		Code:     body.Code,
		Input:    body.Input,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := executeResponse{
		Success:       result.Success,
		Output:        result.Output,
		Error:         result.Error,
		ExecutionTime: result.ExecutionTime.Milliseconds(),
		ExitCode:      result.ExitCode,
	}
	if record != nil {
		resp.ID = record.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleLanguages lists the language ids POST /api/execute accepts.
func (h *ExecuteHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": h.languages})
}
