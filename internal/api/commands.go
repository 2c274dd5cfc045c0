package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/peterje/consolebridge/internal/models"
)

type Executor interface {
	Execute(ctx context.Context, command string, apiMode int) (json.RawMessage, error)
}

type CommandsHandler struct {
	executor       Executor
	defaultAPIMode int
	timeout        time.Duration
}

// NewCommandsHandler serves one-shot commands. A positive timeout bounds
// each command in addition to the request context.
func NewCommandsHandler(executor Executor, defaultAPIMode int, timeout time.Duration) *CommandsHandler {
	return &CommandsHandler{executor: executor, defaultAPIMode: defaultAPIMode, timeout: timeout}
}

func (h *CommandsHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var body models.CommandRequest
	if !decodeBody(w, r, &body) {
		return
	}

	apiMode := h.defaultAPIMode
	if body.APIMode != nil {
		apiMode = *body.APIMode
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.executor.Execute(ctx, body.Command, apiMode)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, models.CommandResponse{Result: result})
}
