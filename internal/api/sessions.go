package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/peterje/consolebridge/internal/models"
	"github.com/peterje/consolebridge/internal/session"
)

type SessionManager interface {
	Open(ctx context.Context) (session.Descriptor, error)
	List() []string
	Get(id string) (session.Descriptor, error)
	SendInput(id, text string) error
	Close(id string) error
}

type SessionsHandler struct {
	manager SessionManager
}

func NewSessionsHandler(manager SessionManager) *SessionsHandler {
	return &SessionsHandler{manager: manager}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.List())
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	desc, err := h.manager.Open(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+desc.ID)
	WriteJSON(w, http.StatusCreated, desc)
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	desc, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, desc)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Close(chi.URLParam(r, "id")); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleInput sends one or more lines to the session for clients that cannot
// hold a websocket open.
func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body models.InputRequest
	if !decodeBody(w, r, &body) {
		return
	}

	id := chi.URLParam(r, "id")
	for _, line := range strings.Split(strings.TrimSuffix(body.Input, "\n"), "\n") {
		if err := h.manager.SendInput(id, strings.TrimSuffix(line, "\r")); err != nil {
			WriteErr(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
