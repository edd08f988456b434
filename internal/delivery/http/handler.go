// Package http serves the experimenter control panel API: listing, creating,
// starting and closing sessions, recording replacements and inspecting the
// clients of a session.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"groupsync/docstore"
	"groupsync/internal/usecase"
	"groupsync/model"

	"go.uber.org/zap"
)

// Handler handles HTTP requests
type Handler struct {
	sessions *usecase.SessionUseCase
	store    docstore.Store
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions *usecase.SessionUseCase, store docstore.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		store:    store,
		logger:   logger,
	}
}

type createSessionRequest struct {
	ID string `json:"id"`
}

type startSessionRequest struct {
	GroupSize       int      `json:"group_size"`
	GroupingsNeeded int      `json:"groupings_needed"`
	Roles           []string `json:"roles"`
}

type replaceRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ListSessions returns the open sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// CreateSession opens a new session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	session, err := h.sessions.Create(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// StartSession assigns groupings and roles and sets the session running.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	req := startSessionRequest{GroupSize: 2, GroupingsNeeded: 1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	session, err := h.sessions.Start(r.Context(), r.PathValue("id"), req.GroupSize, req.GroupingsNeeded, req.Roles)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ReplaceClient records a replacement.
func (h *Handler) ReplaceClient(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from and to are required"})
		return
	}
	session, err := h.sessions.Replace(r.Context(), r.PathValue("id"), req.From, req.To)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CloseSession closes a session to new clients.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListClients returns the client documents of a session.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.Query(r.Context(), docstore.ViewSessionClients, docstore.QueryParams{Key: r.PathValue("id")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	clients := make([]*model.ClientDocument, 0, len(rows))
	for _, row := range rows {
		c, err := model.ClientFromDocument(row.Doc)
		if err != nil {
			h.logger.Warn("Skipping malformed client document", zap.String("document_id", row.ID), zap.Error(err))
			continue
		}
		clients = append(clients, c)
	}
	writeJSON(w, http.StatusOK, clients)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docstore.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, usecase.ErrInvalidDesign):
		status = http.StatusBadRequest
	case errors.Is(err, usecase.ErrNoClients), errors.Is(err, docstore.ErrInvalidDocument):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
