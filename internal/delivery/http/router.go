package http

import (
	"net/http"

	"groupsync/internal/delivery/sse"

	"go.uber.org/zap"
)

// Router handles HTTP routing
type Router struct {
	handler   *Handler
	sseRouter *sse.Router
	logger    *zap.Logger
}

// NewRouter creates a new HTTP router
func NewRouter(handler *Handler, sseRouter *sse.Router, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handler:   handler,
		sseRouter: sseRouter,
		logger:    logger,
	}
}

// Setup sets up the HTTP routes
func (r *Router) Setup() http.Handler {
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("GET /api/sessions", r.handler.ListSessions)
	apiMux.HandleFunc("POST /api/sessions", r.handler.CreateSession)
	apiMux.HandleFunc("GET /api/sessions/{id}", r.handler.GetSession)
	apiMux.HandleFunc("POST /api/sessions/{id}/start", r.handler.StartSession)
	apiMux.HandleFunc("POST /api/sessions/{id}/replace", r.handler.ReplaceClient)
	apiMux.HandleFunc("POST /api/sessions/{id}/close", r.handler.CloseSession)
	apiMux.HandleFunc("GET /api/sessions/{id}/clients", r.handler.ListClients)

	apiHandler := ApplyMiddleware(apiMux, RecoveryMiddleware(r.logger), LoggingMiddleware(r.logger))

	// event streams stay open, so they skip the request logging
	sseMux := http.NewServeMux()
	sseMux.HandleFunc("GET /api/sessions/{id}/events", r.sseRouter.HandleEvents)
	sseHandler := ApplyMiddleware(sseMux, RecoveryMiddleware(r.logger))

	root := http.NewServeMux()
	root.Handle("/api/sessions/{id}/events", sseHandler)
	root.Handle("/", apiHandler)
	return root
}
