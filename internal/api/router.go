package api

import (
	"net/http"

	"realtime-collab/internal/middleware"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Routes bundles the handlers the router mounts
type Routes struct {
	API           *Handler
	Realtime      http.Handler     // generic channel
	Collaboration http.HandlerFunc // per-session channel
	Metrics       http.Handler
}

func SetupRoutes(routes Routes, logger *zap.Logger, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.Tracing(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(allowedOrigins))

	h := routes.API
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/presence", h.Presence).Methods(http.MethodGet)

	// Session endpoints
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/changes", h.ListChanges).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/changes", h.PruneChanges).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/content", h.PutContent).Methods(http.MethodPut)

	// Outward notifications
	api.HandleFunc("/users/{id}/notify", h.NotifyUser).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/notify", h.NotifyProject).Methods(http.MethodPost)

	// WebSocket routes
	r.Handle("/ws", routes.Realtime)
	r.HandleFunc("/ws/collab/{session_id}", routes.Collaboration)

	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics).Methods(http.MethodGet)
	}

	return r
}
