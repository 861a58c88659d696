// Package httpapi exposes the render queue over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/auth"
	"github.com/stevecastle/stereoeye/jobqueue"
	"github.com/stevecastle/stereoeye/storage"
	"github.com/stevecastle/stereoeye/stream"
	"github.com/stevecastle/stereoeye/tasks"
)

// Dependencies are the services the handlers share.
type Dependencies struct {
	Queue    *jobqueue.Queue
	Registry *tasks.Registry
	Store    storage.Store
	// Auth may be nil, which leaves the API open.
	Auth   *auth.AuthService
	Events *stream.Hub

	MaxUploadBytes int64
	DefaultSize    string
	DefaultLayout  string
}

// Server routes API requests.
type Server struct {
	deps *Dependencies
	mux  *http.ServeMux
}

func New(deps *Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ApplyMiddlewares wraps handler with logging, CORS and, for protected
// roles, the token check.
func (s *Server) ApplyMiddlewares(handler http.HandlerFunc, role AuthRole) http.HandlerFunc {
	var h http.Handler = handler
	if role != RolePublic {
		h = RequireToken(s.deps.Auth)(h)
	}
	return Logger(CORS(h))
}

func (s *Server) routes() {
	s.mux.HandleFunc("OPTIONS /api/", s.ApplyMiddlewares(func(http.ResponseWriter, *http.Request) {}, RolePublic))

	s.mux.HandleFunc("POST /api/renders", s.ApplyMiddlewares(s.createRenderHandler, RoleUser))
	s.mux.HandleFunc("GET /api/renders", s.ApplyMiddlewares(s.listRendersHandler, RoleUser))
	s.mux.HandleFunc("POST /api/renders/clear", s.ApplyMiddlewares(s.clearRendersHandler, RoleUser))
	s.mux.HandleFunc("GET /api/renders/{id}", s.ApplyMiddlewares(s.renderDetailHandler, RoleUser))
	s.mux.HandleFunc("DELETE /api/renders/{id}", s.ApplyMiddlewares(s.removeRenderHandler, RoleUser))
	s.mux.HandleFunc("GET /api/renders/{id}/result", s.ApplyMiddlewares(s.resultHandler, RoleUser))
	s.mux.HandleFunc("GET /api/renders/{id}/thumbnail", s.ApplyMiddlewares(s.thumbnailHandler, RoleUser))
	s.mux.HandleFunc("POST /api/renders/{id}/cancel", s.ApplyMiddlewares(s.cancelRenderHandler, RoleUser))
	s.mux.HandleFunc("POST /api/renders/{id}/retry", s.ApplyMiddlewares(s.retryRenderHandler, RoleUser))

	s.mux.HandleFunc("GET /api/events", s.ApplyMiddlewares(s.eventsHandler, RoleUser))
	s.mux.HandleFunc("GET /api/tasks", s.ApplyMiddlewares(s.tasksHandler, RoleUser))
	s.mux.HandleFunc("POST /api/token", s.ApplyMiddlewares(s.tokenHandler, RolePublic))
	s.mux.HandleFunc("GET /health", s.ApplyMiddlewares(s.healthHandler, RolePublic))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Error encoding response")
	}
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
