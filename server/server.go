// Package server exposes the chat stream and checkpoint inspection over HTTP.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/stream"
	"github.com/smallnest/chatgraph/workflow"
)

// Version is reported by the root route.
const Version = "0.1.0"

// Starter starts chat turns. *stream.Gateway implements it.
type Starter interface {
	Start(req workflow.Request) (*stream.Stream, error)
}

// Server routes HTTP requests to the gateway and the checkpoint store.
type Server struct {
	router  *mux.Router
	handler http.Handler
	gateway Starter
	saver   store.Saver
	logger  log.Logger
	version string
	origins []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = log.OrDefault(l) }
}

// WithSaver enables the thread routes backed by saver.
func WithSaver(saver store.Saver) Option {
	return func(s *Server) { s.saver = saver }
}

// WithAllowedOrigins restricts CORS to origins. All origins are allowed by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithVersion overrides the version reported by the root route.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server streaming turns started by gateway.
func New(gateway Starter, opts ...Option) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		gateway: gateway,
		logger:  log.GetDefaultLogger(),
		version: Version,
		origins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Type", headerThreadID},
	})
	s.handler = c.Handler(tracingMiddleware(loggingMiddleware(s.logger, s.router)))
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// The /api/v1 prefix is kept for existing clients.
	s.router.HandleFunc("/chat/stream", s.handleChatStream).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/chat/stream", s.handleChatStream).Methods(http.MethodPost)

	if s.saver != nil {
		s.router.HandleFunc("/threads/{thread_id}/checkpoints", s.handleListCheckpoints).Methods(http.MethodGet)
		s.router.HandleFunc("/threads/{thread_id}", s.handleDeleteThread).Methods(http.MethodDelete)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to the chatgraph API",
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
