package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/fitops/relay/internal/scheduler"
	"github.com/fitops/relay/internal/store"
	"github.com/fitops/relay/internal/trigger"
	"github.com/fitops/relay/internal/validation"
)

// Deps holds the dependencies for the operator API server.
type Deps struct {
	Store     store.Store
	Matcher   *trigger.Matcher
	Validator validation.Validator
	Metrics   *scheduler.PoolMetrics
	Logger    *slog.Logger
}

// Server serves the operator JSON API: workflow publishing, run inspection,
// cancellation, event ingestion, and pool metrics.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/status", s.handleSetWorkflowStatus)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("POST /api/events", s.handleIngestEvent)

	return mux
}
