// Package gateway exposes the pkgferry HTTP and WebSocket API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pkgferry/pkgferry/internal/events"
	"github.com/pkgferry/pkgferry/internal/gateway/ws"
	"github.com/pkgferry/pkgferry/internal/orchestrator"
	"github.com/pkgferry/pkgferry/internal/storage/eventlog"
	"github.com/pkgferry/pkgferry/internal/tasks"
)

// Server is the pkgferry gateway HTTP server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	wsHub      *ws.Hub
	events     *events.Hub
	store      tasks.Store
	orch       *orchestrator.Orchestrator
	log        *eventlog.Log
	maxUpload  int64
}

// NewServer creates a gateway server wired to the task store, orchestrator,
// event hub, and event log.
func NewServer(store tasks.Store, orch *orchestrator.Orchestrator, ev *events.Hub, log *eventlog.Log, host string, port int, maxUpload int64) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		router:    r,
		wsHub:     ws.NewHub(ev),
		events:    ev,
		store:     store,
		orch:      orch,
		log:       log,
		maxUpload: maxUpload,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Get("/dependencies", s.handleDependencies)
			r.Post("/parse", s.handleParse)
			r.Post("/download", s.handleDownload)
			r.Get("/archive", s.handleArchive)
			r.Get("/events", s.handleEvents)
		})
	})

	r.Get("/api/ws/tasks/{taskID}", s.handleWS)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("pkgferry gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"in_flight":  s.orch.InFlight(),
		"ws_clients": s.wsHub.ClientCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.Get(taskID); err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.wsHub.Serve(w, r, taskID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
