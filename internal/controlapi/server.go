// Package controlapi exposes the control-plane HTTP surface: the
// callbacks that mark an agent connected or disconnected, agent status
// queries, the Prometheus scrape endpoint, and the liveness check.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/codebuild-agents/internal/agent"
	"github.com/terrpan/codebuild-agents/internal/health"
	"github.com/terrpan/codebuild-agents/internal/launcher"
)

// DisconnectHook is invoked before an agent is marked disconnected so
// the launcher can clear the agent's build handle.
type DisconnectHook interface {
	BeforeDisconnect(a launcher.Agent)
}

// Server serves the control-plane API.
type Server struct {
	logger   *slog.Logger
	server   *http.Server
	registry *agent.Registry
	hook     DisconnectHook
}

// NewServer creates the control API server.  backend names the
// configured build backend for the health payload.
func NewServer(
	logger *slog.Logger,
	addr string,
	registry *agent.Registry,
	hook DisconnectHook,
	gatherer prometheus.Gatherer,
	backend string,
) *Server {
	r := mux.NewRouter()
	s := &Server{
		logger:   logger,
		registry: registry,
		hook:     hook,
		server: &http.Server{
			Addr:         addr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      r,
			ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
	}

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", health.Handler(backend)).Methods("GET")

	r.HandleFunc("/api/v1/agents", s.listAgents).Methods("GET")
	r.HandleFunc("/api/v1/agents/{name}", s.getAgent).Methods("GET")
	r.HandleFunc("/api/v1/agents/{name}/connected", s.agentConnected).Methods("POST")
	r.HandleFunc("/api/v1/agents/{name}/disconnected", s.agentDisconnected).Methods("POST")

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting control API", slog.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control API server: %w", err)
	}
	return nil
}

// agentStatus is the JSON shape of one agent.
type agentStatus struct {
	Name          string `json:"name"`
	Online        bool   `json:"online"`
	AcceptingWork bool   `json:"accepting_work"`
	BuildID       string `json:"build_id,omitempty"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Names())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, agentStatus{
		Name:          a.Name(),
		Online:        a.Online(),
		AcceptingWork: a.AcceptingWork(),
		BuildID:       a.BuildID(),
	})
}

func (s *Server) agentConnected(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	a.MarkConnected()
	s.logger.Info("agent reported connected", slog.String("agent", a.Name()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentDisconnected(w http.ResponseWriter, r *http.Request) {
	a := s.lookup(w, r)
	if a == nil {
		return
	}
	if s.hook != nil {
		s.hook.BeforeDisconnect(a)
	}
	a.MarkDisconnected()
	s.logger.Info("agent reported disconnected", slog.String("agent", a.Name()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *agent.Agent {
	name := mux.Vars(r)["name"]
	a := s.registry.Get(name)
	if a == nil {
		http.Error(w, fmt.Sprintf("unknown agent %q", name), http.StatusNotFound)
		return nil
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
