package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dronefleet/internal/fleet"
	"dronefleet/internal/ledger"
	"dronefleet/internal/registry"
)

// Uplink is the part of the connection manager the admin server reports
// on and drives.
type Uplink interface {
	IsConnected() bool
	QueueLen() int
	Dropped() uint64
	Retries() int
	Err() error
	CreateTask(path, nextNode string) error
	Shutdown(node string) error
}

// Nodes is the read side of the node registry.
type Nodes interface {
	All() []fleet.Node
	Stats() registry.Stats
}

// Tasks is the read side of the task ledger.
type Tasks interface {
	Tasks() []fleet.MainTask
	HistoryFor(taskID int) []fleet.HistoryEntry
	Stats() ledger.Stats
}

// Events reports change events that never reached a subscriber.
type Events interface {
	Dropped() uint64
}

// Status is the /status payload.
type Status struct {
	Connected     bool           `json:"connected"`
	QueueLen      int            `json:"queue_len"`
	Dropped       uint64         `json:"dropped"`
	Retries       int            `json:"retries"`
	Error         string         `json:"error,omitempty"`
	EventsDropped uint64         `json:"events_dropped"`
	Nodes         registry.Stats `json:"nodes"`
	Tasks         ledger.Stats   `json:"tasks"`
}

type Server struct {
	Uplink Uplink
	Nodes  Nodes
	Tasks  Tasks
	// Events is optional.
	Events Events
	log    *slog.Logger
	mux    *http.ServeMux
}

func NewServer(up Uplink, nodes Nodes, tasks Tasks, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{Uplink: up, Nodes: nodes, Tasks: tasks, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /nodes", s.handleNodes)
	s.mux.HandleFunc("GET /tasks", s.handleTasks)
	s.mux.HandleFunc("GET /tasks/{id}/history", s.handleHistory)
	s.mux.HandleFunc("POST /create-task", s.handleCreateTask)
	s.mux.HandleFunc("POST /shutdown", s.handleShutdown)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("admin server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth answers 200 while the uplink is usable and 503 once it has
// given up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Uplink.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Connected: s.Uplink.IsConnected(),
		QueueLen:  s.Uplink.QueueLen(),
		Dropped:   s.Uplink.Dropped(),
		Retries:   s.Uplink.Retries(),
		Nodes:     s.Nodes.Stats(),
		Tasks:     s.Tasks.Stats(),
	}
	if err := s.Uplink.Err(); err != nil {
		st.Error = err.Error()
	}
	if s.Events != nil {
		st.EventsDropped = s.Events.Dropped()
	}
	writeJSON(w, st)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Nodes.All())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Tasks.Tasks())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		http.Error(w, "bad task id", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.Tasks.HistoryFor(id))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if err := s.Uplink.CreateTask(path, r.URL.Query().Get("next_node")); err != nil {
		s.log.Warn("create task failed", "path", path, "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	node := r.URL.Query().Get("node")
	if node == "" {
		http.Error(w, "node is required", http.StatusBadRequest)
		return
	}
	if err := s.Uplink.Shutdown(node); err != nil {
		s.log.Warn("shutdown failed", "node", node, "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
