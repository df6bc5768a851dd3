// Package web provides the kiosk HTTP server: status page, JSON status,
// flow control endpoints and a WebSocket notification stream.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/status"
)

var (
	// ErrBusy is returned by Controls.StartFlow while a flow is running.
	ErrBusy = errors.New("a flow is already running")
	// ErrNoFlow is returned when no flow is running.
	ErrNoFlow = errors.New("no flow is running")
)

// Controls starts and steers flows on behalf of HTTP clients.
type Controls interface {
	StartFlow(subjectID string) (string, error)
	CompleteFlow() error
	CancelFlow() error
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	controls   Controls
	hub        *Hub
	logger     *zap.Logger
}

// New creates a Server that reads state from the given tracker. controls
// and hub may be nil, which disables the matching routes.
func New(addr string, tracker *status.Tracker, controls Controls, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tracker:  tracker,
		controls: controls,
		hub:      hub,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	r.HandleFunc("/flows", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/flows/current/complete", s.handleComplete).Methods(http.MethodPost)
	r.HandleFunc("/flows/current/cancel", s.handleCancel).Methods(http.MethodPost)
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.ServeWS(s.tracker)).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.CloseAll()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, s.hub != nil); err != nil {
		s.logger.Warn("render status page", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

type startRequest struct {
	SubjectID string `json:"subjectId"`
}

type flowResponse struct {
	FlowID string `json:"flow_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.controls == nil {
		writeJSON(w, http.StatusServiceUnavailable, flowResponse{Error: "flow control disabled"})
		return
	}

	var req startRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, flowResponse{Error: "invalid JSON body"})
			return
		}
	}

	id, err := s.controls.StartFlow(strings.TrimSpace(req.SubjectID))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.logger.Info("flow started over HTTP", zap.String("flow_id", id), zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, flowResponse{FlowID: id})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.control(w, func(c Controls) error { return c.CompleteFlow() })
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, func(c Controls) error { return c.CancelFlow() })
}

func (s *Server) control(w http.ResponseWriter, fn func(Controls) error) {
	if s.controls == nil {
		writeJSON(w, http.StatusServiceUnavailable, flowResponse{Error: "flow control disabled"})
		return
	}
	if err := fn(s.controls); err != nil {
		s.writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBusy):
		writeJSON(w, http.StatusConflict, flowResponse{Error: err.Error()})
	case errors.Is(err, ErrNoFlow):
		writeJSON(w, http.StatusNotFound, flowResponse{Error: err.Error()})
	default:
		s.logger.Error("flow control failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, flowResponse{Error: err.Error()})
	}
}
