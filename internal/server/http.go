package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clusive/readerqueue/internal/autosave"
	"github.com/clusive/readerqueue/internal/events"
	"github.com/clusive/readerqueue/internal/logout"
	"github.com/clusive/readerqueue/internal/preferences"
	"github.com/clusive/readerqueue/internal/queue"
)

// DefaultLogoutTimeout bounds how long POST /logout waits for queues.
const DefaultLogoutTimeout = 10 * time.Second

// Options configures the producer HTTP server.
type Options struct {
	Addr          string
	Queues        map[string]*queue.Queue
	Preferences   *preferences.Store
	Autosave      *autosave.Saver
	Coordinator   *logout.Coordinator
	LogoutURL     string
	LogoutTimeout time.Duration
	Logger        *slog.Logger
}

// Server exposes the queues, the preference store and autosave to local
// producers over HTTP.
type Server struct {
	addr          string
	queues        map[string]*queue.Queue
	prefs         *preferences.Store
	autosave      *autosave.Saver
	coordinator   *logout.Coordinator
	logoutURL     string
	logoutTimeout time.Duration
	logger        *slog.Logger
	mux           *http.ServeMux
}

// New creates a new HTTP server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = DefaultLogoutTimeout
	}
	s := &Server{
		addr:          opts.Addr,
		queues:        opts.Queues,
		prefs:         opts.Preferences,
		autosave:      opts.Autosave,
		coordinator:   opts.Coordinator,
		logoutURL:     opts.LogoutURL,
		logoutTimeout: opts.LogoutTimeout,
		logger:        opts.Logger.With("component", "http"),
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /queues/{name}/messages", s.handleAdd)
	s.mux.HandleFunc("POST /queues/{name}/flush", s.handleFlush)
	s.mux.HandleFunc("GET /preferences", s.handleGetPreferences)
	s.mux.HandleFunc("PUT /preferences", s.handleSetPreferences)
	s.mux.HandleFunc("POST /preferences/adopt/{preset}", s.handleAdopt)
	s.mux.HandleFunc("PUT /autosave/{key}", s.handleSave)
	s.mux.HandleFunc("GET /autosave/{key}", s.handleRetrieve)
	s.mux.HandleFunc("POST /logout", s.handleLogout)

	return s
}

type flushResponse struct {
	Queue    string          `json:"queue"`
	Outcome  queue.Outcome   `json:"outcome"`
	Sent     int             `json:"sent"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type autosaveRequest struct {
	Value      json.RawMessage    `json:"value"`
	ReaderInfo *events.ReaderInfo `json:"readerInfo,omitempty"`
}

type autosaveResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) lookupQueue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := r.PathValue("name")
	q, ok := s.queues[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown queue %q", name), http.StatusNotFound)
		return nil, false
	}
	return q, true
}

// handleAdd validates a producer message and queues it.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msg, err := events.Filter(body)
	if err != nil {
		s.logger.Debug("rejected message", "queue", q.Name(), "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q.Add(*msg)
	w.WriteHeader(http.StatusAccepted)
}

// handleFlush empties a queue now and reports the outcome.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}

	res := q.Empty(r.Context())
	resp := flushResponse{Queue: res.Queue, Outcome: res.Outcome, Sent: res.Sent, Response: res.Response}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.prefs.Get(r.Context())
	if errors.Is(err, preferences.ErrRequestInFlight) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	if err != nil {
		s.logger.Warn("preference read failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs events.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		http.Error(w, fmt.Sprintf("invalid preferences: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	writeJSON(w, http.StatusAccepted, s.prefs.Set(prefs))
}

func (s *Server) handleAdopt(w http.ResponseWriter, r *http.Request) {
	merged, err := s.prefs.Adopt(r.Context(), r.PathValue("preset"))
	if err != nil {
		s.logger.Warn("preset adoption failed", "preset", r.PathValue("preset"), "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req autosaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid autosave: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := s.autosave.Save(r.PathValue("key"), req.Value, req.ReaderInfo); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := s.autosave.Retrieve(r.Context(), key)
	if errors.Is(err, autosave.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, autosaveResponse{Key: key, Value: value})
}

// handleLogout holds the response until every queue has finished its logout
// flush, then redirects to the logout URL.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.logoutTimeout)
	defer cancel()

	err := s.coordinator.Logout(ctx, s.logoutURL)
	switch {
	case errors.Is(err, logout.ErrInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		queues, completed := s.coordinator.Counts()
		s.logger.Warn("logout did not complete", "error", err, "queues", queues, "completed", completed)
		http.Error(w, "logout timed out while saving changes", http.StatusGatewayTimeout)
		return
	}
	http.Redirect(w, r, s.logoutURL, http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the HTTP handler for use with custom servers (e.g., for testing).
func (s *Server) Handler() http.Handler {
	return s.mux
}
