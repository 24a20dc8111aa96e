// Package api exposes the book and its recorded history read-only over HTTP and
// a WebSocket stream, for visualization clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"hati/internal/engine"
	"hati/internal/journal"
	"hati/internal/snapshot"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultFillLimit = 50
	maxFillLimit     = 1000
	shutdownTimeout  = 5 * time.Second
)

type BookSource interface {
	Snapshot() engine.BookView
}

type History interface {
	All() []snapshot.Snapshot
	Series() []snapshot.Series
	Summary() snapshot.Summary
}

type FillSource interface {
	Recent(limit int) ([]journal.Entry, error)
}

type Options struct {
	AllowedOrigins []string
	StreamInterval time.Duration // how often /ws clients receive the book
}

// Server handles REST API and WebSocket connections. History and fills are
// optional; their routes answer 404 when they are not configured.
type Server struct {
	book    BookSource
	history History
	fills   FillSource
	opts    Options
	router  *mux.Router
	hub     *Hub
}

func NewServer(book BookSource, history History, fills FillSource, opts Options) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	s := &Server{
		book:    book,
		history: history,
		fills:   fills,
		opts:    opts,
		router:  mux.NewRouter(),
		hub:     NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/snapshots", s.handleGetSnapshots).Methods("GET")
	api.HandleFunc("/series", s.handleGetSeries).Methods("GET")
	api.HandleFunc("/summary", s.handleGetSummary).Methods("GET")
	api.HandleFunc("/fills", s.handleGetFills).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Run listens on addr and serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on the listener until the context is cancelled, along with the
// WebSocket hub and the book stream feeding it.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	t, ctx := tomb.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	t.Go(func() error {
		s.hub.Run(t.Dying())
		return nil
	})
	t.Go(func() error {
		s.stream(t.Dying())
		return nil
	})
	t.Go(func() error {
		log.Info().Str("address", listener.Addr().String()).Msg("api server running")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info().Msg("api server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	err := t.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// stream pushes the current book to every WebSocket client on each tick.
func (s *Server) stream(dying <-chan struct{}) {
	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dying:
			return
		case <-ticker.C:
			if s.hub.Len() == 0 {
				continue
			}
			s.hub.Broadcast(s.book.Snapshot())
		}
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.book.Snapshot())
}

func (s *Server) handleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "not recording", "snapshot history is disabled")
		return
	}
	respondJSON(w, s.history.All())
}

func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "not recording", "snapshot history is disabled")
		return
	}
	respondJSON(w, s.history.Series())
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "not recording", "snapshot history is disabled")
		return
	}
	respondJSON(w, s.history.Summary())
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	if s.fills == nil {
		respondError(w, http.StatusNotFound, "no journal", "fill journal is disabled")
		return
	}

	limit := defaultFillLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(v, maxFillLimit)
	}

	entries, err := s.fills.Recent(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, entries)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("unable to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}
