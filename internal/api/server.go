// Package api serves the status, config and event endpoints next to the MJPEG stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/compositor"
	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/pipeline"
	"github.com/bryanchriswhite/kgcapture/internal/present"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by /api/health
const Version = "0.1.0"

const (
	eventBuffer  = 16
	writeTimeout = 5 * time.Second
)

// Pipeline is the part of the render loop the API reads
type Pipeline interface {
	State() pipeline.LoopState
	Started() time.Time
	Totals() pipeline.Totals
	LastTick() pipeline.TickStats
	Layout() compositor.Layout
	Subscribe(buffer int) (<-chan pipeline.TickStats, func())
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	runID     string
	configMgr *config.Manager
	pipe      Pipeline
	locator   *window.Locator
	stream    *present.MJPEGSurface
	upgrader  websocket.Upgrader
}

// Options wires the server; Locator and Stream may be nil
type Options struct {
	Config   *config.Manager
	Pipeline Pipeline
	Locator  *window.Locator
	Stream   *present.MJPEGSurface
}

// Status is the body of /api/status
type Status struct {
	RunID    string               `json:"run_id"`
	State    pipeline.LoopState   `json:"state"`
	Started  time.Time            `json:"started"`
	Uptime   string               `json:"uptime"`
	Ticks    uint64               `json:"ticks"`
	Totals   pipeline.Totals      `json:"totals"`
	LastTick pipeline.TickStats   `json:"last_tick"`
	Layout   compositor.Layout    `json:"layout"`
	Stream   *present.StreamStats `json:"stream,omitempty"`
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		runID:     uuid.NewString(),
		configMgr: opts.Config,
		pipe:      opts.Pipeline,
		locator:   opts.Locator,
		stream:    opts.Stream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// RunID identifies this process in status output
func (s *Server) RunID() string {
	return s.runID
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/layout", s.handleLayout).Methods("GET")
	api.HandleFunc("/windows", s.handleWindows).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")
	api.HandleFunc("/config/validation", s.handleUpdateValidation).Methods("PUT")
	api.HandleFunc("/events", s.handleEvents)

	if s.stream != nil {
		s.router.HandleFunc("/stream", s.stream.StreamHandler()).Methods("GET")
		s.router.HandleFunc("/", s.stream.ViewerHandler()).Methods("GET")
	}
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, port int) error {
	log := logger.WithComponent("api")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", "http://localhost"+srv.Addr).Str("run_id", s.runID).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown incomplete")
		return srv.Close()
	}
	log.Info().Msg("Server stopped")
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"run_id":  s.runID,
	})
}

func (s *Server) status() Status {
	st := Status{RunID: s.runID}
	if s.pipe != nil {
		st.State = s.pipe.State()
		st.Started = s.pipe.Started()
		st.Totals = s.pipe.Totals()
		st.Ticks = st.Totals.Ticks
		st.LastTick = s.pipe.LastTick()
		st.Layout = s.pipe.Layout()
		if !st.Started.IsZero() {
			st.Uptime = strings.TrimSpace(humanize.RelTime(st.Started, time.Now(), "", ""))
		}
	}
	if s.stream != nil {
		stats := s.stream.Stats()
		st.Stream = &stats
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	if s.pipe == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("pipeline not running"))
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Layout())
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if s.locator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("window discovery not available"))
		return
	}
	windows, err := s.locator.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.configMgr.Update(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleUpdateValidation replaces only the retry policy
func (s *Server) handleUpdateValidation(w http.ResponseWriter, r *http.Request) {
	var v config.ValidationConfig
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := s.configMgr.Get()
	cfg.Validation = v
	if err := s.configMgr.Update(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get().Validation)
}

// handleEvents streams every tick's stats over a websocket
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	if s.pipe == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("pipeline not running"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ticks, cancel := s.pipe.Subscribe(eventBuffer)
	defer cancel()

	// Reads only to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("remote", r.RemoteAddr).Msg("Event subscriber connected")
	for {
		select {
		case <-gone:
			return
		case ts, ok := <-ticks:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline stopped"),
					time.Now().Add(writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ts); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
