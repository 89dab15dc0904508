package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/scheduler"
)

// Config configures the observability HTTP server
type Config struct {
	ListenAddr string
	EnableAuth bool
	JWTSecret  string
}

// Server exposes the scheduler's read-only observability surface:
// health, resource report, counters, Prometheus metrics, and a
// websocket report stream. Admission and execution stay Go-level.
type Server struct {
	logger    *zap.Logger
	config    Config
	scheduler *scheduler.Scheduler
	server    *http.Server
	upgrader  websocket.Upgrader
}

// NewServer creates the observability server
func NewServer(logger *zap.Logger, config Config, sched *scheduler.Scheduler) *Server {
	s := &Server{
		logger:    logger,
		config:    config,
		scheduler: sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	if config.EnableAuth {
		auth := NewAuthMiddleware(logger, []byte(config.JWTSecret))
		apiRouter.Use(auth.Require)
	}
	apiRouter.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	apiRouter.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.config.ListenAddr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.scheduler.ResourceReport(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.scheduler.Stats())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"depth": s.scheduler.QueueDepth(),
	})
}

// handleWebSocket streams the resource report on an interval until
// the client disconnects
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Debug("WebSocket client connected", zap.String("remote", r.RemoteAddr))

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	// Reader goroutine just detects disconnects
	disconnect := make(chan struct{})
	go func() {
		defer close(disconnect)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnect:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			report := s.scheduler.ResourceReport(r.Context())
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(report); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
