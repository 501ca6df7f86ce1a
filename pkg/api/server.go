package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
)

// Server is the HTTPS front of the dispatcher: POST /api for the web UI,
// POST /auth for session tokens, plus health and metrics endpoints. It
// serves TLS with the server certificate from the certs directory.
type Server struct {
	port     int
	certFile string
	keyFile  string

	adminUser     string
	adminPassword string

	dispatcher *Dispatcher
	tokens     *TokenStore
	srv        *http.Server

	shutdownOnce sync.Once
}

// NewServer builds the server in a stopped state. Call Start to serve.
func NewServer(cfg *config.Config, paths config.Paths, d *Dispatcher) *Server {
	s := &Server{
		port:          cfg.APIServer.Port,
		certFile:      paths.ServerCert,
		keyFile:       paths.ServerKey,
		adminUser:     cfg.APIServer.AdminUser,
		adminPassword: cfg.APIServer.AdminPassword,
		dispatcher:    d,
		tokens:        NewTokenStore(DefaultTokenTTL),
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/api", s.handleAPI)
	r.Post("/auth", s.handleAuth)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTPS API Server", "port", s.port)
		if err := s.srv.ListenAndServeTLS(s.certFile, s.keyFile); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("api server failed: %w", err)
	}
}

// Stop shuts the listener down gracefully. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.srv.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("api server shutdown: %w", err)
		} else {
			logger.Info("API server stopped")
		}
	})
	return shutdownErr
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	var req message.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("undecodable api request body", "remote", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	resp := s.dispatcher.Dispatch(r.Context(), &req)
	writeJSON(w, resp.Status, resp)
}

// handleAuth issues and renews session tokens. Failures answer 200 with
// an empty token so the UI can tell bad credentials apart from a dead
// server without sniffing status codes.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User      string `json:"user"`
		Password  string `json:"password"`
		AuthToken string `json:"auth_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		switch {
		case req.User != "" && req.Password != "":
			if req.User == s.adminUser && req.Password == s.adminPassword {
				logger.Info("Successful login request", "client", r.RemoteAddr)
				writeJSON(w, http.StatusOK, map[string]string{"auth_token": s.tokens.Generate()})
				return
			}
		case req.AuthToken != "":
			if s.tokens.Validate(req.AuthToken) {
				logger.Info("Successfully renewed token", "client", r.RemoteAddr)
				writeJSON(w, http.StatusOK, map[string]string{"auth_token": s.tokens.Generate()})
				return
			}
		}
	}
	logger.Debug("refused auth request", "client", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"auth_token": ""})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode http response", "error", err)
	}
}

// requestLogger traces requests at debug level; routine UI polling
// should not fill the service log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
