// Package server exposes the prediction, ensemble and attribution polling
// endpoints over HTTP and serves the generated artifacts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/neurolens/neurolens/internal/artifacts"
	"github.com/neurolens/neurolens/internal/auth"
	"github.com/neurolens/neurolens/internal/config"
	"github.com/neurolens/neurolens/internal/orchestrator"
	"github.com/neurolens/neurolens/internal/records"
	"github.com/neurolens/neurolens/internal/redact"
)

// Service is the prediction backend behind the HTTP layer.
type Service interface {
	Predict(ctx context.Context, up orchestrator.Upload, condition, modality string) (*orchestrator.Prediction, error)
	PredictEnsemble(ctx context.Context, up orchestrator.Upload) (*orchestrator.EnsemblePrediction, error)
	Status(ctx context.Context, id string) (records.Record, error)
	Cancel(id string) error
	Models() []orchestrator.ModelInfo
}

// Server wraps the HTTP components.
type Server struct {
	mux  *http.ServeMux
	svc  Service
	cfg  config.ServerConfig
	auth *auth.Auth
}

// New registers every route on a fresh mux. staticDir is served under
// /static/.
func New(cfg config.ServerConfig, svc Service, staticDir string) (*Server, error) {
	a, err := auth.New(cfg.Clients)
	if err != nil {
		return nil, err
	}
	s := &Server{
		mux:  http.NewServeMux(),
		svc:  svc,
		cfg:  cfg,
		auth: a,
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/robots.txt", handleRobots)
	s.mux.HandleFunc("/models", s.requireClient(s.handleModels))
	s.mux.HandleFunc("/predict", s.requireClient(s.handlePredict))
	s.mux.HandleFunc("/predict-ensemble", s.requireClient(s.handlePredictEnsemble))
	s.mux.HandleFunc("/cam-status/", s.requireClient(s.handleCamStatus))
	s.mux.Handle(artifacts.URLPrefix, http.StripPrefix(artifacts.URLPrefix, staticFiles(staticDir)))
	return s, nil
}

// requireClient rejects requests without a known API key once clients are
// configured. The key is read from Authorization: Bearer or X-API-Key.
func (s *Server) requireClient(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next(w, r)
			return
		}
		apiKey, ok := auth.ParseBearerToken(r.Header.Get("Authorization"))
		if !ok {
			apiKey = strings.TrimSpace(r.Header.Get("X-API-Key"))
		}
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key", errTypeAuthentication)
			return
		}
		if _, ok := s.auth.Lookup(apiKey); !ok {
			writeError(w, http.StatusUnauthorized, "Invalid API key", errTypeAuthentication)
			return
		}
		next(w, r)
	}
}

// Handler returns the mux wrapped in the CORS layer.
func (s *Server) Handler() http.Handler {
	return withCORS(s.cfg.CORS, s.mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		redact.Logf("neurolens listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": s.svc.Models()})
}

// staticFiles serves generated artifacts. Directory listings and dot files
// (the instance lock) are hidden.
func staticFiles(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p := r.URL.Path
		if p == "" || strings.HasSuffix(p, "/") {
			writeError(w, http.StatusNotFound, "Not found", errTypeNotFound)
			return
		}
		for _, part := range strings.Split(p, "/") {
			if strings.HasPrefix(part, ".") {
				writeError(w, http.StatusNotFound, "Not found", errTypeNotFound)
				return
			}
		}
		fs.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		redact.Logf("server: encode response: %v", err)
	}
}
