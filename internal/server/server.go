// Package server publishes the generated report over HTTP and pushes it to
// websocket clients whenever a run rewrites it.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"cronwatch/internal/report"
)

const defaultPollInterval = 2 * time.Second

// Server wraps HTTP serving of the output directory.
type Server struct {
	httpServer   *http.Server
	outputDir    string
	pollInterval time.Duration
	log          zerolog.Logger
}

// New creates a configured HTTP server for the output directory.
func New(addr, outputDir string, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		outputDir:    outputDir,
		pollInterval: defaultPollInterval,
		log:          log,
	}
	s.registerRoutes(mux)
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Str("output_dir", s.outputDir).Msg("serving report")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	files := http.FileServer(http.Dir(s.outputDir))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if filepath.Ext(r.URL.Path) == ".json" {
			w.Header().Set("Cache-Control", "no-cache")
		}
		files.ServeHTTP(w, r)
	}))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleReportWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if mod, ok := s.reportModTime(); ok {
		resp["reportGeneratedAt"] = mod.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reportPath() string {
	return filepath.Join(s.outputDir, report.AggregateFile)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
