// Package api provides HTTP handlers and the main API server logic for
// WhatsFlow.
//
// It exposes the provider webhook (POST + GET verification handshake) and
// administrative endpoints for sending messages, managing contacts and
// templates, reading statistics, and running session cleanup.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hoztech/whatsflow/internal/config"
	"github.com/hoztech/whatsflow/internal/engine"
	"github.com/hoztech/whatsflow/internal/store"
)

const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// Server wires the chatbot engine to HTTP endpoints.
type Server struct {
	addr   string
	eng    *engine.Engine
	st     store.Store
	cfg    config.Provider
	server *http.Server
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// NewServer creates an API server around the engine and its collaborators.
func NewServer(eng *engine.Engine, st store.Store, cfg config.Provider, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{addr: o.Addr, eng: eng, st: st, cfg: cfg}
}

// Handler returns the server's route table as an http.Handler, usable
// directly in tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/contacts", s.contactsHandler)
	mux.HandleFunc("/contacts/block", s.blockContactHandler)
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/config", s.configHandler)
	mux.HandleFunc("/chatbot/activate", s.activateHandler)
	mux.HandleFunc("/chatbot/deactivate", s.deactivateHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/cleanup", s.cleanupHandler)
	mux.HandleFunc("/logs", s.logsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("WhatsFlow API listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		return nil
	}
}
