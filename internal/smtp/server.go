// Package smtp implements the capture-only SMTP listener and the
// per-connection protocol state machine.
package smtp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mailsink/mailsink/internal/metrics"
	"github.com/mailsink/mailsink/internal/sink"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:2525").
	ListenAddr string

	// Hostname is the server hostname used in greeting responses.
	Hostname string

	// Sink is the mail persistence backend.
	Sink sink.Sink

	// Metrics receives listener and persistence counters. May be nil.
	Metrics *metrics.Metrics
}

// Server is an SMTP server that accepts connections and records every
// received message through the configured Sink.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Server{
		config: cfg,
	}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On context cancellation, it stops accepting new
// connections and waits up to 30 seconds for in-flight sessions to
// complete. Sessions never share state with each other; a slow or
// failing write in one connection does not block the others.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"sink", s.config.Sink.Name(),
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(
				conn,
				s.config.Sink,
				s.config.Hostname,
				s.config.Metrics,
			)
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
