// Package server runs the HTTP front end and coordinates graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lodgedb/lodgedb/internal/config"
)

// Server wraps an http.Server with signal handling, in-flight request
// tracking and ordered resource cleanup.
type Server struct {
	httpServer *http.Server

	shutdownTimeout time.Duration
	drainTimeout    time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	inFlight     int64
	stopping     int32

	closers   []io.Closer
	closersMu sync.Mutex
}

// New builds a server from config, wrapping the handler so new requests
// are rejected once shutdown begins.
func New(cfg config.HTTPConfig, handler http.Handler) *Server {
	s := &Server{
		shutdownTimeout: 30 * time.Second,
		drainTimeout:    15 * time.Second,
		shutdownCh:      make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.trackRequests(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// RegisterCloser adds a resource to close during shutdown. Closers run in
// reverse order of registration, after the HTTP listener has drained.
func (s *Server) RegisterCloser(c io.Closer) {
	s.closersMu.Lock()
	defer s.closersMu.Unlock()
	s.closers = append(s.closers, c)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// Run serves until SIGTERM, SIGINT or ctx cancellation, then shuts down
// gracefully. It blocks until shutdown is complete.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		s.shutdown(context.Background(), "listener failed")
		return err
	case sig := <-sigCh:
		return s.shutdown(context.Background(), fmt.Sprintf("received %v", sig))
	case <-ctx.Done():
		return s.shutdown(context.Background(), "context cancelled")
	}
}

func (s *Server) shutdown(ctx context.Context, reason string) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		log.Printf("shutting down: %s", reason)
		atomic.StoreInt32(&s.stopping, 1)
		close(s.shutdownCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
		if err := s.drainInFlight(shutdownCtx); err != nil && shutdownErr == nil {
			shutdownErr = err
		}

		s.closersMu.Lock()
		closers := s.closers
		s.closersMu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("close: %w", err)
			}
		}
		log.Printf("shutdown complete")
	})

	return shutdownErr
}

func (s *Server) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&s.inFlight) == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			remaining := atomic.LoadInt64(&s.inFlight)
			if remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Server) trackRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.stopping) == 1 {
			w.Header().Set("Connection", "close")
			http.Error(w, "service shutting down", http.StatusServiceUnavailable)
			return
		}
		atomic.AddInt64(&s.inFlight, 1)
		defer atomic.AddInt64(&s.inFlight, -1)
		next.ServeHTTP(w, r)
	})
}

// InFlight reports the current number of in-flight requests.
func (s *Server) InFlight() int64 {
	return atomic.LoadInt64(&s.inFlight)
}
