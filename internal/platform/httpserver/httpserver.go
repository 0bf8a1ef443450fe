// Package httpserver runs the intake listener with lifecycle handling: it
// serves until the context is cancelled, then drains in-flight requests
// within the shutdown timeout.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// Server wraps the intake http.Server with context-driven shutdown.
type Server struct {
	srv             *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

type Option func(*Server)

// WithShutdownTimeout bounds how long Run waits for in-flight requests to
// drain after cancellation.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(addr string, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully. It returns
// nil on a clean drain; requests still in flight at the timeout are cut off
// and the shutdown error is returned.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("intake listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("intake listener: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("intake shutdown: %w", err)
	}
	s.logger.Info("intake drained")
	return <-errCh
}
