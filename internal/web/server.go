package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, start StartFunc, defaults Defaults) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, start, defaults),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", s.handlers.HandleRun)
	mux.HandleFunc("POST /stop", s.handlers.HandleStop)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then stops any
// running session and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.setContext(ctx)
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.handlers.waitIdle()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
