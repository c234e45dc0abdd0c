package observability

import (
	"context"
	"errors"
	"net/http"
)

// Server wraps the observability HTTP surface's lifecycle.
type Server struct {
	httpSrv *http.Server
}

// NewServer builds a Server bound to addr, serving r.
func NewServer(addr string, r http.Handler) *Server {
	return &Server{httpSrv: &http.Server{Addr: addr, Handler: r}}
}

// Start runs the server until it is shut down, returning nil on a clean
// shutdown rather than the sentinel http.ErrServerClosed.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
