package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"revbroker/internal/constants"
)

// Closer is shut down after the HTTP server has stopped accepting requests.
// Hijacked upgrade connections are not tracked by http.Server, so the broker
// closes them itself.
type Closer interface {
	Close() error
}

// Server is the public listener. With a TLS config it serves HTTP/1.1 over
// TLS, otherwise cleartext HTTP/1.1 and h2c.
type Server struct {
	httpServer *http.Server
	tlsConfig  *tls.Config
	ln         net.Listener
	closers    []Closer
	extra      []*http.Server
}

func New(addr string, handler http.Handler, tlsConfig *tls.Config) *Server {
	var h http.Handler = handler
	h = RecoveryMiddleware(h)
	h = SecurityHeaders(h)
	if tlsConfig == nil {
		h = h2c.NewHandler(h, &http2.Server{})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConfig,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if tlsConfig != nil {
		// a non-nil empty map keeps net/http from offering h2 over TLS
		srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	}
	return &Server{tlsConfig: tlsConfig, httpServer: srv}
}

// OnShutdown registers c to be closed during Shutdown, in registration order.
func (s *Server) OnShutdown(c Closer) {
	s.closers = append(s.closers, c)
}

// Attach runs srv next to the public listener and shuts it down with it.
func (s *Server) Attach(srv *http.Server) {
	s.extra = append(s.extra, srv)
}

// Listen binds the public address. Serve binds lazily when Listen was not
// called; calling it first lets callers learn the bound address.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return s.httpServer.Addr
	}
	return s.ln.Addr().String()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1+len(s.extra))
	go func() {
		mode := "http (h2c)"
		if s.tlsConfig != nil {
			mode = "https"
		}
		log.Info().Str("addr", s.Addr()).Str("mode", mode).Msg("public listener started")
		if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()
	for _, srv := range s.extra {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("metrics listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("listener failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("public listener shutdown: %w", err))
	}
	for _, srv := range s.extra {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		log.Info().Msg("server stopped")
	}
	return errors.Join(errs...)
}
