package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/supermq/pkg/server"
)

// Config extends the shared server settings with request limits.
// ServerCAFile is unused; clients are verified against ClientCAFile.
type Config struct {
	server.Config

	MaxReceiveSize int64         `env:"MAX_RECEIVE_SIZE" envDefault:"104857600"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT"     envDefault:"60s"`
}

var _ server.Server = (*Server)(nil)

type Server struct {
	name   string
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// NewServer binds the listener immediately so that Addr is valid before
// Start, including for port 0.
func NewServer(name string, cfg Config, handler http.Handler, logger *slog.Logger) (*Server, error) {
	tlsCfg, err := ServerTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.ClientCAFile)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%s: %w", cfg.Host, cfg.Port, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	if cfg.MaxReceiveSize > 0 {
		handler = LimitBody(cfg.MaxReceiveSize, handler)
	}

	return &Server{
		name: name,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			TLSConfig:         tlsCfg,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info(fmt.Sprintf("%s service HTTP server listening at %s", s.name, s.Addr()),
		slog.Bool("tls", s.srv.TLSConfig != nil))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop shuts the server down once; later calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown()
	})

	return s.stopErr
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), server.StopWaitTime)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error(fmt.Sprintf("%s service HTTP server error occurred during shutdown at %s: %s", s.name, s.Addr(), err))

		return fmt.Errorf("%s service HTTP server error occurred during shutdown at %s: %w", s.name, s.Addr(), err)
	}
	s.logger.Info(fmt.Sprintf("%s HTTP service shutdown of %s", s.name, s.Addr()))

	return nil
}

// LimitBody bounds every request body to limit bytes.
func LimitBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
