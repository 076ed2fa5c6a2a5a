package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultServerPort is the standard scrape port.  The configuration layer
// applies it when the server is enabled without an explicit port.
const DefaultServerPort uint16 = 9090

// srvTimeout bounds reads and writes of the scrape server.
const srvTimeout = 1 * time.Minute

// ServerConfig is the configuration for the scrape server.
type ServerConfig struct {
	// Logger is used for logging the operation of the server.  It must not
	// be nil.
	Logger *slog.Logger

	// Gatherer is the registry to expose.  It must not be nil.
	Gatherer prometheus.Gatherer

	// BindHost is the IP address to bind.  It must not be empty.
	BindHost string

	// BindPort is the port of the server.  Zero binds an ephemeral port.
	BindPort uint16
}

// Server exposes the collected metrics over HTTP on its own listener, kept
// separate from the API so that scrapes survive API reconfiguration.
type Server struct {
	logger   *slog.Logger
	srv      *http.Server
	listener net.Listener
}

// NewServer returns a properly initialized *Server.  conf must not be nil.
func NewServer(conf *ServerConfig) (s *Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{}))

	return &Server{
		logger: conf.Logger,
		srv: &http.Server{
			Addr:              netutil.JoinHostPort(conf.BindHost, conf.BindPort),
			Handler:           mux,
			ReadTimeout:       srvTimeout,
			WriteTimeout:      srvTimeout,
			IdleTimeout:       srvTimeout,
			ReadHeaderTimeout: srvTimeout,
		},
	}
}

// type check
var _ service.Interface = (*Server)(nil)

// Start implements the [service.Interface] interface for *Server.  It binds
// the listener and spawns the serving goroutine.
func (s *Server) Start(ctx context.Context) (err error) {
	s.listener, err = net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	s.logger.InfoContext(ctx, "listening", "addr", s.listener.Addr())

	go s.serve(ctx)

	return nil
}

// serve runs the server until it is shut down.
func (s *Server) serve(ctx context.Context) {
	err := s.srv.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.ErrorContext(ctx, "serving", slogutil.KeyError, err)
	}
}

// Shutdown implements the [service.Interface] interface for *Server.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	err = s.srv.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	return nil
}

// LocalAddr returns the bound address of the listener.  It is valid between
// Start and Shutdown.
func (s *Server) LocalAddr() (addr net.Addr) {
	return s.listener.Addr()
}
