// Package websvc contains the management HTTP API of the proxy: policy CRUD,
// traffic history and analytics, resolver cache inspection, and the live
// dashboard websocket.
//
// NOTE: Packages other than cmd must not import this package, as it imports
// most other packages.
package websvc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil/httputil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/proxymon/proxymon/internal/rdns"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/storage"
)

// DefaultBindPort is the standard port of the management API.  The
// configuration layer combines it with the loopback address when no address
// is set explicitly.
const DefaultBindPort uint16 = 8089

// DefaultTimeout bounds the reads and writes of the API server.
const DefaultTimeout = 1 * time.Minute

// Checker evaluates dry-run policy checks and reports the compiled entity
// counts.
type Checker interface {
	Evaluate(ctx context.Context, req *rules.Request) (v rules.Verdict)
	Counts() (c rules.Counts)
}

// Reloader rebuilds the policy snapshot from the store.
type Reloader interface {
	Reload(ctx context.Context) (err error)
}

// DNSCache serves reverse lookups and reports its own contents.
type DNSCache interface {
	LookupPTR(ctx context.Context, ip netip.Addr) (host string, err error)
	Contents() (c *rdns.Contents)
}

// Queue reports the depth of the telemetry queue.
type Queue interface {
	Len() (n int)
}

// Config is the configuration for the web service.
type Config struct {
	// Logger is used for logging the operation of the service.  It must not
	// be nil.
	Logger *slog.Logger

	// Store is the persistent store behind the API.  It must not be nil.
	Store *storage.Store

	// Engine answers dry-run checks and entity counts.  It must not be nil.
	Engine Checker

	// Reloader rebuilds the policy snapshot after mutations.  It must not be
	// nil.
	Reloader Reloader

	// DNSCache serves the resolve and dns-cache routes.  It must not be nil.
	DNSCache DNSCache

	// Hub handles the websocket route.  It must not be nil.
	Hub http.Handler

	// Queue reports the telemetry queue depth for the status route.  It must
	// not be nil.
	Queue Queue

	// ProxyAddr is the bound address of the data plane, reported by the
	// status route.
	ProxyAddr string

	// Start is the process start time, the base of the reported uptime.
	Start time.Time

	// BindAddr is the address of the API listener.  It must be valid; a zero
	// port binds an ephemeral one.
	BindAddr netip.AddrPort

	// Timeout bounds reads and writes.  Zero means [DefaultTimeout].
	Timeout time.Duration
}

// Service is the management web service.
type Service struct {
	logger   *slog.Logger
	store    *storage.Store
	engine   Checker
	reloader Reloader
	dnsCache DNSCache
	hub      http.Handler
	queue    Queue
	logMw    *httputil.LogMiddleware

	srv      *http.Server
	listener net.Listener

	proxyAddr string
	start     time.Time
	bindAddr  netip.AddrPort
}

// New returns a properly initialized *Service.  conf must not be nil.
func New(conf *Config) (svc *Service) {
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	svc = &Service{
		logger:    conf.Logger,
		store:     conf.Store,
		engine:    conf.Engine,
		reloader:  conf.Reloader,
		dnsCache:  conf.DNSCache,
		hub:       conf.Hub,
		queue:     conf.Queue,
		logMw:     httputil.NewLogMiddleware(conf.Logger, slog.LevelDebug),
		proxyAddr: conf.ProxyAddr,
		start:     conf.Start,
		bindAddr:  conf.BindAddr,
	}

	mux := http.NewServeMux()
	svc.route(mux)

	svc.srv = &http.Server{
		Handler:           mux,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
		ErrorLog:          slog.NewLogLogger(conf.Logger.Handler(), slog.LevelError),
	}

	return svc
}

// type check
var _ service.Interface = (*Service)(nil)

// Start implements the [service.Interface] interface for *Service.  It binds
// the listener and spawns the serving goroutine.
func (svc *Service) Start(ctx context.Context) (err error) {
	svc.listener, err = net.Listen("tcp", svc.bindAddr.String())
	if err != nil {
		return fmt.Errorf("websvc: %w", err)
	}

	svc.logger.InfoContext(ctx, "listening", "addr", svc.listener.Addr())

	go svc.serve(ctx)

	return nil
}

// serve runs the server until it is shut down.
func (svc *Service) serve(ctx context.Context) {
	err := svc.srv.Serve(svc.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		svc.logger.ErrorContext(ctx, "serving", slogutil.KeyError, err)
	}
}

// Shutdown implements the [service.Interface] interface for *Service.
// Hijacked websocket connections are not waited for: the hub closes them in
// its own shutdown.
func (svc *Service) Shutdown(ctx context.Context) (err error) {
	err = svc.srv.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}

	return nil
}

// LocalAddr returns the bound address of the listener.  It is valid between
// Start and Shutdown.
func (svc *Service) LocalAddr() (addr net.Addr) {
	return svc.listener.Addr()
}

// reloadPolicy rebuilds the engine snapshot after a policy mutation.  The
// store mutation has already been committed, so a rebuild failure is logged,
// not returned: the previous snapshot stays active until the next rebuild.
func (svc *Service) reloadPolicy(ctx context.Context) {
	err := svc.reloader.Reload(ctx)
	if err != nil {
		svc.logger.ErrorContext(ctx, "reloading policy", slogutil.KeyError, err)
	}
}
