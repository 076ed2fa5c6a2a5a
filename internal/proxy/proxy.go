// Package proxy implements the forwarding data plane: a TCP acceptor and a
// per-connection handler that classifies plain-HTTP and CONNECT requests,
// gates them through the policy engine, and relays the traffic.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/proxymon/proxymon/internal/pmnet"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/telemetry"
)

// DefaultListenPort is the standard data-plane port.  The configuration
// layer applies it when no port is set explicitly.
const DefaultListenPort uint16 = 8088

// Evaluator decides the fate of one connection.
type Evaluator interface {
	Evaluate(ctx context.Context, req *rules.Request) (v rules.Verdict)
}

// Resolver maps the destination hostname to an address for the policy gate.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addr netip.Addr, err error)
}

// Sink consumes finished connection records.  Submission must not block.
type Sink interface {
	Submit(ctx context.Context, rec *telemetry.Record)
}

// Metrics counts the events of the data plane.
type Metrics interface {
	// IncAccepted counts an accepted client connection.
	IncAccepted(ctx context.Context)

	// IncActive and DecActive track the connections currently being handled.
	IncActive(ctx context.Context)
	DecActive(ctx context.Context)

	// ObserveEpisode records a finished or established connection episode.
	ObserveEpisode(ctx context.Context, method string, blocked bool, elapsed time.Duration)

	// AddRelayedBytes counts upstream bytes relayed to clients.
	AddRelayedBytes(ctx context.Context, n int64)
}

// EmptyMetrics is a [Metrics] implementation that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncAccepted implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncAccepted(_ context.Context) {}

// IncActive implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncActive(_ context.Context) {}

// DecActive implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) DecActive(_ context.Context) {}

// ObserveEpisode implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveEpisode(_ context.Context, _ string, _ bool, _ time.Duration) {}

// AddRelayedBytes implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) AddRelayedBytes(_ context.Context, _ int64) {}

// Config is the configuration for the proxy.
type Config struct {
	// Logger is used for logging the operation of the proxy.  It must not be
	// nil.
	Logger *slog.Logger

	// Engine evaluates connections against the policy.  It must not be nil.
	Engine Evaluator

	// Resolver resolves destination hostnames.  It must not be nil.
	Resolver Resolver

	// Sink receives connection records.  It must not be nil.
	Sink Sink

	// Metrics counts data plane events.  It must not be nil.
	Metrics Metrics

	// ListenPort is the port of the data-plane listener.  Zero binds an
	// ephemeral port.
	ListenPort uint16
}

// Proxy is the forwarding proxy service.
type Proxy struct {
	logger   *slog.Logger
	engine   Evaluator
	resolver Resolver
	sink     Sink
	metrics  Metrics

	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool

	port uint16
}

// New returns a properly initialized *Proxy.  conf must not be nil.
func New(conf *Config) (p *Proxy) {
	return &Proxy{
		logger:   conf.Logger,
		engine:   conf.Engine,
		resolver: conf.Resolver,
		sink:     conf.Sink,
		metrics:  conf.Metrics,
		port:     conf.ListenPort,
	}
}

// type check
var _ service.Interface = (*Proxy)(nil)

// Start implements the [service.Interface] interface for *Proxy.  It binds
// the listener and spawns the accept loop.
func (p *Proxy) Start(ctx context.Context) (err error) {
	p.listener, err = pmnet.Listen(ctx, p.port)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	p.logger.InfoContext(ctx, "listening", "addr", p.listener.Addr())

	go p.serve()

	return nil
}

// Shutdown implements the [service.Interface] interface for *Proxy.  It
// closes the listener and waits for the handlers until ctx is done.
// Handlers with live tunnels are left to drain on their own.
func (p *Proxy) Shutdown(ctx context.Context) (err error) {
	p.closed.Store(true)
	err = p.listener.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All handlers finished.
	case <-ctx.Done():
		p.logger.InfoContext(ctx, "handlers still draining at shutdown")
	}

	return err
}

// LocalAddr returns the bound address of the listener.  It is valid between
// Start and Shutdown.
func (p *Proxy) LocalAddr() (addr net.Addr) {
	return p.listener.Addr()
}

// serve accepts connections until the listener closes, dispatching each to
// its own handler goroutine.
func (p *Proxy) serve() {
	ctx := context.Background()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.closed.Load() {
				return
			}

			p.logger.WarnContext(ctx, "accepting", slogutil.KeyError, err)

			continue
		}

		p.metrics.IncAccepted(ctx)

		p.wg.Add(1)
		go p.handle(ctx, conn)
	}
}

// handle runs one connection episode and recovers any panic so that a single
// connection cannot take the proxy down.
func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer p.wg.Done()
	defer slogutil.RecoverAndLog(ctx, p.logger)

	p.metrics.IncActive(ctx)
	defer p.metrics.DecActive(ctx)

	e := &episode{
		proxy:  p,
		client: conn,
		start:  time.Now(),
		src:    pmnet.PeerAddrPort(conn),
		buf:    make([]byte, bufferSize),
	}

	e.run(ctx)
}
