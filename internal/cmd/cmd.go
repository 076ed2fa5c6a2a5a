// Package cmd is the Proxymon entry point.  It contains the on-disk
// configuration file utilities, signal processing logic, and the assembly of
// all the services.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxymon/proxymon/internal/events"
	"github.com/proxymon/proxymon/internal/metrics"
	"github.com/proxymon/proxymon/internal/pmnet"
	"github.com/proxymon/proxymon/internal/proxy"
	"github.com/proxymon/proxymon/internal/rdns"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/proxymon/proxymon/internal/telemetry"
	"github.com/proxymon/proxymon/internal/version"
	"github.com/proxymon/proxymon/internal/websvc"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Main is the entry point of Proxymon.
func Main() {
	start := time.Now()

	cmdName := os.Args[0]
	opts, err := parseOptions(cmdName, os.Args[1:])
	exitCode, needExit := processOptions(opts, cmdName, err)
	if needExit {
		os.Exit(exitCode)
	}

	logger := newLogger(opts, nil)
	ctx := context.Background()

	logger.InfoContext(
		ctx,
		"starting proxymon",
		"version", version.Version(),
		"pid", os.Getpid(),
	)

	conf, err := loadConfig(opts)
	check(err)

	if conf.Log.File != "" {
		logger = newLogger(opts, conf.Log)
		logger.InfoContext(ctx, "logging to file", "path", conf.Log.File)
	} else if conf.Log.Verbose && !opts.verbose {
		logger = newLogger(opts, conf.Log)
	}

	tuneOS(ctx, logger, conf)

	// The collectors must exist before the services they count, so the
	// registry is assembled first even though its server starts last.
	engineMtrc, teleMtrc, proxyMtrc, gatherer := newMetrics(conf)

	store, err := storage.New(&storage.Config{
		Logger:      logger.With(slogutil.KeyPrefix, "storage"),
		Path:        conf.Storage.Path,
		MaxRequests: conf.Storage.MaxRequests,
	})
	check(err)

	engine := rules.NewEngine(ctx, &rules.EngineConfig{
		Logger:  logger.With(slogutil.KeyPrefix, "rules"),
		Metrics: engineMtrc,
	})

	reloader := &policyReloader{
		logger:   logger.With(slogutil.KeyPrefix, "rules"),
		store:    store,
		engine:   engine,
		metrics:  engineMtrc,
		filePath: conf.BlocklistFile,
	}

	err = initialReload(reloader)
	check(err)

	resolver := pmnet.NewResolver(&pmnet.ResolverConfig{
		Logger:  logger.With(slogutil.KeyPrefix, "dns"),
		Servers: conf.DNS.UpstreamServers,
		Timeout: time.Duration(conf.DNS.UpstreamTimeout),
	})

	dnsCache := rdns.New(&rdns.Config{
		Logger:    logger.With(slogutil.KeyPrefix, "rdns"),
		Exchanger: resolver,
	})

	hub := events.New(&events.Config{
		Logger: logger.With(slogutil.KeyPrefix, "events"),
		Stats:  store,
	})

	tele := telemetry.New(&telemetry.Config{
		Logger:      logger.With(slogutil.KeyPrefix, "telemetry"),
		Storage:     store,
		Broadcaster: hub,
		Metrics:     teleMtrc,
	})

	prx := proxy.New(&proxy.Config{
		Logger:     logger.With(slogutil.KeyPrefix, "proxy"),
		Engine:     engine,
		Resolver:   dnsCache,
		Sink:       tele,
		Metrics:    proxyMtrc,
		ListenPort: conf.Proxy.Port,
	})

	services := []service.Interface{storeCloser{store: store}}

	err = hub.Start(ctx)
	check(err)
	services = append(services, hub)

	err = tele.Start(ctx)
	check(err)
	services = append(services, tele)

	err = prx.Start(ctx)
	check(err)
	services = append(services, prx)

	web := websvc.New(&websvc.Config{
		Logger:    logger.With(slogutil.KeyPrefix, "websvc"),
		Store:     store,
		Engine:    engine,
		Reloader:  reloader,
		DNSCache:  dnsCache,
		Hub:       hub,
		Queue:     tele,
		ProxyAddr: prx.LocalAddr().String(),
		Start:     start,
		BindAddr:  conf.API.Addr,
		Timeout:   time.Duration(conf.API.Timeout),
	})

	err = web.Start(ctx)
	check(err)
	services = append(services, web)

	if gatherer != nil {
		mtrcSrv := metrics.NewServer(&metrics.ServerConfig{
			Logger:   logger.With(slogutil.KeyPrefix, "metrics"),
			Gatherer: gatherer,
			BindHost: conf.Metrics.Addr.Addr().String(),
			BindPort: conf.Metrics.Addr.Port(),
		})

		err = mtrcSrv.Start(ctx)
		check(err)
		services = append(services, mtrcSrv)
	}

	if conf.BlocklistFile != "" {
		watcher, werr := newBlocklistWatcher(
			logger.With(slogutil.KeyPrefix, "watcher"),
			reloader,
			conf.BlocklistFile,
		)
		if werr != nil {
			// The entries of the file are already optional, so a file that
			// cannot be watched only costs live reloads.
			logger.WarnContext(ctx, "watching blocklist file", slogutil.KeyError, werr)
		} else {
			err = watcher.Start(ctx)
			check(err)
			services = append(services, watcher)
		}
	}

	sigHdlr := newSignalHandler(
		logger.With(slogutil.KeyPrefix, "sighdlr"),
		reloader,
		opts.pidFile,
		services...,
	)

	sigHdlr.handle(ctx)
}

// defaultTimeout is the timeout used for shutdown and other operations where
// another timeout hasn't been defined yet.
const defaultTimeout = 5 * time.Second

// ctxWithDefaultTimeout is a helper function that returns a context with
// timeout set to defaultTimeout.
func ctxWithDefaultTimeout() (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultTimeout)
}

// check is a simple error-checking helper.  It must only be used within Main.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

// newLogger returns the root logger of the program.  conf may be nil during
// early startup; the standard output is used then.
func newLogger(opts *options, conf *logConfig) (l *slog.Logger) {
	lvl := slog.LevelInfo
	if opts.verbose || (conf != nil && conf.Verbose) {
		lvl = slog.LevelDebug
	}

	slogConf := &slogutil.Config{
		Level:        lvl,
		Format:       slogutil.FormatDefault,
		AddTimestamp: true,
	}

	if conf != nil && conf.File != "" {
		slogConf.Output = &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSize,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAge,
			Compress:   conf.Compress,
		}
	}

	return slogutil.New(slogConf)
}

// newMetrics returns the per-service collectors and the gatherer of the
// scrape server.  When metrics are disabled, the collectors do nothing and
// the gatherer is nil.
func newMetrics(conf *config) (
	engineMtrc rules.Metrics,
	teleMtrc telemetry.Metrics,
	proxyMtrc proxy.Metrics,
	gatherer prometheus.Gatherer,
) {
	if !conf.Metrics.Enabled {
		return rules.EmptyMetrics{}, telemetry.EmptyMetrics{}, proxy.EmptyMetrics{}, nil
	}

	reg := prometheus.NewRegistry()

	return metrics.NewEngine(reg), metrics.NewTelemetry(reg), metrics.NewProxy(reg), reg
}

// initialReload compiles the first policy snapshot using defaultTimeout as
// the context timeout.
func initialReload(reloader *policyReloader) (err error) {
	ctx, cancel := ctxWithDefaultTimeout()
	defer cancel()

	return reloader.Reload(ctx)
}

// tuneOS applies the operating-system tuning of conf and warns about
// configurations the process lacks privileges for.
func tuneOS(ctx context.Context, logger *slog.Logger, conf *config) {
	if conf.OS.RlimitNoFile != 0 {
		err := setRlimit(conf.OS.RlimitNoFile)
		if errors.Is(err, errors.ErrUnsupported) {
			logger.WarnContext(ctx, "setting rlimit", slogutil.KeyError, err)
		} else {
			check(err)
			logger.InfoContext(ctx, "rlimit_nofile set", "value", conf.OS.RlimitNoFile)
		}
	}

	if conf.Proxy.Port < 1024 || conf.API.Addr.Port() < 1024 {
		if ok, err := canBindPrivilegedPorts(); !ok || err != nil {
			logger.WarnContext(
				ctx,
				"binding privileged ports may fail",
				"proxy_port", conf.Proxy.Port,
				"api_port", conf.API.Addr.Port(),
				slogutil.KeyError, err,
			)
		}
	}
}

// storeCloser adapts the store's closing to the service shutdown flow, so
// that the store closes after every service that writes to it.
type storeCloser struct {
	store *storage.Store
}

// type check
var _ service.Interface = storeCloser{}

// Start implements the [service.Interface] interface for storeCloser.
func (storeCloser) Start(_ context.Context) (err error) {
	return nil
}

// Shutdown implements the [service.Interface] interface for storeCloser.
func (c storeCloser) Shutdown(_ context.Context) (err error) {
	return c.store.Close()
}
