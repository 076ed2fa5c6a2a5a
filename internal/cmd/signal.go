package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/google/renameio/v2/maybe"
)

// signalHandler processes incoming signals and shuts services down.
type signalHandler struct {
	// logger is used for logging the operation of the signal handler.
	logger *slog.Logger

	// refresher is told to rebuild the policy snapshot on SIGHUP.
	refresher service.Refresher

	// signals is the channel to which OS signals are sent.
	signals chan os.Signal

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string

	// services are the services that are shut down before exiting, in the
	// reverse of their startup order.
	services []service.Interface
}

// newSignalHandler returns a new signalHandler that refreshes refresher on
// SIGHUP and shuts down svcs otherwise.  svcs must be given in their startup
// order.
func newSignalHandler(
	logger *slog.Logger,
	refresher service.Refresher,
	pidFile string,
	svcs ...service.Interface,
) (h *signalHandler) {
	h = &signalHandler{
		logger:    logger,
		refresher: refresher,
		signals:   make(chan os.Signal, 1),
		pidFile:   pidFile,
		services:  svcs,
	}

	signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	return h
}

// handle processes OS signals.  It blocks until a shutdown signal arrives,
// after which it exits the process.
func (h *signalHandler) handle(ctx context.Context) {
	defer slogutil.RecoverAndExit(ctx, h.logger, osutil.ExitCodeFailure)

	h.writePID(ctx)

	for sig := range h.signals {
		h.logger.InfoContext(ctx, "received signal", "signal", sig)

		switch sig {
		case syscall.SIGHUP:
			h.refresh(ctx)
		default:
			status := h.shutdown(ctx)
			h.removePID(ctx)

			h.logger.InfoContext(ctx, "exiting", "status", status)

			os.Exit(status)
		}
	}
}

// refresh rebuilds the policy snapshot with a bounded context.
func (h *signalHandler) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err := h.refresher.Refresh(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "refreshing policy", slogutil.KeyError, err)
	}
}

// shutdown gracefully shuts down all services in the reverse of their
// startup order.
func (h *signalHandler) shutdown(ctx context.Context) (status int) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	status = osutil.ExitCodeSuccess

	h.logger.InfoContext(ctx, "shutting down services")
	for i := len(h.services) - 1; i >= 0; i-- {
		err := h.services[i].Shutdown(ctx)
		if err != nil {
			h.logger.ErrorContext(
				ctx,
				"shutting down service",
				"index", i,
				slogutil.KeyError, err,
			)
			status = osutil.ExitCodeFailure
		}
	}

	return status
}

// writePID writes the PID to the file, if needed.  Any errors are reported
// to log.
func (h *signalHandler) writePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	pid := os.Getpid()
	data := strconv.AppendInt(nil, int64(pid), 10)
	data = append(data, '\n')

	err := maybe.WriteFile(h.pidFile, data, 0o644)
	if err != nil {
		h.logger.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "wrote pid", "file", h.pidFile, "pid", pid)
}

// removePID removes the PID file, if any.  Any errors are reported to log.
func (h *signalHandler) removePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	err := os.Remove(h.pidFile)
	if err != nil {
		h.logger.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "removed pidfile", "file", h.pidFile)
}
