package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/fsnotify/fsnotify"
)

// blocklistWatcher refreshes the policy when the supplemental blocklist file
// is written to.
type blocklistWatcher struct {
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	refresher service.Refresher

	// fileName is the absolute path of the watched file.
	fileName string
}

// watcherPref is a prefix for wrapping errors in blocklistWatcher's methods.
const watcherPref = "blocklist watcher"

// newBlocklistWatcher creates a watcher tracking writes to the file at path.
// The file must exist.  l and refresher must not be nil.
func newBlocklistWatcher(
	l *slog.Logger,
	refresher service.Refresher,
	path string,
) (w *blocklistWatcher, err error) {
	defer func() { err = errors.Annotate(err, "%s: %w", watcherPref) }()

	fileName, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", path, err)
	}

	_, err = os.Stat(fileName)
	if err != nil {
		return nil, fmt.Errorf("checking file %q: %w", fileName, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	// Watch the directory and filter the events by the file name, since the
	// common recommendation to the fsnotify package is to watch the directory
	// instead of the file itself.
	//
	// See https://pkg.go.dev/github.com/fsnotify/fsnotify@v1.7.0#readme-watching-a-file-doesn-t-work-well.
	err = watcher.Add(filepath.Dir(fileName))
	if err != nil {
		return nil, errors.WithDeferred(fmt.Errorf("adding %q: %w", fileName, err), watcher.Close())
	}

	return &blocklistWatcher{
		logger:    l,
		watcher:   watcher,
		refresher: refresher,
		fileName:  fileName,
	}, nil
}

// type check
var _ service.Interface = (*blocklistWatcher)(nil)

// Start implements the [service.Interface] interface for *blocklistWatcher.
func (w *blocklistWatcher) Start(ctx context.Context) (err error) {
	go w.handleErrors(ctx)
	go w.handleEvents(ctx)

	return nil
}

// Shutdown implements the [service.Interface] interface for
// *blocklistWatcher.
func (w *blocklistWatcher) Shutdown(_ context.Context) (err error) {
	return w.watcher.Close()
}

// handleEvents refreshes the policy on write events to the watched file.  It
// is intended to be used as a goroutine.
func (w *blocklistWatcher) handleEvents(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, w.logger)

	ch := w.watcher.Events
	for e := range ch {
		if e.Op&fsnotify.Write == 0 || e.Name != w.fileName {
			continue
		}

		skipDuplicates(ch)

		w.logger.InfoContext(ctx, "blocklist file changed", "path", w.fileName)

		w.refresh(ctx)
	}
}

// refresh runs one policy refresh with a bounded context.
func (w *blocklistWatcher) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err := w.refresher.Refresh(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "refreshing policy", slogutil.KeyError, err)
	}
}

// skipDuplicates drains the given channel of events, assuming that some
// events might occur multiple times.
func skipDuplicates(ch <-chan fsnotify.Event) {
	for {
		select {
		case <-ch:
			// Go on.
		default:
			return
		}
	}
}

// handleErrors handles accompanying errors.  It is intended to be used as a
// goroutine.
func (w *blocklistWatcher) handleErrors(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, w.logger)

	for err := range w.watcher.Errors {
		w.logger.ErrorContext(ctx, "handling error", slogutil.KeyError, err)
	}
}
