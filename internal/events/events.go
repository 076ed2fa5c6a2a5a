// Package events contains the hub that fans live dashboard events out to
// websocket subscribers.  Publishing never blocks: a subscriber that cannot
// keep up loses events, not the hub.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/gorilla/websocket"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/proxymon/proxymon/internal/telemetry"
)

// GroupDashboard is the subscriber group of the dashboard UI.  Connection
// records and stats snapshots are published to it.
const GroupDashboard = "dashboard"

// sendBufLen is the per-subscriber outgoing event buffer.  Events beyond it
// are dropped so that one slow client cannot stall the hub.
const sendBufLen = 32

// DefaultStatsPeriod is how often the hub pushes a fresh stats snapshot to
// the dashboard group.
const DefaultStatsPeriod = 10 * time.Second

// StatsSource produces the counter snapshot of the periodic stats_update
// event.
type StatsSource interface {
	Overview(ctx context.Context) (o *storage.Overview, err error)
}

// statsEvent is the periodic dashboard counter push.
type statsEvent struct {
	Stats *storage.Overview `json:"stats"`
	Type  string            `json:"type"`
}

// Config is the configuration for the event hub.
type Config struct {
	// Logger is used for logging the operation of the hub.  It must not be
	// nil.
	Logger *slog.Logger

	// Stats produces the periodic counter snapshots.  It must not be nil.
	Stats StatsSource

	// StatsPeriod is the interval between stats snapshots.  Zero means
	// [DefaultStatsPeriod].
	StatsPeriod time.Duration
}

// Hub is the live event fan-out point.  It implements
// [telemetry.Broadcaster] for the record pipeline and [http.Handler] for the
// websocket endpoint.
type Hub struct {
	logger   *slog.Logger
	stats    StatsSource
	upgrader *websocket.Upgrader

	mu   *sync.Mutex
	subs map[SubscriberID]*subscriber

	done chan struct{}
	wg   sync.WaitGroup

	statsPeriod time.Duration
}

// New returns a properly initialized *Hub.  conf must not be nil.
func New(conf *Config) (h *Hub) {
	period := conf.StatsPeriod
	if period == 0 {
		period = DefaultStatsPeriod
	}

	return &Hub{
		logger: conf.Logger,
		stats:  conf.Stats,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard may be served from another origin than the API.
			CheckOrigin: func(_ *http.Request) (ok bool) { return true },
		},
		mu:          &sync.Mutex{},
		subs:        map[SubscriberID]*subscriber{},
		done:        make(chan struct{}),
		statsPeriod: period,
	}
}

// type check
var _ service.Interface = (*Hub)(nil)

// Start implements the [service.Interface] interface for *Hub.
func (h *Hub) Start(_ context.Context) (err error) {
	h.wg.Add(1)
	go h.refreshLoop()

	return nil
}

// Shutdown implements the [service.Interface] interface for *Hub.  It
// disconnects every subscriber and waits for their write pumps until ctx is
// done.
func (h *Hub) Shutdown(ctx context.Context) (err error) {
	close(h.done)

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close()
	}

	stopped := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// type check
var _ telemetry.Broadcaster = (*Hub)(nil)

// Broadcast implements the [telemetry.Broadcaster] interface for *Hub.  The
// event is encoded once and offered to every subscriber of group; full
// subscriber buffers are skipped.
func (h *Hub) Broadcast(ctx context.Context, group string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.ErrorContext(ctx, "encoding event", slogutil.KeyError, err)

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if !sub.groups.Has(group) {
			continue
		}

		select {
		case sub.send <- data:
		default:
			h.logger.DebugContext(ctx, "subscriber buffer full", "id", sub.id)
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() (n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// add registers sub with the hub.
func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[sub.id] = sub
}

// remove unregisters sub and closes its event channel, stopping the write
// pump.  It is safe to call for an already removed subscriber.
func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}

	delete(h.subs, sub.id)
	close(sub.send)
}

// refreshLoop pushes stats snapshots until shutdown.
func (h *Hub) refreshLoop() {
	defer h.wg.Done()

	ctx := context.Background()
	defer slogutil.RecoverAndLog(ctx, h.logger)

	tick := time.NewTicker(h.statsPeriod)
	defer tick.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-tick.C:
			h.pushStats(ctx)
		}
	}
}

// pushStats publishes a fresh counter snapshot when anyone is listening.
func (h *Hub) pushStats(ctx context.Context) {
	if h.Len() == 0 {
		return
	}

	o, err := h.stats.Overview(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "building stats snapshot", slogutil.KeyError, err)

		return
	}

	h.Broadcast(ctx, GroupDashboard, &statsEvent{
		Stats: o,
		Type:  "stats_update",
	})
}
