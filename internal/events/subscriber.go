package events

import (
	"fmt"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Websocket pump timing.
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the ping interval.  It must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// maxMessageSize bounds incoming client messages.  Subscribers are
// listen-only, so anything beyond control frames is noise.
const maxMessageSize = 512

// SubscriberID is the unique ID of a hub subscriber.
type SubscriberID uuid.UUID

// NewSubscriberID returns a new unique subscriber ID.  Any error returned is
// an error from the cryptographic randomness reader.
func NewSubscriberID() (id SubscriberID, err error) {
	uuidv7, err := uuid.NewV7()

	return SubscriberID(uuidv7), err
}

// type check
var _ fmt.Stringer = SubscriberID{}

// String implements the [fmt.Stringer] interface for SubscriberID.
func (id SubscriberID) String() (s string) {
	return uuid.UUID(id).String()
}

// subscriber is one connected websocket client.
type subscriber struct {
	conn   *websocket.Conn
	groups *container.MapSet[string]
	send   chan []byte
	id     SubscriberID
}

// type check
var _ http.Handler = (*Hub)(nil)

// ServeHTTP implements the [http.Handler] interface for *Hub.  It upgrades
// the request, joins the subscriber to the dashboard group, and serves it
// until either side disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)

		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.DebugContext(ctx, "upgrading", slogutil.KeyError, err)

		return
	}

	id, err := NewSubscriberID()
	if err != nil {
		h.logger.ErrorContext(ctx, "assigning subscriber id", slogutil.KeyError, err)
		_ = conn.Close()

		return
	}

	sub := &subscriber{
		conn:   conn,
		groups: container.NewMapSet(GroupDashboard),
		send:   make(chan []byte, sendBufLen),
		id:     id,
	}

	h.add(sub)
	defer h.remove(sub)

	h.logger.DebugContext(ctx, "subscriber connected", "id", sub.id)
	defer h.logger.DebugContext(ctx, "subscriber disconnected", "id", sub.id)

	h.wg.Add(1)
	go h.writePump(sub)

	h.readPump(sub)
}

// readPump consumes and discards client messages until the connection fails,
// keeping the pong handler running.
func (h *Hub) readPump(sub *subscriber) {
	sub.conn.SetReadLimit(maxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(_ string) (err error) {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued events and periodic pings to the subscriber until
// its event channel is closed or a write fails.
func (h *Hub) writePump(sub *subscriber) {
	defer h.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
