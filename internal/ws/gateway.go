package ws

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlease/internal/auth"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer is how many events may wait for one connection before it
	// is dropped as too slow.
	sendBuffer = 64
)

// PathPrefix is where the hub's handler is mounted.
const PathPrefix = "/ws/users/"

// subscriber is one open connection. Events queue on out and a per
// connection writer drains them, so Broadcast never waits on the network.
type subscriber struct {
	conn    *websocket.Conn
	out     chan any
	dropped chan struct{}
	once    sync.Once
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{conn: conn, out: make(chan any, sendBuffer), dropped: make(chan struct{})}
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.dropped) })
}

type connSet = map[*subscriber]struct{}

// Hub fans reservation events out to each user's open WebSocket
// connections. Per-user sets are replaced, never mutated, so Broadcast can
// iterate one without holding a lock.
type Hub struct {
	conns *xsync.MapOf[string, connSet]
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{conns: xsync.NewMapOf[string, connSet](), log: log}
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := strings.Trim(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
		if user == "" || strings.Contains(user, "/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		info, _ := auth.FromContext(r.Context())
		if info.UserID != "" && info.UserID != user {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := newSubscriber(conn)
		h.add(user, sub)
		defer h.remove(user, sub)
		go h.writeLoop(ctx, user, sub)

		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

// writeLoop delivers sub's queued events in order until the handler exits,
// a write fails or Broadcast drops the subscriber. Closing the connection
// ends the handler's read loop, which unregisters sub.
func (h *Hub) writeLoop(ctx context.Context, user string, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.dropped:
			sub.conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return
		case event := <-sub.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, sub.conn, event)
			cancel()
			if err != nil {
				h.log.Debug("dropping subscriber", "user", user, "err", err)
				sub.conn.Close(websocket.StatusGoingAway, "write error")
				return
			}
		}
	}
}

// Broadcast queues event for every connection userID has open. It does not
// block: a connection whose queue is full is dropped.
func (h *Hub) Broadcast(userID string, event any) {
	conns, ok := h.conns.Load(userID)
	if !ok {
		return
	}
	for sub := range conns {
		select {
		case sub.out <- event:
		default:
			h.log.Warn("dropping slow subscriber", "user", userID, "queued", len(sub.out))
			h.remove(userID, sub)
			sub.drop()
		}
	}
}

// Subscribers reports how many connections userID has open.
func (h *Hub) Subscribers(userID string) int {
	conns, _ := h.conns.Load(userID)
	return len(conns)
}

func (h *Hub) add(user string, sub *subscriber) {
	h.conns.Compute(user, func(old connSet, loaded bool) (connSet, bool) {
		next := make(connSet, len(old)+1)
		maps.Copy(next, old)
		next[sub] = struct{}{}
		return next, false
	})
}

func (h *Hub) remove(user string, sub *subscriber) {
	h.conns.Compute(user, func(old connSet, loaded bool) (connSet, bool) {
		if _, ok := old[sub]; !ok {
			return old, !loaded
		}
		next := maps.Clone(old)
		delete(next, sub)
		return next, len(next) == 0
	})
}
