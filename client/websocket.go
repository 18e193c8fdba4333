package client

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event types pushed over the WebSocket.
const (
	EventReservationSubmitted    = "reservation.submitted"
	EventReservationAccepted     = "reservation.accepted"
	EventReservationRejected     = "reservation.rejected"
	EventReservationAutoRejected = "reservation.auto_rejected"
	EventReservationCancelled    = "reservation.cancelled"
	EventReservationConverted    = "reservation.converted"
	EventReservationExpired      = "reservation.expired"
)

// Event is a reservation state change delivered to a subscribed user.
type Event struct {
	Type        string      `json:"type"`
	Reservation Reservation `json:"reservation"`
	CreatedAt   time.Time   `json:"created_at"`
}

// EventHandler is called for each event received via WebSocket
type EventHandler func(event Event)

// WSClient streams one user's reservation events.
type WSClient struct {
	baseURL   string
	apiKey    string
	userID    string
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	reconnect bool
}

// WSOption configures the WebSocket client
type WSOption func(*WSClient)

// WithWSAPIKey sets the API key for WebSocket authentication
func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

// WithAutoReconnect enables automatic reconnection on disconnect
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient subscribes to userID's events on the server at baseURL.
func NewWSClient(baseURL, userID string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		userID:    userID,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect establishes the WebSocket connection. Events are read until ctx
// ends or Close is called.
func (c *WSClient) Connect(ctx context.Context) error {
	return c.connect(ctx, ctx)
}

func (c *WSClient) connect(dialCtx, ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	opts := &websocket.DialOptions{HTTPHeader: map[string][]string{"X-User-ID": {c.userID}}}
	if c.apiKey != "" {
		opts.HTTPHeader["Authorization"] = []string{"Bearer " + c.apiKey}
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn)

	return nil
}

// Close closes the WebSocket connection
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.userID == "" {
		return "", fmt.Errorf("user id required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/users/" + url.PathEscape(c.userID)
	return u.String(), nil
}

// readLoop delivers events until the connection drops, then redials if
// auto-reconnect is on and the client has not been closed.
func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if c.reconnect && !c.closed() {
				c.redial(ctx)
			}
			return
		}
		c.dispatchEvent(event)
	}
}

func (c *WSClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WSClient) dispatchEvent(event Event) {
	c.mu.RLock()
	handlers := slices.Clone(c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// redial retries Connect from 1s, doubling up to 30s, until it succeeds, ctx
// ends or the client is closed. A successful Connect starts a fresh read loop.
func (c *WSClient) redial(ctx context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
	_ = retry.Do(dialCtx, backoff, func(dialCtx context.Context) error {
		if err := c.connect(dialCtx, ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// EventFilter selects events by type and resource.
type EventFilter struct {
	Types      []string
	ResourceID string
}

// FilteredEventHandler wraps an EventHandler with filtering logic
func FilteredEventHandler(filter EventFilter, handler EventHandler) EventHandler {
	return func(event Event) {
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, event.Type) {
			return
		}
		if filter.ResourceID != "" && event.Reservation.ResourceID != filter.ResourceID {
			return
		}
		handler(event)
	}
}
