// Package wsport carries stream port channels over websocket connections.
// Each connection to /ports/{name} is one channel named {name}.
package wsport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/eachlabs/streamport/internal/port"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultReadLimit = 1 << 20
)

// Channel is a port.Channel backed by one websocket connection.
type Channel struct {
	id   string
	name string
	conn *websocket.Conn
	log  logrus.FieldLogger

	msgs chan []byte
	gone chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel wraps an established connection and starts its reader and
// keepalive goroutines.
func NewChannel(conn *websocket.Conn, name string, log logrus.FieldLogger) *Channel {
	c := &Channel{
		id:     uuid.New().String(),
		name:   name,
		conn:   conn,
		log:    log,
		msgs:   make(chan []byte),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *Channel) ID() string                    { return c.id }
func (c *Channel) Name() string                  { return c.name }
func (c *Channel) Messages() <-chan []byte       { return c.msgs }
func (c *Channel) Disconnected() <-chan struct{} { return c.gone }

// Send writes resp as one text frame.
func (c *Channel) Send(resp *port.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return port.ErrClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(resp)
}

// Close sends a normal closure frame and closes the connection. Only the
// first call has an effect.
func (c *Channel) Close() error {
	err := port.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// readLoop pumps inbound text frames to Messages until the peer goes away or
// the channel is closed.
func (c *Channel) readLoop() {
	defer close(c.gone)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.log.WithError(err).Debug("websocket read failed")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case c.msgs <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closed:
			return
		case <-c.gone:
			return
		}
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Handler upgrades requests and dispatches the resulting channels.
type Handler struct {
	dispatcher port.Dispatcher
	upgrader   websocket.Upgrader
	readLimit  int64
	log        logrus.FieldLogger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithReadLimit caps the size of one inbound message.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithCheckOrigin replaces the same-origin check run during the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// NewHandler creates a websocket handler. It must be mounted on a pattern
// with a {name} wildcard, e.g. "GET /ports/{name}".
func NewHandler(d port.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		dispatcher: d,
		readLimit:  defaultReadLimit,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP blocks until the channel it opened has been served.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "port name is required", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.readLimit)

	log := h.log.WithFields(logrus.Fields{
		"remote": r.RemoteAddr,
		"port":   name,
	})
	ch := NewChannel(conn, name, log)
	log.WithField("channel_id", ch.ID()).Debug("websocket channel opened")

	h.dispatcher.Dispatch(r.Context(), ch)
	if err := ch.Close(); err != nil && !errors.Is(err, port.ErrClosed) {
		log.WithError(err).Debug("websocket close failed")
	}
}
