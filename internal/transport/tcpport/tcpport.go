package tcpport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eachlabs/streamport/internal/port"
)

const (
	writeWait    = 10 * time.Second
	helloTimeout = 10 * time.Second
)

// Channel is a port.Channel backed by one TCP connection.
type Channel struct {
	id   string
	name string
	conn net.Conn
	dec  *Decoder
	log  logrus.FieldLogger

	msgs chan []byte
	gone chan struct{}

	writeMu   sync.Mutex
	enc       *Encoder
	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel(conn net.Conn, name string, dec *Decoder, log logrus.FieldLogger) *Channel {
	c := &Channel{
		id:     uuid.New().String(),
		name:   name,
		conn:   conn,
		dec:    dec,
		log:    log,
		msgs:   make(chan []byte),
		gone:   make(chan struct{}),
		enc:    NewEncoder(conn),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) ID() string                    { return c.id }
func (c *Channel) Name() string                  { return c.name }
func (c *Channel) Messages() <-chan []byte       { return c.msgs }
func (c *Channel) Disconnected() <-chan struct{} { return c.gone }

// Send writes resp as one line.
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
	return c.enc.Encode(resp)
}

// Close closes the connection. Only the first call has an effect.
func (c *Channel) Close() error {
	err := port.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.gone)

	for {
		line, err := c.dec.Next()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Debug("tcp channel read ended")
			}
			return
		}
		select {
		case c.msgs <- line:
		case <-c.closed:
			return
		}
	}
}

// Server accepts TCP connections and dispatches one channel per connection.
type Server struct {
	dispatcher port.Dispatcher
	log        logrus.FieldLogger
	maxLine    int
	allow      func(remote string) bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxLine caps the size of one inbound line.
func WithMaxLine(n int) Option {
	return func(s *Server) {
		s.maxLine = n
	}
}

// WithAllow installs a per-connection admission check keyed by remote host.
func WithAllow(fn func(remote string) bool) Option {
	return func(s *Server) {
		s.allow = fn
	}
}

// NewServer creates a TCP port server.
func NewServer(d port.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		log:        logrus.StandardLogger(),
		maxLine:    defaultMaxLine,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is done, then closes ln and waits
// for every open channel to finish. Channels are dispatched with ctx, so
// cancelling it shuts their handlers down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection reads the hello line and serves the named port.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.log.WithField("remote", remote)

	if s.allow != nil && !s.allow(hostOf(remote)) {
		log.Warn("connection rejected by rate limiter")
		conn.Close()
		return
	}

	dec := NewDecoder(conn, s.maxLine)

	// First message determines the port
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	name, err := ReadHello(dec)
	if err != nil {
		log.WithError(err).Debug("bad hello")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	log = log.WithField("port", name)
	ch := newChannel(conn, name, dec, log)
	log.WithField("channel_id", ch.ID()).Debug("tcp channel opened")

	s.dispatcher.Dispatch(ctx, ch)
	_ = ch.Close()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
