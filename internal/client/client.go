// Package client is the initiator side of a stream port: it opens a channel,
// sends the start message and collects the streamed responses.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/transport/tcpport"
)

// ErrNoTerminal is returned when the responder closes the channel without a
// done or error response, e.g. after a timeout or for an unknown port.
var ErrNoTerminal = errors.New("channel closed without a result")

// RemoteError carries the message of an error response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// conn is one side of a transport.
type conn interface {
	write(raw []byte) error
	// read returns io.EOF once the responder closed the channel.
	read() (*port.Response, error)
	close() error
}

// Client holds one open channel. A Client serves exactly one call.
type Client struct {
	name string
	conn conn

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a websocket channel to port name on the server at base, which
// may use the http, https, ws or wss scheme.
func Dial(ctx context.Context, base, name string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ports/" + url.PathEscape(name)

	c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", u, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &Client{name: name, conn: &wsConn{conn: c}}, nil
}

// DialTCP opens a line-delimited JSON channel to port name at addr.
func DialTCP(ctx context.Context, addr, name string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tc := &tcpConn{
		conn: c,
		enc:  tcpport.NewEncoder(c),
		dec:  tcpport.NewDecoder(c, 0),
	}
	if err := tc.enc.Encode(tcpport.Hello{Type: tcpport.TypeConnect, Name: name}); err != nil {
		c.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return &Client{name: name, conn: tc}, nil
}

// Name returns the port the client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Call sends the start message and blocks until a terminal response. Every
// chunk is passed to onChunk, which may be nil. Cancelling ctx closes the
// channel, which cancels the remote call.
func (c *Client) Call(ctx context.Context, payload any, onChunk func(text string)) (string, error) {
	defer c.Close()

	raw, err := port.NewStart(payload)
	if err != nil {
		return "", fmt.Errorf("encode start message: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.conn.write(raw); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("send start message: %w", err)
	}

	for {
		resp, err := c.conn.read()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return "", ErrNoTerminal
			}
			return "", fmt.Errorf("read response: %w", err)
		}

		switch resp.Type {
		case port.TypeChunk:
			if onChunk != nil {
				onChunk(resp.Data)
			}
		case port.TypeDone:
			return resp.Data, nil
		case port.TypeError:
			return "", &RemoteError{Message: resp.Error}
		}
	}
}

// Close closes the channel. Closing before a terminal response is a
// disconnect from the responder's point of view.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.close()
	})
	return c.closeErr
}

const writeWait = 10 * time.Second

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) write(raw []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, raw)
}

func (w *wsConn) read() (*port.Response, error) {
	var resp port.Response
	if err := w.conn.ReadJSON(&resp); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &resp, nil
}

func (w *wsConn) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return w.conn.Close()
}

type tcpConn struct {
	conn net.Conn
	enc  *tcpport.Encoder
	dec  *tcpport.Decoder
}

func (t *tcpConn) write(raw []byte) error {
	return t.enc.WriteLine(raw)
}

func (t *tcpConn) read() (*port.Response, error) {
	var resp port.Response
	if err := t.dec.Decode(&resp); err != nil {
		// A reset right after the responder closed still means closed.
		if errors.Is(err, syscall.ECONNRESET) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &resp, nil
}

func (t *tcpConn) close() error {
	return t.conn.Close()
}
