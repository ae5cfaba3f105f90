// Package pipe provides an in-memory port.Channel and the initiator end that
// drives it.
package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/eachlabs/streamport/internal/port"
	"github.com/google/uuid"
)

// Channel is the responder end of an in-memory pipe.
type Channel struct {
	id   string
	name string

	msgs     chan []byte
	gone     chan struct{}
	goneOnce sync.Once

	mu      sync.Mutex
	queue   []*port.Response
	ready   chan struct{}
	closed  chan struct{}
	closes  int
	sendErr error
}

// Peer is the initiator end of an in-memory pipe.
type Peer struct {
	ch *Channel
}

// New creates a connected Channel/Peer pair for the given port name.
func New(name string) (*Channel, *Peer) {
	ch := &Channel{
		id:     uuid.New().String(),
		name:   name,
		msgs:   make(chan []byte, 16),
		gone:   make(chan struct{}),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	return ch, &Peer{ch: ch}
}

func (c *Channel) ID() string                    { return c.id }
func (c *Channel) Name() string                  { return c.name }
func (c *Channel) Messages() <-chan []byte       { return c.msgs }
func (c *Channel) Disconnected() <-chan struct{} { return c.gone }

// Send queues resp for the peer. It never blocks.
func (c *Channel) Send(resp *port.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closes > 0 {
		return port.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := *resp
	c.queue = append(c.queue, &cp)
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Close closes the channel from the responder side. Only the first call
// succeeds; later calls return port.ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closes++
	if c.closes > 1 {
		return port.ErrClosed
	}
	close(c.closed)
	return nil
}

// CloseCount reports how many times Close was called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// FailSends makes every later Send return err.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send delivers a raw message to the responder.
func (p *Peer) Send(raw []byte) error {
	select {
	case <-p.ch.closed:
		return port.ErrClosed
	case <-p.ch.gone:
		return port.ErrClosed
	default:
	}
	select {
	case p.ch.msgs <- raw:
		return nil
	case <-p.ch.closed:
		return port.ErrClosed
	}
}

// SendJSON marshals v and delivers it.
func (p *Peer) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Send(raw)
}

// Start sends a start message carrying payload.
func (p *Peer) Start(payload any) error {
	raw, err := port.NewStart(payload)
	if err != nil {
		return err
	}
	return p.Send(raw)
}

// Disconnect simulates the initiator going away.
func (p *Peer) Disconnect() {
	p.ch.goneOnce.Do(func() { close(p.ch.gone) })
}

// Closed is closed once the responder has closed the channel.
func (p *Peer) Closed() <-chan struct{} {
	return p.ch.closed
}

// Recv returns the next response. It returns io.EOF once the responder has
// closed the channel and every queued response has been read.
func (p *Peer) Recv(ctx context.Context) (*port.Response, error) {
	for {
		p.ch.mu.Lock()
		if len(p.ch.queue) > 0 {
			resp := p.ch.queue[0]
			p.ch.queue = p.ch.queue[1:]
			p.ch.mu.Unlock()
			return resp, nil
		}
		closed := p.ch.closes > 0
		p.ch.mu.Unlock()

		if closed {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ch.ready:
		case <-p.ch.closed:
		}
	}
}

// Drain reads responses until the responder closes the channel.
func (p *Peer) Drain(ctx context.Context) ([]*port.Response, error) {
	var out []*port.Response
	for {
		resp, err := p.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
}
