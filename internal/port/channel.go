package port

import "errors"

// ErrClosed is returned by Channel implementations after Close.
var ErrClosed = errors.New("port: channel closed")

// Channel is an established, ordered, message-oriented connection to one
// initiator. Either end may close it at any time.
type Channel interface {
	// ID uniquely identifies this connection for logging.
	ID() string

	// Name is the identity the initiator chose when opening the channel.
	Name() string

	// Messages delivers raw inbound messages in arrival order.
	Messages() <-chan []byte

	// Disconnected is closed once the peer has gone away.
	Disconnected() <-chan struct{}

	// Send writes one response to the peer.
	Send(resp *Response) error

	// Close tears the connection down from this side.
	Close() error
}
