package port

import "errors"

// Cancellation causes recorded on a handler's context.
var (
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrShutdown         = errors.New("handler shut down")
	ErrCallTimeout      = errors.New("call timed out")
)

const unexpectedError = "Unexpected error occurred"

// ErrorMessage normalizes a failure into a string safe to send to the peer.
// Errors contribute their message, even an empty one. Strings are used
// verbatim and anything else becomes a generic description.
func ErrorMessage(v any) string {
	switch e := v.(type) {
	case error:
		return e.Error()
	case string:
		return e
	}
	return unexpectedError
}
