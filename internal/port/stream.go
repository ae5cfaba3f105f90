package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAborted is returned by operations that observe a cancelled context.
var ErrAborted = errors.New("stream aborted")

// Partial is one intermediate value produced by an operation.
type Partial struct {
	Delta string // the unit just produced
	Text  string // everything produced so far
}

// Stream is a pull-based sequence of partial results followed by a final value.
//
//	for s.Next() {
//		p := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
//	final := s.Result()
type Stream interface {
	Next() bool
	Current() Partial
	Err() error
	// Result is the final value; valid once Next returned false and Err is nil.
	Result() string
	Close() error
}

// Operation starts a streamed call for a validated payload. It must fail fast
// with ErrAborted when ctx is already done.
type Operation[P any] func(ctx context.Context, payload P) (Stream, error)

// Validator turns a raw start payload into a typed one, or rejects it.
type Validator[P any] func(payload json.RawMessage) (P, error)

// CheckAborted returns an ErrAborted-wrapping error if ctx is done.
func CheckAborted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
}
