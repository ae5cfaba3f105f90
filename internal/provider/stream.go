package provider

import (
	"context"
	"strings"
)

// TextStream yields response text deltas in order.
//
//	for s.Next() {
//		fmt.Print(s.Delta())
//	}
//	err := s.Err()
type TextStream interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
}

// funcStream adapts SDK stream method values to TextStream. next returns the
// following non-empty delta, or false at the end of the stream.
type funcStream struct {
	next  func() (string, bool)
	err   func() error
	close func() error
	delta string
}

func (s *funcStream) Next() bool {
	d, ok := s.next()
	if !ok {
		s.delta = ""
		return false
	}
	s.delta = d
	return true
}

func (s *funcStream) Delta() string { return s.delta }
func (s *funcStream) Err() error    { return s.err() }
func (s *funcStream) Close() error  { return s.close() }

// Collect drains s and returns the concatenated text.
func Collect(ctx context.Context, s TextStream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for s.Next() {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		b.WriteString(s.Delta())
	}
	return b.String(), s.Err()
}

// SliceStream replays fixed deltas, then err. It is meant for wiring tests
// and local runs without a backend.
func SliceStream(deltas []string, err error) TextStream {
	i := 0
	return &funcStream{
		next: func() (string, bool) {
			if i >= len(deltas) {
				return "", false
			}
			i++
			return deltas[i-1], true
		},
		err: func() error {
			if i < len(deltas) {
				return nil
			}
			return err
		},
		close: func() error { return nil },
	}
}
