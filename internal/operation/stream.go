package operation

import (
	"context"
	"strings"

	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/provider"
)

// textStream accumulates provider deltas into cumulative partials. The call
// context is checked before and after every pull from the provider.
type textStream struct {
	ctx  context.Context
	src  provider.TextStream
	text strings.Builder
	cur  port.Partial
	err  error
}

func newTextStream(ctx context.Context, src provider.TextStream) *textStream {
	return &textStream{ctx: ctx, src: src}
}

func (s *textStream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.err = port.CheckAborted(s.ctx); s.err != nil {
		return false
	}
	if !s.src.Next() {
		return false
	}
	if s.err = port.CheckAborted(s.ctx); s.err != nil {
		return false
	}

	delta := s.src.Delta()
	s.text.WriteString(delta)
	s.cur = port.Partial{Delta: delta, Text: s.text.String()}
	return true
}

func (s *textStream) Current() port.Partial { return s.cur }

func (s *textStream) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.src.Err(); err != nil {
		if aborted := port.CheckAborted(s.ctx); aborted != nil {
			return aborted
		}
		return err
	}
	return nil
}

func (s *textStream) Result() string { return s.text.String() }

func (s *textStream) Close() error { return s.src.Close() }
