package port_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/transport/pipe"
)

const testTimeout = 5 * time.Second

type testPayload struct {
	Text string `json:"text"`
}

func validateText(raw json.RawMessage) (testPayload, error) {
	var p testPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.Text == "" {
		return p, errors.New("text is required")
	}
	return p, nil
}

// scriptedStream replays fixed cumulative snapshots. When gate is set, each
// step waits for a value on it or for ctx to end.
type scriptedStream struct {
	ctx    context.Context
	steps  []string
	result string
	err    error
	gate   chan struct{}

	i   int
	cur port.Partial
	end error
}

func (s *scriptedStream) Next() bool {
	if s.i >= len(s.steps) {
		s.end = s.err
		return false
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			s.end = port.CheckAborted(s.ctx)
			return false
		}
	}
	s.cur = port.Partial{Text: s.steps[s.i]}
	s.i++
	return true
}

func (s *scriptedStream) Current() port.Partial { return s.cur }
func (s *scriptedStream) Err() error            { return s.end }
func (s *scriptedStream) Result() string        { return s.result }
func (s *scriptedStream) Close() error          { return nil }

// recorder captures every context and payload an operation is called with.
type recorder struct {
	mu       sync.Mutex
	payloads []testPayload
	ctxs     []context.Context
}

func (r *recorder) record(ctx context.Context, p testPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	r.ctxs = append(r.ctxs, ctx)
}

func (r *recorder) calls() []testPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]testPayload(nil), r.payloads...)
}

func (r *recorder) lastCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ctxs) == 0 {
		return nil
	}
	return r.ctxs[len(r.ctxs)-1]
}

// countingObserver tallies handler notifications.
type countingObserver struct {
	mu       sync.Mutex
	opened   int
	started  int
	sent     map[string]int
	failed   int
	outcomes []port.Outcome
}

func newCountingObserver() *countingObserver {
	return &countingObserver{sent: make(map[string]int)}
}

func (o *countingObserver) ChannelOpened(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) CallStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) ResponseSent(_, typ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent[typ]++
}

func (o *countingObserver) SendFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *countingObserver) ChannelClosed(_ string, outcome port.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *countingObserver) lastOutcome() port.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.outcomes) == 0 {
		return ""
	}
	return o.outcomes[len(o.outcomes)-1]
}

// serve runs h in the background and returns a channel closed when Serve returns.
func serve[P any](h *port.Handler[P]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve()
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("handler did not terminate")
	}
}

func drain(t *testing.T, peer *pipe.Peer) []*port.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out, err := peer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return out
}

func types(resps []*port.Response) []string {
	out := make([]string, len(resps))
	for i, r := range resps {
		out[i] = r.Type
	}
	return out
}
