package port

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle stage of a Handler.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler runs at most one streamed call over one Channel.
//
// The active latch guarded by mu is the single authority for externally
// visible side effects: every send checks it, and terminate flips it exactly
// once before the listener loop stops and the channel is closed.
type Handler[P any] struct {
	ch       Channel
	op       Operation[P]
	validate Validator[P]
	opts     options
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelCauseFunc
	opened time.Time
	wg     sync.WaitGroup
	state  atomic.Int32

	// started is owned by the listener loop.
	started bool

	mu       sync.Mutex
	active   bool
	stop     chan struct{}
	timer    *time.Timer
	terminal string
}

// NewHandler binds a handler to ch. Call Serve to run it.
func NewHandler[P any](ctx context.Context, ch Channel, op Operation[P], validate Validator[P], opts ...Option) *Handler[P] {
	return newHandler(ctx, ch, op, validate, buildOptions(opts))
}

func newHandler[P any](ctx context.Context, ch Channel, op Operation[P], validate Validator[P], o options) *Handler[P] {
	h := &Handler[P]{
		ch:       ch,
		op:       op,
		validate: validate,
		opts:     o,
		opened:   time.Now(),
		active:   true,
		stop:     make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancelCause(ctx)
	h.log = o.logger.WithFields(logrus.Fields{
		"channel_id": ch.ID(),
		"port":       ch.Name(),
	})
	o.observer.ChannelOpened(ch.Name())
	return h
}

// State returns the current lifecycle stage.
func (h *Handler[P]) State() State {
	return State(h.state.Load())
}

// Shutdown cancels the call, if any, and terminates the handler. It is safe
// to call at any time and more than once.
func (h *Handler[P]) Shutdown() {
	h.cancel(ErrShutdown)
}

// Serve listens on the channel until the handler terminates, then waits for
// the running call to return.
func (h *Handler[P]) Serve() {
	defer h.cancel(nil)
	defer h.wg.Wait()

	for {
		select {
		case <-h.stop:
			return
		case <-h.ctx.Done():
			h.terminate()
			return
		case <-h.ch.Disconnected():
			h.disconnect()
			return
		case raw, ok := <-h.ch.Messages():
			if !ok {
				h.disconnect()
				return
			}
			h.receive(raw)
		}
	}
}

func (h *Handler[P]) disconnect() {
	h.log.Debug("peer disconnected")
	h.cancel(ErrPeerDisconnected)
	h.terminate()
}

func (h *Handler[P]) receive(raw []byte) {
	if h.started {
		h.log.Debug("ignoring message after start")
		return
	}
	payload, ok := DecodeStart(raw)
	if !ok {
		h.log.Debug("ignoring message that is not a start message")
		return
	}
	p, err := h.validate(payload)
	if err != nil {
		h.log.WithError(err).Debug("ignoring start message with invalid payload")
		return
	}

	h.started = true
	h.state.Store(int32(StateStarted))
	if h.opts.timeout > 0 {
		h.mu.Lock()
		h.timer = time.AfterFunc(h.opts.timeout, func() { h.cancel(ErrCallTimeout) })
		h.mu.Unlock()
	}
	h.opts.observer.CallStarted(h.ch.Name())
	h.log.Info("stream call started")

	h.wg.Add(1)
	go h.run(p)
}

func (h *Handler[P]) run(payload P) {
	defer h.wg.Done()
	defer h.terminate()

	result, failure := h.call(payload)
	if h.ctx.Err() != nil {
		h.log.WithField("cause", context.Cause(h.ctx)).Info("stream call cancelled")
		return
	}
	if failure != nil {
		msg := ErrorMessage(failure)
		h.log.WithField("error", msg).Warn("stream call failed")
		h.send(Failure(msg))
		return
	}
	h.send(Done(result))
	h.log.Info("stream call completed")
}

// call drives the operation, forwarding each partial as a cumulative chunk.
// Panics inside the operation are returned as the failure value.
func (h *Handler[P]) call(payload P) (result string, failure any) {
	defer func() {
		if r := recover(); r != nil {
			failure = r
		}
	}()

	stream, err := h.op(h.ctx, payload)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	for stream.Next() {
		if err := CheckAborted(h.ctx); err != nil {
			return "", err
		}
		h.send(Chunk(stream.Current().Text))
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return stream.Result(), nil
}

// send is best effort: it is a no-op once the handler is inactive or
// cancelled, and write failures are logged rather than returned.
func (h *Handler[P]) send(resp *Response) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active || h.ctx.Err() != nil {
		return
	}
	if err := h.write(resp); err != nil {
		h.log.WithError(err).WithField("type", resp.Type).Error("stream port send failed")
		h.opts.observer.SendFailed(h.ch.Name())
		return
	}
	if resp.Terminal() {
		h.terminal = resp.Type
	}
	h.opts.observer.ResponseSent(h.ch.Name(), resp.Type)
}

func (h *Handler[P]) write(resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return h.ch.Send(resp)
}

// terminate stops listening and closes the channel, once.
func (h *Handler[P]) terminate() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	close(h.stop)
	if h.timer != nil {
		h.timer.Stop()
	}
	outcome := h.outcomeLocked()
	h.mu.Unlock()

	h.state.Store(int32(StateTerminated))
	if err := h.closeChannel(); err != nil {
		h.log.WithError(err).Debug("channel close failed")
	}
	h.opts.observer.ChannelClosed(h.ch.Name(), outcome, time.Since(h.opened))
	h.log.WithField("outcome", outcome).Debug("stream port terminated")
}

func (h *Handler[P]) closeChannel() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return h.ch.Close()
}

func (h *Handler[P]) outcomeLocked() Outcome {
	switch {
	case h.terminal == TypeDone:
		return OutcomeDone
	case h.terminal == TypeError:
		return OutcomeError
	case errors.Is(context.Cause(h.ctx), ErrCallTimeout):
		return OutcomeTimeout
	case h.State() == StateIdle:
		return OutcomeIdle
	case h.ctx.Err() == nil:
		return OutcomeUndelivered
	default:
		return OutcomeCancelled
	}
}
