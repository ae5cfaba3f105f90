package port_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/transport/pipe"
)

func TestHandler_ChunksThenDone(t *testing.T) {
	ch, peer := pipe.New("test")
	rec := &recorder{}
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		rec.record(ctx, p)
		return &scriptedStream{ctx: ctx, steps: []string{"He", "Hell", "Hello"}, result: "Hello"}, nil
	}
	obs := newCountingObserver()
	h := port.NewHandler(context.Background(), ch, op, validateText, port.WithObserver(obs))
	done := serve(h)

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	resps := drain(t, peer)
	waitDone(t, done)

	require.Len(t, resps, 4)
	assert.Equal(t, []string{"chunk", "chunk", "chunk", "done"}, types(resps))
	assert.Equal(t, "He", resps[0].Data)
	assert.Equal(t, "Hell", resps[1].Data)
	assert.Equal(t, "Hello", resps[2].Data)
	assert.Equal(t, "Hello", resps[3].Data)

	assert.Equal(t, port.StateTerminated, h.State())
	assert.Equal(t, 1, ch.CloseCount())
	assert.Equal(t, port.OutcomeDone, obs.lastOutcome())
	assert.Equal(t, 3, obs.sent["chunk"])
}

func TestHandler_OperationFailure(t *testing.T) {
	ch, peer := pipe.New("test")
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		return &scriptedStream{ctx: ctx, steps: []string{"partial"}, err: errors.New("network down")}, nil
	}
	done := serve(port.NewHandler(context.Background(), ch, op, validateText))

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	resps := drain(t, peer)
	waitDone(t, done)

	require.Equal(t, []string{"chunk", "error"}, types(resps))
	assert.Equal(t, "network down", resps[1].Error)
	assert.Equal(t, 1, ch.CloseCount())
}

func TestHandler_OperationRejectsImmediately(t *testing.T) {
	ch, peer := pipe.New("test")
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		return nil, errors.New("unknown provider")
	}
	done := serve(port.NewHandler(context.Background(), ch, op, validateText))

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	resps := drain(t, peer)
	waitDone(t, done)

	require.Len(t, resps, 1)
	assert.Equal(t, port.Failure("unknown provider"), resps[0])
}

func TestHandler_DisconnectMidStream(t *testing.T) {
	ch, peer := pipe.New("test")
	gate := make(chan struct{})
	rec := &recorder{}
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		rec.record(ctx, p)
		return &scriptedStream{ctx: ctx, steps: []string{"a", "ab", "abc"}, result: "abc", gate: gate}, nil
	}
	obs := newCountingObserver()
	done := serve(port.NewHandler(context.Background(), ch, op, validateText, port.WithObserver(obs)))

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	gate <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	first, err := peer.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, port.Chunk("a"), first)

	peer.Disconnect()
	waitDone(t, done)

	assert.Empty(t, drain(t, peer), "nothing may follow a disconnect")
	callCtx := rec.lastCtx()
	require.NotNil(t, callCtx)
	assert.Error(t, callCtx.Err())
	assert.ErrorIs(t, context.Cause(callCtx), port.ErrPeerDisconnected)
	assert.Equal(t, 1, ch.CloseCount())
	assert.Equal(t, port.OutcomeCancelled, obs.lastOutcome())
}

func TestHandler_DuplicateStart(t *testing.T) {
	ch, peer := pipe.New("test")
	rec := &recorder{}
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		rec.record(ctx, p)
		return &scriptedStream{ctx: ctx, result: p.Text}, nil
	}
	h := port.NewHandler(context.Background(), ch, op, validateText)

	// Both starts are queued before the listener runs.
	require.NoError(t, peer.Start(testPayload{Text: "first"}))
	require.NoError(t, peer.Start(testPayload{Text: "second"}))
	done := serve(h)

	resps := drain(t, peer)
	waitDone(t, done)

	require.Len(t, resps, 1)
	assert.Equal(t, port.Done("first"), resps[0])
	assert.Equal(t, []testPayload{{Text: "first"}}, rec.calls())
}

func TestHandler_MalformedMessagesDoNotLockOut(t *testing.T) {
	ch, peer := pipe.New("test")
	rec := &recorder{}
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		rec.record(ctx, p)
		return &scriptedStream{ctx: ctx, result: "ok"}, nil
	}
	obs := newCountingObserver()
	done := serve(port.NewHandler(context.Background(), ch, op, validateText, port.WithObserver(obs)))

	for _, raw := range []string{
		`not json`,
		`{"type":"hello"}`,
		`{"type":"start"}`,
		`{"type":"start","payload":null}`,
		`{"type":"start","payload":{"text":""}}`,
	} {
		require.NoError(t, peer.Send([]byte(raw)))
	}
	require.NoError(t, peer.Start(testPayload{Text: "valid"}))

	resps := drain(t, peer)
	waitDone(t, done)

	require.Len(t, resps, 1)
	assert.Equal(t, port.Done("ok"), resps[0])
	assert.Equal(t, []testPayload{{Text: "valid"}}, rec.calls())
	assert.Equal(t, 1, obs.started)
}

func TestHandler_SendFailureIsNotFatal(t *testing.T) {
	ch, peer := pipe.New("test")
	ch.FailSends(errors.New("socket torn down"))
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		return &scriptedStream{ctx: ctx, steps: []string{"x"}, result: "x"}, nil
	}
	obs := newCountingObserver()
	done := serve(port.NewHandler(context.Background(), ch, op, validateText, port.WithObserver(obs)))

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	waitDone(t, done)

	assert.Empty(t, drain(t, peer))
	assert.Equal(t, 1, ch.CloseCount())
	assert.Equal(t, 2, obs.failed)
	assert.Equal(t, port.OutcomeUndelivered, obs.lastOutcome())
}

func TestHandler_PanicNormalization(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "error value", value: errors.New("bad gateway"), want: "bad gateway"},
		{name: "plain string", value: "quota exceeded", want: "quota exceeded"},
		{name: "error with empty message", value: errors.New(""), want: ""},
		{name: "opaque value", value: struct{ Code int }{42}, want: "Unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, peer := pipe.New("test")
			op := func(ctx context.Context, p testPayload) (port.Stream, error) {
				panic(tt.value)
			}
			done := serve(port.NewHandler(context.Background(), ch, op, validateText))

			require.NoError(t, peer.Start(testPayload{Text: "hi"}))
			resps := drain(t, peer)
			waitDone(t, done)

			require.Len(t, resps, 1)
			assert.Equal(t, port.Failure(tt.want), resps[0])
		})
	}
}

func TestHandler_DisconnectBeforeStart(t *testing.T) {
	ch, peer := pipe.New("test")
	called := false
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		called = true
		return &scriptedStream{ctx: ctx}, nil
	}
	obs := newCountingObserver()
	h := port.NewHandler(context.Background(), ch, op, validateText, port.WithObserver(obs))
	done := serve(h)

	peer.Disconnect()
	waitDone(t, done)

	assert.False(t, called)
	assert.Equal(t, port.StateTerminated, h.State())
	assert.Equal(t, 1, ch.CloseCount())
	assert.Equal(t, port.OutcomeIdle, obs.lastOutcome())
	assert.ErrorIs(t, peer.Start(testPayload{Text: "late"}), port.ErrClosed)
}

func TestHandler_Shutdown(t *testing.T) {
	ch, peer := pipe.New("test")
	rec := &recorder{}
	started := make(chan struct{})
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		rec.record(ctx, p)
		close(started)
		return &scriptedStream{ctx: ctx, steps: []string{"never"}, gate: make(chan struct{})}, nil
	}
	h := port.NewHandler(context.Background(), ch, op, validateText)
	done := serve(h)

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	<-started
	h.Shutdown()
	h.Shutdown()
	waitDone(t, done)

	assert.Empty(t, drain(t, peer))
	assert.ErrorIs(t, context.Cause(rec.lastCtx()), port.ErrShutdown)
	assert.Equal(t, 1, ch.CloseCount())
}

func TestHandler_ParentContextCancelled(t *testing.T) {
	ch, peer := pipe.New("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := serve(port.NewHandler(ctx, ch, func(ctx context.Context, p testPayload) (port.Stream, error) {
		t.Error("operation must not run")
		return nil, nil
	}, validateText))
	waitDone(t, done)

	assert.Empty(t, drain(t, peer))
	assert.Equal(t, 1, ch.CloseCount())
}

func TestHandler_Timeout(t *testing.T) {
	ch, peer := pipe.New("test")
	rec := &recorder{}
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		rec.record(ctx, p)
		return &scriptedStream{ctx: ctx, steps: []string{"never"}, gate: make(chan struct{})}, nil
	}
	obs := newCountingObserver()
	done := serve(port.NewHandler(context.Background(), ch, op, validateText,
		port.WithTimeout(20*time.Millisecond), port.WithObserver(obs)))

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	waitDone(t, done)

	assert.Empty(t, drain(t, peer))
	assert.ErrorIs(t, context.Cause(rec.lastCtx()), port.ErrCallTimeout)
	assert.Equal(t, port.OutcomeTimeout, obs.lastOutcome())
}

func TestHandler_OperationObservesAbortAtEntry(t *testing.T) {
	ch, peer := pipe.New("test")
	var entryErr error
	op := func(ctx context.Context, p testPayload) (port.Stream, error) {
		peer.Disconnect()
		<-ctx.Done()
		entryErr = port.CheckAborted(ctx)
		return nil, entryErr
	}
	done := serve(port.NewHandler(context.Background(), ch, op, validateText))

	require.NoError(t, peer.Start(testPayload{Text: "hi"}))
	waitDone(t, done)

	assert.ErrorIs(t, entryErr, port.ErrAborted)
	assert.ErrorIs(t, entryErr, port.ErrPeerDisconnected)
	assert.Empty(t, drain(t, peer))
}

func TestHandler_CompletionRacesDisconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		ch, peer := pipe.New("test")
		release := make(chan struct{})
		op := func(ctx context.Context, p testPayload) (port.Stream, error) {
			<-release
			return &scriptedStream{ctx: ctx, steps: []string{"v"}, result: "v"}, nil
		}
		done := serve(port.NewHandler(context.Background(), ch, op, validateText))

		require.NoError(t, peer.Start(testPayload{Text: "hi"}))
		go peer.Disconnect()
		close(release)
		waitDone(t, done)

		resps := drain(t, peer)
		require.Equal(t, 1, ch.CloseCount())
		terminals := 0
		for j, r := range resps {
			if r.Terminal() {
				terminals++
				require.Equal(t, len(resps)-1, j, "terminal must be last")
			}
		}
		require.LessOrEqual(t, terminals, 1)
	}
}

func TestNewHandlerFunc(t *testing.T) {
	ch, peer := pipe.New("test")
	fn := port.NewHandlerFunc(func(ctx context.Context, p testPayload) (port.Stream, error) {
		return &scriptedStream{ctx: ctx, steps: []string{p.Text}, result: p.Text}, nil
	}, validateText)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(context.Background(), ch)
	}()

	require.NoError(t, peer.Start(testPayload{Text: "echo"}))
	resps := drain(t, peer)
	waitDone(t, done)

	assert.Equal(t, []*port.Response{port.Chunk("echo"), port.Done("echo")}, resps)
}
