package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/streamport/internal/client"
	"github.com/eachlabs/streamport/internal/operation"
	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/provider"
	"github.com/eachlabs/streamport/internal/transport/pipe"
)

// stalled never produces a delta; it reports why its context ended.
type stalled struct {
	causes chan error
}

func (s *stalled) Name() string     { return "stalled" }
func (s *stalled) Models() []string { return nil }

func (s *stalled) Stream(ctx context.Context, req *provider.ChatRequest) (provider.TextStream, error) {
	<-ctx.Done()
	s.causes <- context.Cause(ctx)
	return nil, ctx.Err()
}

func startServer(t *testing.T, cfg Config) (*Server, *stalled) {
	t.Helper()

	st := &stalled{causes: make(chan error, 4)}
	reg := provider.NewRegistry()
	reg.Register("local", provider.NewEcho(""))
	reg.Register("slow", st)

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:0"
	}
	srv := New(cfg, reg, nil)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
	})
	return srv, st
}

func post(t *testing.T, srv *Server, name, body string) (int, port.Response) {
	t.Helper()
	resp, err := http.Post("http://"+srv.HTTPAddr()+"/v1/"+name, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out port.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func get(t *testing.T, srv *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + srv.HTTPAddr() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer_HealthAndPorts(t *testing.T) {
	srv, _ := startServer(t, Config{})

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body = get(t, srv, "/ports")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ports":["analyze-selection-stream","translate-text-stream"]}`, body)
}

func TestServer_OneShotCall(t *testing.T) {
	srv, _ := startServer(t, Config{})

	tests := []struct {
		name     string
		port     string
		body     string
		wantCode int
		want     port.Response
	}{
		{
			name:     "analyze",
			port:     operation.AnalyzeSelectionPort,
			body:     `{"providerId":"local","userMessage":"hello world"}`,
			wantCode: http.StatusOK,
			want:     *port.Done("hello world"),
		},
		{
			name:     "translate",
			port:     operation.TranslateTextPort,
			body:     `{"providerId":"local","prompt":"hola"}`,
			wantCode: http.StatusOK,
			want:     *port.Done("hola"),
		},
		{
			name:     "operation failure",
			port:     operation.TranslateTextPort,
			body:     `{"providerId":"missing","prompt":"hola"}`,
			wantCode: http.StatusBadGateway,
			want:     *port.Failure(`unknown provider: "missing"`),
		},
		{
			name:     "invalid value",
			port:     operation.AnalyzeSelectionPort,
			body:     `{"providerId":"local","userMessage":"hi","temperature":2.5}`,
			wantCode: http.StatusBadGateway,
			want:     *port.Failure("invalid parameters: temperature must be between 0 and 2"),
		},
		{
			name:     "invalid payload",
			port:     operation.AnalyzeSelectionPort,
			body:     `{"userMessage":"hi"}`,
			wantCode: http.StatusBadRequest,
			want:     *port.Failure("invalid payload"),
		},
		{
			name:     "null payload",
			port:     operation.AnalyzeSelectionPort,
			body:     `null`,
			wantCode: http.StatusBadRequest,
			want:     *port.Failure("invalid payload"),
		},
		{
			name:     "not json",
			port:     operation.AnalyzeSelectionPort,
			body:     `{`,
			wantCode: http.StatusBadRequest,
			want:     *port.Failure("request body must be a JSON payload"),
		},
		{
			name:     "unknown port",
			port:     "nope",
			body:     `{}`,
			wantCode: http.StatusNotFound,
			want:     *port.Failure(`unknown port "nope"`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := post(t, srv, tt.port, tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.want, resp)
		})
	}
}

func TestServer_StreamingTransports(t *testing.T) {
	srv, _ := startServer(t, Config{TCPAddr: "127.0.0.1:0"})
	require.NotEmpty(t, srv.TCPAddr())

	dialers := map[string]func(ctx context.Context) (*client.Client, error){
		"websocket": func(ctx context.Context) (*client.Client, error) {
			return client.Dial(ctx, "http://"+srv.HTTPAddr(), operation.AnalyzeSelectionPort)
		},
		"tcp": func(ctx context.Context) (*client.Client, error) {
			return client.DialTCP(ctx, srv.TCPAddr(), operation.AnalyzeSelectionPort)
		},
	}

	for name, dial := range dialers {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			c, err := dial(ctx)
			require.NoError(t, err)

			var chunks []string
			got, err := c.Call(ctx, map[string]any{"providerId": "local", "userMessage": "a b c"},
				func(text string) { chunks = append(chunks, text) })
			require.NoError(t, err)
			assert.Equal(t, "a b c", got)
			assert.Equal(t, []string{"a ", "a b ", "a b c"}, chunks)
		})
	}

	_, body := get(t, srv, "/metrics")
	assert.Contains(t, body, `streamport_calls_started_total{port="analyze-selection-stream"} 2`)

	// Channels are counted as closed after the peer has seen the close.
	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.HTTPAddr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `streamport_channels_closed_total{outcome="done",port="analyze-selection-stream"} 2`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_CallTimeout(t *testing.T) {
	srv, st := startServer(t, Config{CallTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, "http://"+srv.HTTPAddr(), operation.AnalyzeSelectionPort)
	require.NoError(t, err)

	_, err = c.Call(ctx, operation.AnalyzeSelectionParams{ProviderID: "slow", UserMessage: "x"}, nil)
	assert.ErrorIs(t, err, client.ErrNoTerminal)

	select {
	case cause := <-st.causes:
		assert.ErrorIs(t, cause, port.ErrCallTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("call was not cancelled")
	}

	code, resp := post(t, srv, operation.AnalyzeSelectionPort, `{"providerId":"slow","userMessage":"x"}`)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, port.TypeError, resp.Type)
}

func TestServer_StopCancelsOpenCalls(t *testing.T) {
	st := &stalled{causes: make(chan error, 1)}
	reg := provider.NewRegistry()
	reg.Register("slow", st)

	srv := New(Config{HTTPAddr: "127.0.0.1:0"}, reg, nil)
	require.NoError(t, srv.Start())

	c, err := client.Dial(context.Background(), "http://"+srv.HTTPAddr(), operation.TranslateTextPort)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), operation.TranslateTextParams{ProviderID: "slow", Prompt: "x"}, nil)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case cause := <-st.causes:
		assert.ErrorIs(t, cause, port.ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("call was not cancelled")
	}
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, client.ErrNoTerminal)
	case <-time.After(5 * time.Second):
		t.Fatal("client call did not return")
	}
}

func TestServer_RateLimit(t *testing.T) {
	srv, _ := startServer(t, Config{RatePerSecond: 0.001, RateBurst: 1})

	code, _ := post(t, srv, operation.TranslateTextPort, `{"providerId":"local","prompt":"one"}`)
	assert.Equal(t, http.StatusOK, code)

	resp, err := http.Post("http://"+srv.HTTPAddr()+"/v1/"+operation.TranslateTextPort, "application/json",
		bytes.NewReader([]byte(`{"providerId":"local","prompt":"two"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	code, _ = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	srv, _ := startServer(t, Config{})

	other := New(Config{HTTPAddr: srv.HTTPAddr()}, provider.NewRegistry(), nil)
	assert.Error(t, other.Start())
}

func TestServer_WorkAfterStopIsRefused(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("local", provider.NewEcho(""))
	srv := New(Config{HTTPAddr: "127.0.0.1:0"}, reg, nil)
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	ch, peer := pipe.New(operation.AnalyzeSelectionPort)
	srv.dispatch(context.Background(), ch)
	assert.Equal(t, 1, ch.CloseCount())
	select {
	case <-peer.Closed():
	default:
		t.Fatal("channel should be closed")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/"+operation.AnalyzeSelectionPort,
		strings.NewReader(`{"providerId":"local","userMessage":"hi"}`))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"type":"error","error":"server is shutting down"}`, rec.Body.String())
}
