// Package server runs the stream port listeners: websocket ports and the
// HTTP API on one address, and optionally the line-delimited JSON TCP
// transport on another.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/eachlabs/streamport/internal/metrics"
	"github.com/eachlabs/streamport/internal/operation"
	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/provider"
	"github.com/eachlabs/streamport/internal/transport/pipe"
	"github.com/eachlabs/streamport/internal/transport/tcpport"
	"github.com/eachlabs/streamport/internal/transport/wsport"
)

// Config holds server configuration
type Config struct {
	HTTPAddr        string
	TCPAddr         string // empty disables the TCP transport
	CallTimeout     time.Duration
	MaxMessageBytes int64
	RatePerSecond   float64
	RateBurst       int
}

// Server owns the listeners and every channel opened through them.
type Server struct {
	config  Config
	router  *port.Router
	metrics *metrics.Metrics
	limiter *RateLimiter
	log     logrus.FieldLogger

	httpServer *http.Server
	httpLn     net.Listener
	tcpLn      net.Listener

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup // listeners and open channels
}

// New creates a server serving the operations backed by reg.
func New(cfg Config, reg *provider.Registry, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	router := operation.Ports(reg, log,
		port.WithTimeout(cfg.CallTimeout),
		port.WithObserver(m),
	)

	ctx, cancel := context.WithCancelCause(context.Background())

	return &Server{
		config:  cfg,
		router:  router,
		metrics: m,
		limiter: NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Router returns the port table the server dispatches to.
func (s *Server) Router() *port.Router {
	return s.router
}

// Handler returns the HTTP handler for websocket ports and the HTTP API.
func (s *Server) Handler() http.Handler {
	limit := s.limiter.Middleware(s.metrics.RateLimited.Inc)

	ws := wsport.NewHandler(port.DispatcherFunc(s.dispatch),
		wsport.WithLogger(s.log),
		wsport.WithReadLimit(s.config.MaxMessageBytes),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ports", s.handlePorts)
	mux.Handle("GET /ports/{name}", limit(ws))
	mux.Handle("POST /v1/{name}", limit(http.HandlerFunc(s.handleCall)))
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.metrics.Middleware(mux)
}

// track adds one unit of work to wg. It reports false once Stop has begun,
// so no Add can race the final Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// dispatch serves one channel as part of the server's lifetime. Channels
// arriving after Stop are closed unserved.
func (s *Server) dispatch(ctx context.Context, ch port.Channel) {
	if !s.track() {
		_ = ch.Close()
		return
	}
	defer s.wg.Done()
	s.router.Dispatch(ctx, ch)
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	httpLn, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.httpLn = httpLn

	if s.config.TCPAddr != "" {
		tcpLn, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.TCPAddr, err)
		}
		s.tcpLn = tcpLn
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server failed")
		}
	}()
	s.log.WithField("addr", httpLn.Addr().String()).Info("http listener started")

	if s.tcpLn != nil {
		tcp := tcpport.NewServer(port.DispatcherFunc(s.dispatch),
			tcpport.WithLogger(s.log),
			tcpport.WithMaxLine(int(s.config.MaxMessageBytes)),
			tcpport.WithAllow(func(remote string) bool {
				if s.limiter.Allow(remote) {
					return true
				}
				s.metrics.RateLimited.Inc()
				return false
			}),
		)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := tcp.Serve(s.ctx, s.tcpLn); err != nil {
				s.log.WithError(err).Error("tcp server failed")
			}
		}()
		s.log.WithField("addr", s.tcpLn.Addr().String()).Info("tcp listener started")
	}

	s.wg.Add(1)
	go s.cleanupLimiter()

	return nil
}

func (s *Server) cleanupLimiter() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup(10 * time.Minute)
		case <-s.ctx.Done():
			return
		}
	}
}

// HTTPAddr returns the bound HTTP address, valid after Start.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// TCPAddr returns the bound TCP address, or "" when the transport is off.
func (s *Server) TCPAddr() string {
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}

// Stop cancels every open channel, closes the listeners and waits for them
// to finish or for ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.cancel(port.ErrShutdown)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	s.log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ports": s.router.Names()})
}

// handleCall runs one call to completion and replies with its terminal
// response.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	svc, ok := s.router.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, port.Failure(fmt.Sprintf("unknown port %q", name)))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, port.Failure("request body too large"))
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, port.Failure("request body must be a JSON payload"))
		return
	}

	start, err := port.NewStart(json.RawMessage(body))
	if err != nil || !svc.Accepts(start) {
		writeJSON(w, http.StatusBadRequest, port.Failure("invalid payload"))
		return
	}

	if !s.track() {
		writeJSON(w, http.StatusServiceUnavailable, port.Failure("server is shutting down"))
		return
	}
	ch, peer := pipe.New(name)
	go func() {
		defer s.wg.Done()
		s.router.Dispatch(s.ctx, ch)
	}()

	if err := peer.Send(start); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, port.Failure("server is shutting down"))
		return
	}

	resps, err := peer.Drain(r.Context())
	if err != nil {
		// The client went away; cancel the call.
		peer.Disconnect()
		return
	}

	var terminal *port.Response
	if n := len(resps); n > 0 && resps[n-1].Terminal() {
		terminal = resps[n-1]
	}

	switch {
	case terminal == nil:
		writeJSON(w, http.StatusGatewayTimeout, port.Failure("call ended without a result"))
	case terminal.Type == port.TypeError:
		writeJSON(w, http.StatusBadGateway, terminal)
	default:
		writeJSON(w, http.StatusOK, terminal)
	}
}

func (s *Server) maxBody() int64 {
	if s.config.MaxMessageBytes > 0 {
		return s.config.MaxMessageBytes
	}
	return 1 << 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
