package port

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Service serves every channel opened under one port name.
type Service interface {
	// ServeChannel handles ch until it terminates.
	ServeChannel(ctx context.Context, ch Channel)

	// Accepts reports whether raw is a start message the service would act on.
	Accepts(raw []byte) bool
}

// Dispatcher hands freshly opened channels to whoever serves them.
type Dispatcher interface {
	Dispatch(ctx context.Context, ch Channel)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ch Channel)

func (f DispatcherFunc) Dispatch(ctx context.Context, ch Channel) { f(ctx, ch) }

// HandlerFunc serves one channel. It accepts any start message.
type HandlerFunc func(ctx context.Context, ch Channel)

func (f HandlerFunc) ServeChannel(ctx context.Context, ch Channel) { f(ctx, ch) }

func (f HandlerFunc) Accepts(raw []byte) bool {
	_, ok := DecodeStart(raw)
	return ok
}

// Endpoint builds a fresh Handler for every channel bound to one operation.
type Endpoint[P any] struct {
	op       Operation[P]
	validate Validator[P]
	opts     options
}

// NewEndpoint binds an operation and its payload validator.
func NewEndpoint[P any](op Operation[P], validate Validator[P], opts ...Option) *Endpoint[P] {
	return &Endpoint[P]{op: op, validate: validate, opts: buildOptions(opts)}
}

// NewHandlerFunc is NewEndpoint reduced to a plain per-channel function.
func NewHandlerFunc[P any](op Operation[P], validate Validator[P], opts ...Option) HandlerFunc {
	return NewEndpoint(op, validate, opts...).ServeChannel
}

// ServeChannel runs a new Handler over ch.
func (e *Endpoint[P]) ServeChannel(ctx context.Context, ch Channel) {
	newHandler(ctx, ch, e.op, e.validate, e.opts).Serve()
}

// Accepts runs the same checks a handler applies before starting a call.
func (e *Endpoint[P]) Accepts(raw []byte) bool {
	payload, ok := DecodeStart(raw)
	if !ok {
		return false
	}
	_, err := e.validate(payload)
	return err == nil
}

// Router maps channel names to services. Register everything before the
// first Dispatch; the table is read-only afterwards.
type Router struct {
	services map[string]Service
	log      logrus.FieldLogger
}

// NewRouter creates an empty router.
func NewRouter(log logrus.FieldLogger) *Router {
	if log == nil {
		log = discardLogger()
	}
	return &Router{
		services: make(map[string]Service),
		log:      log,
	}
}

// Handle registers svc under name. It panics on an empty or duplicate name.
func (r *Router) Handle(name string, svc Service) {
	if name == "" {
		panic("port: empty port name")
	}
	if _, exists := r.services[name]; exists {
		panic(fmt.Sprintf("port: duplicate port %q", name))
	}
	r.services[name] = svc
}

// Lookup returns the service registered under name.
func (r *Router) Lookup(name string) (Service, bool) {
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns the registered port names in sorted order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch serves ch with the service registered under its name. Channels
// with unknown names are closed immediately.
func (r *Router) Dispatch(ctx context.Context, ch Channel) {
	svc, ok := r.services[ch.Name()]
	if !ok {
		r.log.WithFields(logrus.Fields{
			"channel_id": ch.ID(),
			"port":       ch.Name(),
		}).Warn("no handler registered for port")
		_ = ch.Close()
		return
	}
	svc.ServeChannel(ctx, ch)
}
