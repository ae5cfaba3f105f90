package port

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures handlers built by NewHandler, NewEndpoint and NewHandlerFunc.
type Option func(*options)

type options struct {
	logger   logrus.FieldLogger
	timeout  time.Duration
	observer Observer
}

// WithLogger sets the logger handlers derive their per-channel logger from.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout cancels a call that has not finished d after it started.
// Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithObserver registers lifecycle callbacks.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   discardLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
