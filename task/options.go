package task

import (
	"context"
	"time"
)

// Options is common options
type Options struct {
	Every           *Every
	Name            string
	Count           int
	Forever         bool
	Immediately     bool
	NoWait          bool
	EndSharp        bool
	Precise         bool
	Async           bool
	DestroyOnFinish bool
	Context         context.Context
}

// NewOptions creates options with defaults.
func NewOptions(opts ...Option) Options {
	var options = Options{
		Name:    "task",
		Context: context.Background(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return options
}

// Option is for setting options.
type Option func(*Options)

// WithEvery sets the interval from a unit spec.
func WithEvery(e Every) Option {
	return func(o *Options) {
		o.Every = &e
	}
}

// WithInterval sets the interval directly.
func WithInterval(d time.Duration) Option {
	return func(o *Options) {
		o.Every = &Every{Ms: float64(d) / float64(time.Millisecond)}
		if d == 0 {
			// A zero interval is valid; keep it distinguishable from no unit.
			o.Every = nil
		}
	}
}

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.Name = name
		}
	}
}

// WithCount bounds the number of runs for Run.
func WithCount(n int) Option {
	return func(o *Options) {
		o.Count = n
	}
}

// WithForever makes Run ignore Count.
func WithForever() Option {
	return func(o *Options) {
		o.Forever = true
	}
}

// WithImmediately runs the first tick on the next wheel check instead of
// after one interval.
func WithImmediately() Option {
	return func(o *Options) {
		o.Immediately = true
	}
}

// WithNoWait lets the next tick be scheduled while an asynchronous tick is
// still running.
func WithNoWait() Option {
	return func(o *Options) {
		o.NoWait = true
	}
}

// WithEndSharp finishes the task as soon as it ends, without waiting for
// asynchronous ticks.
func WithEndSharp() Option {
	return func(o *Options) {
		o.EndSharp = true
	}
}

// WithPrecise compensates the drift between ticks.
func WithPrecise() Option {
	return func(o *Options) {
		o.Precise = true
	}
}

// WithAsync runs every tick body on its own goroutine.
func WithAsync() Option {
	return func(o *Options) {
		o.Async = true
	}
}

// WithDestroyOnFinish releases the task once it finishes.
func WithDestroyOnFinish() Option {
	return func(o *Options) {
		o.DestroyOnFinish = true
	}
}

// WithContext sets the parent of the context passed to tick bodies.
func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		if ctx != nil {
			o.Context = ctx
		}
	}
}
