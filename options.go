package timewheel

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Tier describes one block of the wheel: the longest delay it accepts, the
// width of one slot and how often the driver checks it.
type Tier struct {
	Range time.Duration
	Slot  time.Duration
	Check time.Duration
}

// slotCount is the number of slots needed so that Range is representable.
func (t Tier) slotCount() int {
	return int(t.Range/t.Slot) + 1
}

func (t Tier) capacity() time.Duration {
	return time.Duration(t.slotCount()-1) * t.Slot
}

// DefaultTiers covers delays up to roughly three months, from 1ms resolution
// for the first ten seconds down to 3h resolution at the far end.
func DefaultTiers() []Tier {
	const day = 24 * time.Hour
	return []Tier{
		{Range: 10 * time.Second, Slot: time.Millisecond, Check: time.Millisecond},
		{Range: 10 * time.Minute, Slot: 100 * time.Millisecond, Check: 100 * time.Millisecond},
		{Range: 10 * time.Hour, Slot: 10 * time.Second, Check: time.Second},
		{Range: 10 * day, Slot: 2 * time.Minute, Check: time.Second},
		{Range: 90 * day, Slot: 3 * time.Hour, Check: time.Second},
	}
}

func validateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTiers)
	}
	var prev time.Duration = -1
	for i, t := range tiers {
		if t.Slot < time.Millisecond || t.Check <= 0 || t.Range < t.Slot {
			return fmt.Errorf("%w: tier %d has range %s, slot %s, check %s",
				ErrInvalidTiers, i, t.Range, t.Slot, t.Check)
		}
		if c := t.capacity(); c <= prev {
			return fmt.Errorf("%w: tier %d covers %s, not more than tier %d",
				ErrInvalidTiers, i, c, i-1)
		}
		prev = t.capacity()
	}
	return nil
}

// Options is common options
type Options struct {
	Handler  Handler
	Logger   zerolog.Logger
	Tiers    []Tier
	Clock    Clock
	IdlePoll time.Duration
}

// NewOptions creates options with defaults.
func NewOptions(opts ...Option) Options {
	var options = Options{
		Logger: defaultLogger,
		Tiers:  DefaultTiers(),
		Clock:  defaultClock,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return options
}

// Option is for setting options.
type Option func(*Options)

// WithHandler sets the handler used by registrants created without one.
func WithHandler(handler Handler) Option {
	return func(o *Options) {
		if handler != nil {
			o.Handler = handler
		}
	}
}

// WithLogger sets logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithTiers replaces the default tiers. They are validated by New.
// An empty list is ignored.
func WithTiers(tiers ...Tier) Option {
	return func(o *Options) {
		if len(tiers) > 0 {
			o.Tiers = append([]Tier(nil), tiers...)
		}
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithIdlePoll makes the wheel stop itself once it has been empty for a
// whole poll, see Wheel.EndWhenIdle. Must be greater than 0.
func WithIdlePoll(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.IdlePoll = d
		}
	}
}
