package timewheel

import (
	"fmt"
	"time"
)

// Behavior runs on the driver goroutine after every fire of the registrant it
// is attached to, before the registrant is reinserted.
type Behavior interface {
	Apply(r *Registrant, now time.Time) error
}

// BehaviorFunc is a function type that implements the Behavior interface.
type BehaviorFunc func(r *Registrant, now time.Time) error

func (f BehaviorFunc) Apply(r *Registrant, now time.Time) error {
	return f(r, now)
}

// BackoffKind selects how a Backoff grows.
type BackoffKind int

const (
	Linear BackoffKind = iota + 1
	Exponential
)

func (k BackoffKind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	default:
		return fmt.Sprintf("BackoffKind(%d)", int(k))
	}
}

const (
	DefaultBackoffStart = time.Second
	DefaultBackoffMax   = 20 * time.Minute
)

// Backoff grows an interval on every fire until it reaches Max.
//
// Linear yields Start, Start+Step, Start+2*Step, ...
// Exponential doubles the increment each time: Start, Start+Step,
// Start+3*Step, Start+7*Step, ...
//
// Set receives every new interval. When it is nil the registrant's own
// interval is updated.
type Backoff struct {
	Kind  BackoffKind
	Start time.Duration
	Step  time.Duration
	Max   time.Duration
	Set   func(time.Duration) error

	fires   int
	inc     time.Duration
	current time.Duration
}

// Next advances the backoff and returns the new interval.
func (b *Backoff) Next() time.Duration {
	b.defaults()
	if b.fires == 0 {
		b.current = b.Start
		b.inc = b.Step
	} else if b.current < b.Max {
		b.current += b.inc
		if b.Kind == Exponential && b.inc < b.Max {
			b.inc *= 2
		}
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	b.fires++
	return b.current
}

// Current is the last interval returned by Next.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Reset makes the next call to Next start over.
func (b *Backoff) Reset() {
	b.fires = 0
	b.current = 0
	b.inc = 0
}

func (b *Backoff) Apply(r *Registrant, _ time.Time) error {
	next := b.Next()
	if b.Set != nil {
		return b.Set(next)
	}
	return r.UpdateInterval(next)
}

func (b *Backoff) defaults() {
	if b.Kind != Linear && b.Kind != Exponential {
		b.Kind = Exponential
	}
	if b.Start <= 0 {
		b.Start = DefaultBackoffStart
	}
	if b.Step <= 0 {
		b.Step = b.Start
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Start > b.Max {
		b.Start = b.Max
	}
}
