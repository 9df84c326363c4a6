package task

import (
	"fmt"
	"time"

	"github.com/hyperjiang/timewheel/v2"
)

// Run schedules the task from its options: Count runs when Count is set and
// Forever is not, forever otherwise.
func (t *Task) Run() error {
	if t.opts.Count > 0 && !t.opts.Forever {
		return t.Times(t.opts.Count)
	}
	return t.Forever()
}

// Forever runs the task every interval until it is ended.
func (t *Task) Forever() error {
	return t.schedule(plan{immediate: t.opts.Immediately})
}

// Immediately runs the task on the next wheel check, then every interval.
func (t *Task) Immediately() error {
	return t.schedule(plan{immediate: true})
}

// Times runs the task n times.
func (t *Task) Times(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	return t.schedule(plan{maxCount: n, immediate: t.opts.Immediately})
}

// While runs the task as long as p holds. p is checked before and after
// every tick.
func (t *Task) While(p Predicate) error {
	if p == nil {
		p = Always
	}
	return t.schedule(plan{cond: p, immediate: t.opts.Immediately})
}

// Until runs the task until p holds.
func (t *Task) Until(p Predicate) error {
	if p == nil {
		p = Never
	}
	return t.schedule(plan{
		cond:      func(t *Task) bool { return !p(t) },
		immediate: t.opts.Immediately,
	})
}

// For runs the task for d. A watch ends it at the deadline even when no
// tick is due then.
func (t *Task) For(d time.Duration) error {
	return t.UntilTime(t.wheel.Now().Add(d))
}

// UntilTime runs the task until the wall clock passes deadline.
func (t *Task) UntilTime(deadline time.Time) error {
	cond := func(t *Task) bool { return !t.wheel.Now().After(deadline) }
	if err := t.schedule(plan{cond: cond, immediate: t.opts.Immediately}); err != nil {
		return err
	}
	if err := t.watchOnce(deadline.Sub(t.wheel.Now())); err != nil {
		t.EndNow()
		return err
	}
	return nil
}

// UntilResult runs the task until a tick produces a non-nil result. With
// backoff the interval grows exponentially from the task interval up to
// timewheel.DefaultBackoffMax.
func (t *Task) UntilResult(backoff bool) error {
	p := plan{
		cond:             func(t *Task) bool { return t.LastResult() == nil },
		immediate:        t.opts.Immediately,
		endOnFirstResult: true,
	}
	if backoff {
		start := t.Interval()
		if start <= 0 {
			start = timewheel.DefaultBackoffStart
		}
		p.behaviors = map[string]timewheel.Behavior{
			backoffBehavior: t.newBackoff(BackoffSpec{
				Kind:  timewheel.Exponential,
				Start: start,
				Step:  start,
			}),
		}
	}
	return t.schedule(p)
}

const backoffBehavior = "backoff"

// BackoffSpec configures BackOff.
type BackoffSpec struct {
	Kind  timewheel.BackoffKind
	Max   time.Duration
	Step  time.Duration
	Start time.Duration
}

// BackOff grows the interval on every tick, see timewheel.Backoff. It can be
// installed before or after the task is scheduled and replaces any previous
// backoff.
func (t *Task) BackOff(spec BackoffSpec) {
	b := t.newBackoff(spec)

	t.mu.Lock()
	t.behaviors[backoffBehavior] = b
	reg := t.reg
	t.mu.Unlock()

	if reg != nil {
		reg.SetBehavior(backoffBehavior, b)
	}
}

func (t *Task) newBackoff(spec BackoffSpec) *timewheel.Backoff {
	return &timewheel.Backoff{
		Kind:  spec.Kind,
		Start: spec.Start,
		Step:  spec.Step,
		Max:   spec.Max,
		Set:   t.SetInterval,
	}
}
