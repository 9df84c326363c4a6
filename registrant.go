package timewheel

import (
	"container/list"
	"fmt"
	"time"
)

// Registrant is one scheduled unit of work. It is inert on its own: the wheel
// owns its placement and calls its handler when the slot holding it comes due.
//
// All mutable state is guarded by the owning wheel's mutex.
type Registrant struct {
	wheel   *Wheel
	handler Handler

	delay     time.Duration // requested delay, whole milliseconds
	offset    int           // delay in slots of the current block
	immediate bool          // next placement bypasses the slots
	repeat    bool
	precise   bool // compensate drift between fires
	paused    bool
	skip      int
	active    bool
	hold      bool // reinsertion deferred until Release

	createdAt time.Time
	placedAt  time.Time
	lastFire  time.Time
	overflow  time.Duration

	block *Block         // block of the last placement
	slot  *list.List     // list holding elem
	elem  *list.Element // nil when not queued

	behaviors map[string]Behavior
	order     []string
}

// RegistrantOption configures a registrant at creation.
type RegistrantOption func(*Registrant)

// Repeat reinserts the registrant after every fire.
func Repeat() RegistrantOption {
	return func(r *Registrant) { r.repeat = true }
}

// Immediate makes the first fire happen on the next check of the base block.
func Immediate() RegistrantOption {
	return func(r *Registrant) { r.immediate = true }
}

// Precise subtracts the timing error of each fire from the next placement.
func Precise() RegistrantOption {
	return func(r *Registrant) { r.precise = true }
}

// NewRegistrant creates a registrant bound to w. It is not queued until Place
// or Register is called. A nil handler falls back to the wheel's handler.
func (w *Wheel) NewRegistrant(h Handler, delay time.Duration, opts ...RegistrantOption) *Registrant {
	if h == nil {
		h = w.Handler
	}
	r := &Registrant{
		wheel:     w,
		handler:   h,
		delay:     roundDelay(delay),
		active:    true,
		createdAt: w.Now(),
		behaviors: make(map[string]Behavior),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// roundDelay rounds up to a whole millisecond; negative delays become 0.
func roundDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}

// Place queues the registrant on its wheel.
func (r *Registrant) Place() error {
	return r.wheel.Register(r)
}

// Cancel stops the registrant. It is safe to call from any handler, including
// the registrant's own.
func (r *Registrant) Cancel() {
	w := r.wheel
	w.mu.Lock()
	defer w.mu.Unlock()

	r.active = false
	if r.hold {
		r.hold = false
		w.releaseHeldLocked()
	}
	w.unlinkLocked(r)
}

// UpdateInterval changes the delay. A queued fire is only moved when the new
// delay belongs to another block; otherwise the new delay applies from the
// next reinsertion.
func (r *Registrant) UpdateInterval(d time.Duration) error {
	w := r.wheel
	w.mu.Lock()
	defer w.mu.Unlock()

	d = roundDelay(d)
	target := w.routeLocked(d)
	if target == nil {
		return fmt.Errorf("%w: %s > %s", ErrDelayOutOfRange, d, w.coverageLocked())
	}
	r.delay = d
	if r.elem == nil || r.immediate || target == r.block.terminal() {
		return nil
	}

	w.unlinkLocked(r)
	return w.placeLocked(r, d, w.Now())
}

// Skip swallows the next n fires without cancelling the registration.
func (r *Registrant) Skip(n int) {
	if n < 0 {
		n = 0
	}
	r.wheel.mu.Lock()
	r.skip = n
	r.wheel.mu.Unlock()
}

// Pause suppresses fires until Resume. A repeating registrant keeps its place
// in the rotation while paused.
func (r *Registrant) Pause() {
	r.wheel.mu.Lock()
	r.paused = true
	r.wheel.mu.Unlock()
}

func (r *Registrant) Resume() {
	r.wheel.mu.Lock()
	r.paused = false
	r.wheel.mu.Unlock()
}

// Hold keeps a repeating registrant out of the wheel after its current fire
// until Release is called. Used while asynchronous work for the fire is
// still running. Cancelled registrants are not held.
func (r *Registrant) Hold() {
	w := r.wheel
	w.mu.Lock()
	if r.active && !r.hold {
		r.hold = true
		w.held++
	}
	w.mu.Unlock()
}

// Release ends a Hold and queues the registrant again if it is still active,
// repeating and not already queued.
func (r *Registrant) Release() error {
	w := r.wheel
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.hold {
		r.hold = false
		w.releaseHeldLocked()
	}
	if !r.active || !r.repeat || r.elem != nil {
		return nil
	}
	if w.stopped {
		return ErrStopped
	}
	return w.placeLocked(r, r.nextDelay(), w.Now())
}

// SetBehavior attaches a behavior run after every fire. Behaviors run in the
// order they were first set; setting an existing name replaces it in place.
func (r *Registrant) SetBehavior(name string, b Behavior) {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	if _, ok := r.behaviors[name]; !ok {
		r.order = append(r.order, name)
	}
	r.behaviors[name] = b
}

func (r *Registrant) RemoveBehavior(name string) {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	if _, ok := r.behaviors[name]; !ok {
		return
	}
	delete(r.behaviors, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registrant) behaviorsLocked() []Behavior {
	if len(r.order) == 0 {
		return nil
	}
	out := make([]Behavior, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.behaviors[name])
	}
	return out
}

// Active reports whether the registrant has not been cancelled.
func (r *Registrant) Active() bool {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	return r.active
}

// Queued reports whether the registrant currently sits in a slot.
func (r *Registrant) Queued() bool {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	return r.elem != nil
}

func (r *Registrant) Delay() time.Duration {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	return r.delay
}

// Overflow is the drift carried into the next placement of a precise registrant.
func (r *Registrant) Overflow() time.Duration {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	return r.overflow
}

// LastFire is the time of the most recent fire, zero before the first.
func (r *Registrant) LastFire() time.Time {
	r.wheel.mu.Lock()
	defer r.wheel.mu.Unlock()
	return r.lastFire
}

// nextDelay is the delay of the next reinsertion, corrected by the carried
// overflow for precise registrants.
func (r *Registrant) nextDelay() time.Duration {
	if !r.precise {
		return r.delay
	}
	d := r.delay - r.overflow
	if d < 0 {
		return 0
	}
	return d
}

// compensate records the error of this fire. The first fire has no previous
// one to measure against and stays uncompensated.
func (r *Registrant) compensate(prev, now time.Time) {
	if !r.precise || prev.IsZero() {
		return
	}
	o := now.Sub(prev) - r.delay + r.overflow
	switch {
	case o > r.delay:
		o = r.delay
	case o < -r.delay:
		o = -r.delay
	}
	r.overflow = o
}
