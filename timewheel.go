package timewheel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// Wheel is a multi-tier timing wheel. Blocks are ordered from finest to
// coarsest; a registrant goes to the first block able to hold its delay.
//
// Every block check and every handler runs on a single driver goroutine, so
// handlers never run concurrently with each other.
type Wheel struct {
	Options // inherited options

	mu       sync.Mutex
	tiers    []*Block // terminal blocks, finest first
	checkers []*Block // tiers plus superseded blocks still draining

	pending   int // registrants queued across all blocks
	held      int // registrants waiting for Release
	idleSince time.Time

	started bool
	stopped bool
	wakeCh  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a wheel. The driver starts with Start or with the first
// registration.
func New(opts ...Option) (*Wheel, error) {
	w := &Wheel{
		Options: NewOptions(opts...),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := validateTiers(w.Tiers); err != nil {
		return nil, err
	}
	if w.Handler == nil {
		w.Handler = w.loggingHandler()
	}

	now := w.Now()
	w.idleSince = now
	w.initBlocks(now)

	return w, nil
}

// initBlocks builds one block per tier.
func (w *Wheel) initBlocks(now time.Time) {
	w.tiers = make([]*Block, len(w.Tiers))
	for i, t := range w.Tiers {
		w.tiers[i] = newBlock(w, t, now)
	}
	w.checkers = append([]*Block(nil), w.tiers...)
}

// Now reads the wheel's clock.
func (w *Wheel) Now() time.Time {
	return w.Clock()
}

// Start starts the driver. It is a no-op on a running or stopped wheel.
func (w *Wheel) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.startLocked()
}

func (w *Wheel) startLocked() {
	w.started = true
	w.Logger.Debug().Int("tiers", len(w.tiers)).Dur("idle_poll", w.IdlePoll).Msg("wheel started")
	go w.run()
}

// Stop stops the driver. Queued registrants never fire afterwards.
// It may be called from a handler; use Done to wait for the driver to exit.
func (w *Wheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	if !w.started {
		close(w.done)
	}
	w.Logger.Debug().Int("pending", w.pending).Msg("wheel stopped")
}

// Done is closed once the wheel has stopped and its driver has exited.
func (w *Wheel) Done() <-chan struct{} {
	return w.done
}

// Stopped reports whether Stop has been called, by a caller or by the idle check.
func (w *Wheel) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// EndWhenIdle makes the wheel stop itself after it has had nothing queued or
// held for a whole poll. It starts the driver if needed.
func (w *Wheel) EndWhenIdle(poll time.Duration) {
	if poll <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.IdlePoll = poll
	if w.pending == 0 && w.held == 0 {
		w.idleSince = w.Now()
	}
	if !w.started {
		w.startLocked()
		return
	}
	w.wakeLocked()
}

// Register queues r in the first block whose capacity covers its delay, or on
// the base block's immediates when it asks to fire immediately. A registrant
// already queued is moved. Registering reactivates a cancelled registrant.
func (w *Wheel) Register(r *Registrant) error {
	if r == nil || r.wheel != w {
		return ErrForeign
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	if !w.started {
		w.startLocked()
	}

	if r.elem != nil {
		w.unlinkLocked(r)
	}
	r.active = true
	return w.placeLocked(r, r.delay, w.Now())
}

func (w *Wheel) placeLocked(r *Registrant, delay time.Duration, now time.Time) error {
	if r.immediate {
		w.tiers[0].terminal().pushImmediate(r, now)
		w.wakeLocked()
		return nil
	}

	b := w.routeLocked(delay)
	if b == nil {
		return fmt.Errorf("%w: %s > %s", ErrDelayOutOfRange, delay, w.coverageLocked())
	}
	wasIdle := b.slotted() == 0
	b.insert(r, delay, now)
	if wasIdle {
		w.wakeLocked()
	}
	return nil
}

// routeLocked picks the finest block that can hold delay, or nil.
func (w *Wheel) routeLocked(delay time.Duration) *Block {
	for _, b := range w.tiers {
		b = b.terminal()
		if delay <= b.capacity() {
			return b
		}
	}
	return nil
}

func (w *Wheel) unlinkLocked(r *Registrant) {
	if r.elem == nil {
		return
	}
	r.block.unlink(r)
}

// Coverage is the longest delay the wheel accepts.
func (w *Wheel) Coverage() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.coverageLocked()
}

func (w *Wheel) coverageLocked() time.Duration {
	return w.tiers[len(w.tiers)-1].terminal().capacity()
}

// Pending is the number of registrants queued across all blocks.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Stats describes every block still being checked, tiers first.
func (w *Wheel) Stats() []BlockStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]BlockStats, 0, len(w.checkers))
	for _, b := range w.checkers {
		out = append(out, b.stats())
	}
	return out
}

// ChangePrecision replaces the base block by one with slot width and check
// interval g over the same range. Entries already queued on the old block
// fire from it; it is dropped once drained.
func (w *Wheel) ChangePrecision(g time.Duration) error {
	if g < time.Millisecond {
		return fmt.Errorf("%w: %s is below 1ms", ErrInvalidPrecision, g)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	old := w.tiers[0]
	if g == old.slotDur {
		return nil
	}
	if g > w.Tiers[0].Range {
		return fmt.Errorf("%w: %s exceeds base range %s", ErrInvalidPrecision, g, w.Tiers[0].Range)
	}

	nb := newBlock(w, Tier{Range: w.Tiers[0].Range, Slot: g, Check: g}, w.Now())
	old.replacedBy = nb
	nb.replacing = old
	w.tiers[0] = nb
	w.checkers = append([]*Block{nb}, w.checkers...)
	w.pruneLocked()

	w.Logger.Debug().
		Dur("from", old.slotDur).
		Dur("to", g).
		Int("draining", old.pending).
		Msg("base block migrating")
	w.wakeLocked()
	return nil
}

// pruneLocked drops superseded blocks with nothing left to fire.
func (w *Wheel) pruneLocked() {
	kept := w.checkers[:0]
	for _, b := range w.checkers {
		if b.replacedBy != nil && b.pending == 0 {
			if nb := b.replacedBy; nb.replacing == b {
				nb.replacing = nil
			}
			w.Logger.Debug().Dur("slot", b.slotDur).Msg("superseded block drained")
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(w.checkers); i++ {
		w.checkers[i] = nil
	}
	w.checkers = kept
}

// releaseHeldLocked drops one hold; a wheel left with nothing queued or held
// starts its idle period here.
func (w *Wheel) releaseHeldLocked() {
	w.held--
	if w.held == 0 && w.pending == 0 {
		w.idleSince = w.Now()
		w.wakeIfIdleLocked()
	}
}

// wakeIfIdleLocked gets the driver off a long block timer so the idle poll
// is measured from now.
func (w *Wheel) wakeIfIdleLocked() {
	if w.IdlePoll > 0 && w.pending == 0 && w.held == 0 {
		w.wakeLocked()
	}
}

func (w *Wheel) wakeLocked() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Wheel) run() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if d, ok := w.nextWait(); ok {
			timer.Reset(d)
			timerC = timer.C
		}

		select {
		case <-timerC:
		case <-w.wakeCh:
		case <-w.stopCh:
			return
		}
		timer.Stop()

		// A handler or another goroutine may have stopped the wheel while a
		// timer was also ready.
		select {
		case <-w.stopCh:
			return
		default:
		}

		now := w.Now()
		w.advance(now)
		if poll, ok := w.idleExpired(now); ok {
			w.Logger.Debug().Dur("idle_poll", poll).Msg("wheel idle, ending")
			w.Stop()
			return
		}
	}
}

// nextWait is how long the driver may sleep; ok is false when only a wake-up
// can create work.
func (w *Wheel) nextWait() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.Now()
	var next time.Time
	for _, b := range w.checkers {
		if b.immediates.Len() > 0 {
			return 0, true
		}
		if b.slotted() == 0 {
			continue
		}
		if next.IsZero() || b.nextCheck.Before(next) {
			next = b.nextCheck
		}
	}
	if w.IdlePoll > 0 && w.pending == 0 && w.held == 0 {
		if at := w.idleSince.Add(w.IdlePoll); next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if next.IsZero() {
		return 0, false
	}
	return max(next.Sub(now), 0), true
}

// idleExpired reports whether the wheel has been idle for a whole poll, and
// the poll it was measured against.
func (w *Wheel) idleExpired(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	poll := w.IdlePoll
	return poll, poll > 0 && w.pending == 0 && w.held == 0 &&
		now.Sub(w.idleSince) >= poll
}

// advance runs one check pass over every due block. Due registrants are
// detached under the lock, fired without it, and the repeating ones are
// reinserted only once all of them have fired, so a registrant fires at most
// once per pass.
func (w *Wheel) advance(now time.Time) {
	w.mu.Lock()
	var fired []*Registrant
	for _, b := range w.checkers {
		if b.due(now) {
			fired = b.collect(now, fired)
		}
	}
	w.mu.Unlock()

	for _, r := range fired {
		w.fire(r, now)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range fired {
		w.reinsertLocked(r, now)
	}
	w.pruneLocked()
}

func (w *Wheel) fire(r *Registrant, now time.Time) {
	w.mu.Lock()
	if !r.active || w.stopped {
		w.mu.Unlock()
		return
	}
	r.immediate = false
	if r.paused {
		w.mu.Unlock()
		return
	}
	if r.skip > 0 {
		r.skip--
		w.mu.Unlock()
		return
	}
	prev := r.lastFire
	r.lastFire = now
	r.compensate(prev, now)
	h := r.handler
	behaviors := r.behaviorsLocked()
	w.mu.Unlock()

	w.call(func() { h.Handle(r, now) })
	for _, b := range behaviors {
		w.call(func() {
			if err := b.Apply(r, now); err != nil {
				w.Logger.Warn().Err(err).Msg("registrant behavior failed")
			}
		})
	}
}

// call runs user code, keeping the driver alive across panics. Broken
// invariants are re-raised.
func (w *Wheel) call(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if rec := pc.Recovered(); rec != nil {
		if err, ok := rec.Value.(error); ok && errors.Is(err, ErrInvariant) {
			panic(err)
		}
		w.Logger.Error().Err(rec.AsError()).Msg("handler panicked")
	}
}

func (w *Wheel) reinsertLocked(r *Registrant, now time.Time) {
	if w.stopped || !r.active || !r.repeat || r.hold || r.elem != nil {
		return
	}
	if err := w.placeLocked(r, r.nextDelay(), now); err != nil {
		r.active = false
		w.Logger.Error().Err(err).Dur("delay", r.delay).Msg("registrant dropped")
	}
}
