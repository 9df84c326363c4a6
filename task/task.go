// Package task schedules repeating or conditional work on a timewheel.Wheel.
//
// A Task wraps one main registrant, plus an optional watch registrant polling
// a stop condition, and adds run counting, stop predicates, backoff and
// two-phase termination: End stops scheduling, finish follows once the
// asynchronous ticks still running at End have settled.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"

	"github.com/hyperjiang/timewheel/v2"
)

type (
	// TickFunc is the body run on every tick. A non-nil error is recorded and
	// reported but does not stop the task.
	TickFunc func(ctx context.Context, t *Task) (any, error)

	// Predicate is a continue condition: the task ends once it returns false.
	Predicate func(t *Task) bool
)

// Always and Never are the constant predicates.
var (
	Always Predicate = func(*Task) bool { return true }
	Never  Predicate = func(*Task) bool { return false }
)

// Task is a scheduled operation. Its state is safe to read from any goroutine.
type Task struct {
	mu sync.Mutex

	id    uuid.UUID
	wheel *timewheel.Wheel
	body  TickFunc
	opts  Options
	log   zerolog.Logger

	errLog *rate.Limiter

	reg       *timewheel.Registrant
	watch     *timewheel.Registrant
	behaviors map[string]timewheel.Behavior

	interval         time.Duration
	count            int
	maxCount         int
	paused           bool
	started          bool
	ended            bool
	finished         bool
	startedAt        time.Time
	endedAt          time.Time
	finishedAt       time.Time
	cond             Predicate
	endOnFirstResult bool
	lastResult       any
	lastErr          error

	inflight  conc.WaitGroup
	lingering map[uuid.UUID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	signals signals
	detach  func()
}

// New creates a task on w. Nothing is scheduled until one of the scheduling
// methods is called. A nil body does nothing on each tick.
func New(w *timewheel.Wheel, body TickFunc, opts ...Option) (*Task, error) {
	if w == nil {
		return nil, ErrNoWheel
	}
	o := NewOptions(opts...)

	var interval time.Duration
	if o.Every != nil {
		d, err := o.Every.Duration()
		if err != nil {
			return nil, err
		}
		interval = d
	}
	if o.Count < 0 {
		return nil, ErrInvalidCount
	}
	if body == nil {
		body = func(context.Context, *Task) (any, error) { return nil, nil }
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(o.Context)
	t := &Task{
		id:        id,
		wheel:     w,
		body:      body,
		opts:      o,
		interval:  interval,
		errLog:    rate.NewLimiter(rate.Every(time.Second), 3),
		behaviors: make(map[string]timewheel.Behavior),
		lingering: make(map[uuid.UUID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.log = w.Logger.With().Str("task", o.Name).Str("id", id.String()).Logger()
	return t, nil
}

// ticker is the main registrant's handler.
type ticker struct{ t *Task }

func (h ticker) Handle(_ *timewheel.Registrant, now time.Time) { h.t.tick(now) }

// plan is what a scheduling method asks of schedule.
type plan struct {
	maxCount         int
	cond             Predicate
	immediate        bool
	endOnFirstResult bool
	delay            *time.Duration
	behaviors        map[string]timewheel.Behavior
}

// schedule creates and places the main registrant. A task is scheduled once.
func (t *Task) schedule(p plan) error {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return ErrEnded
	}
	if t.started {
		t.mu.Unlock()
		return ErrStarted
	}
	if p.delay != nil {
		t.interval = *p.delay
	}

	opts := []timewheel.RegistrantOption{timewheel.Repeat()}
	if p.immediate {
		opts = append(opts, timewheel.Immediate())
	}
	if t.opts.Precise {
		opts = append(opts, timewheel.Precise())
	}
	reg := t.wheel.NewRegistrant(ticker{t}, t.interval, opts...)
	for name, b := range p.behaviors {
		t.behaviors[name] = b
	}
	behaviors := make(map[string]timewheel.Behavior, len(t.behaviors))
	for name, b := range t.behaviors {
		behaviors[name] = b
	}

	t.reg = reg
	t.started = true
	t.startedAt = t.wheel.Now()
	t.maxCount = p.maxCount
	t.cond = p.cond
	t.endOnFirstResult = p.endOnFirstResult
	t.mu.Unlock()

	for name, b := range behaviors {
		reg.SetBehavior(name, b)
	}
	if err := reg.Place(); err != nil {
		t.mu.Lock()
		t.reg = nil
		t.started = false
		t.startedAt = time.Time{}
		t.mu.Unlock()
		return err
	}
	t.log.Debug().Dur("interval", t.Interval()).Int("max", p.maxCount).Bool("immediate", p.immediate).Msg("task scheduled")
	return nil
}

// tick runs one fire of the main registrant, on the wheel's driver goroutine.
func (t *Task) tick(now time.Time) {
	t.mu.Lock()
	if t.ended || t.paused {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.shouldStop() {
		t.End()
		return
	}

	t.signals.beforeTick.emit(t.snapshot(now))

	if t.opts.Async {
		t.launch(now)
	} else {
		res, err := t.call()
		t.record(res, err, now)
	}

	t.mu.Lock()
	t.count++
	exhausted := t.maxCount > 0 && t.count >= t.maxCount
	t.mu.Unlock()

	t.signals.afterTick.emit(t.snapshot(now))

	if exhausted || t.shouldStop() {
		t.End()
	}
}

// launch starts an asynchronous tick. Unless NoWait is set the main
// registrant is held out of the wheel until the tick settles.
func (t *Task) launch(now time.Time) {
	id := uuid.New()

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	hold := !t.opts.NoWait
	reg := t.reg
	t.mu.Unlock()

	// The hold must be in place before the tick can settle and release it.
	if hold {
		reg.Hold()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		if hold {
			_ = reg.Release()
		}
		return
	}
	t.lingering[id] = struct{}{}
	t.inflight.Go(func() { t.settle(id, reg, hold, now) })
}

func (t *Task) settle(id uuid.UUID, reg *timewheel.Registrant, hold bool, now time.Time) {
	res, err := t.call()

	// Published while still lingering, so an End racing with it waits for
	// this outcome instead of finishing without it.
	t.record(res, err, now)

	t.mu.Lock()
	delete(t.lingering, id)
	ended := t.ended
	t.mu.Unlock()
	if ended {
		return
	}
	if t.shouldStop() {
		t.End()
		return
	}
	if hold {
		if err := reg.Release(); err != nil {
			t.record(nil, err, t.wheel.Now())
			t.End()
		}
	}
}

// call runs the body, turning a panic into an error.
func (t *Task) call() (res any, err error) {
	var pc panics.Catcher
	pc.Try(func() { res, err = t.body(t.ctx, t) })
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
	}
	return res, err
}

// record stores the outcome of a tick and publishes it.
func (t *Task) record(res any, err error, now time.Time) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.lastResult = res
	t.lastErr = err
	t.mu.Unlock()

	snap := t.snapshot(now)
	if err != nil {
		if t.errLog.Allow() {
			t.log.Warn().Err(err).Int("count", snap.Count).Msg("tick failed")
		}
		t.signals.err.emit(snap)
	}
	t.signals.tick.emit(snap)
}

// shouldStop evaluates the stop conditions outside the task lock.
func (t *Task) shouldStop() bool {
	t.mu.Lock()
	cond := t.cond
	stop := t.endOnFirstResult && t.lastResult != nil
	t.mu.Unlock()
	if stop {
		return true
	}
	return cond != nil && !cond(t)
}

// End stops scheduling. The task finishes once the asynchronous ticks still
// running have settled, or at once when there are none or EndSharp is set.
func (t *Task) End() { t.end(false) }

// EndNow ends and finishes the task without waiting for running ticks. Their
// context is cancelled.
func (t *Task) EndNow() { t.end(true) }

func (t *Task) end(sharp bool) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.endedAt = t.wheel.Now()
	reg, watch := t.reg, t.watch
	sharp = sharp || t.opts.EndSharp
	wait := len(t.lingering) > 0 && !sharp
	t.mu.Unlock()

	if reg != nil {
		reg.Cancel()
	}
	if watch != nil {
		watch.Cancel()
	}
	t.log.Debug().Bool("waiting", wait).Msg("task ended")
	t.signals.end.emit(t.snapshot(t.wheel.Now()))

	if wait {
		go func() {
			t.inflight.Wait()
			t.finish()
		}()
		return
	}
	if sharp {
		t.cancel()
	}
	t.finish()
}

func (t *Task) finish() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.finishedAt = t.wheel.Now()
	destroy := t.opts.DestroyOnFinish
	t.mu.Unlock()

	t.signals.finish.emit(t.snapshot(t.finishedAt))
	close(t.done)
	t.cancel()
	t.log.Debug().Msg("task finished")

	if destroy {
		t.Destroy()
	}
}

// Destroy ends the task at once and releases everything it holds: its
// registrants, its listeners and its owner's teardown hook.
func (t *Task) Destroy() {
	t.EndNow()
	t.Detach()
	t.signals.reset()

	t.mu.Lock()
	t.reg = nil
	t.watch = nil
	t.behaviors = make(map[string]timewheel.Behavior)
	t.mu.Unlock()
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns the outcome of its last tick.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.lastResult, t.lastErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause makes ticks return without running the body until Resume. The
// schedule keeps going.
func (t *Task) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *Task) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
}

// Skip swallows the next n ticks.
func (t *Task) Skip(n int) {
	t.mu.Lock()
	reg := t.reg
	t.mu.Unlock()
	if reg != nil {
		reg.Skip(n)
	}
}

// SetInterval changes the interval from the next placement on.
func (t *Task) SetInterval(d time.Duration) error {
	if d < 0 {
		return ErrInvalidInterval
	}
	t.mu.Lock()
	reg := t.reg
	t.mu.Unlock()
	if reg != nil {
		if err := reg.UpdateInterval(d); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
	return nil
}

func (t *Task) snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var elapsed time.Duration
	if !t.startedAt.IsZero() {
		elapsed = now.Sub(t.startedAt)
	}
	return Snapshot{
		Now:      now,
		Result:   t.lastResult,
		Err:      t.lastErr,
		Count:    t.count,
		MaxCount: t.maxCount,
		Elapsed:  elapsed,
	}
}

// OnBeforeTick subscribes to the signal sent before the body runs. The
// returned function unsubscribes.
func (t *Task) OnBeforeTick(fn Listener) func() { return t.signals.beforeTick.subscribe(fn) }

// OnTick subscribes to the signal carrying each tick's outcome. For
// asynchronous ticks it is sent when the tick settles.
func (t *Task) OnTick(fn Listener) func() { return t.signals.tick.subscribe(fn) }

func (t *Task) OnAfterTick(fn Listener) func() { return t.signals.afterTick.subscribe(fn) }

func (t *Task) OnEnd(fn Listener) func() { return t.signals.end.subscribe(fn) }

// OnFinish subscribes to the last signal of the task, sent after end.
func (t *Task) OnFinish(fn Listener) func() { return t.signals.finish.subscribe(fn) }

// OnError subscribes to failed ticks.
func (t *Task) OnError(fn Listener) func() { return t.signals.err.subscribe(fn) }

func (t *Task) ID() uuid.UUID { return t.id }

func (t *Task) Name() string { return t.opts.Name }

func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Task) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Task) MaxCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxCount
}

func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *Task) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Task) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

func (t *Task) LastResult() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastResult
}

func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Lingering is the number of asynchronous ticks still running.
func (t *Task) Lingering() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lingering)
}

// Elapsed is the time since the task was scheduled.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return t.wheel.Now().Sub(t.startedAt)
}
