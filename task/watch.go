package task

import (
	"time"

	"github.com/hyperjiang/timewheel/v2"
)

// watcher is the handler of the watch registrant. A nil cond ends the task
// unconditionally.
type watcher struct {
	t    *Task
	cond Predicate
}

func (w watcher) Handle(_ *timewheel.Registrant, _ time.Time) {
	if w.t.Ended() {
		return
	}
	if w.cond == nil || w.cond(w.t) {
		w.t.log.Debug().Msg("watch condition met")
		w.t.End()
	}
}

// Watch polls cond every interval, independently of the tick cadence, and
// ends the task once it holds. A new watch replaces the previous one.
func (t *Task) Watch(every time.Duration, cond Predicate) error {
	if cond == nil {
		cond = Never
	}
	return t.setWatch(watcher{t: t, cond: cond}, every, timewheel.Repeat())
}

// watchOnce ends the task after d.
func (t *Task) watchOnce(d time.Duration) error {
	return t.setWatch(watcher{t: t}, d)
}

func (t *Task) setWatch(h watcher, d time.Duration, opts ...timewheel.RegistrantOption) error {
	r := t.wheel.NewRegistrant(h, d, opts...)

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return ErrEnded
	}
	old := t.watch
	t.watch = r
	t.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	if err := r.Place(); err != nil {
		t.mu.Lock()
		if t.watch == r {
			t.watch = nil
		}
		t.mu.Unlock()
		return err
	}
	// End may have run between the swap and the placement.
	if t.Ended() {
		r.Cancel()
	}
	return nil
}
