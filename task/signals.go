package task

import (
	"sync"
	"time"
)

// Snapshot is the state of a task when a signal is delivered.
type Snapshot struct {
	Now      time.Time
	Result   any
	Err      error
	Count    int
	MaxCount int
	Elapsed  time.Duration
}

// Listener receives signals synchronously, in subscription order.
type Listener func(Snapshot)

type signal struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn Listener
}

// subscribe adds fn and returns a function removing it.
func (s *signal) subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *signal) emit(snap Snapshot) {
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(snap)
	}
}

func (s *signal) reset() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

type signals struct {
	beforeTick signal
	tick       signal
	afterTick  signal
	end        signal
	finish     signal
	err        signal
}

func (s *signals) reset() {
	for _, sig := range []*signal{&s.beforeTick, &s.tick, &s.afterTick, &s.end, &s.finish, &s.err} {
		sig.reset()
	}
}
