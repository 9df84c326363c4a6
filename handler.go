package timewheel

import "time"

// Handler is the handler interface for the time wheel. It is called on the
// wheel's driver goroutine each time a registrant comes due.
type Handler interface {
	Handle(r *Registrant, now time.Time)
}

// HandlerFunc is a function type that implements the Handler interface.
type HandlerFunc func(r *Registrant, now time.Time)

func (f HandlerFunc) Handle(r *Registrant, now time.Time) {
	f(r, now)
}

// NewHandlerFunc creates a new HandlerFunc.
// It is useful when you want to use a function as a handler without defining a separate struct.
func NewHandlerFunc(f HandlerFunc) Handler {
	return HandlerFunc(f)
}

// loggingHandler is used for registrants created without a handler.
func (w *Wheel) loggingHandler() Handler {
	return NewHandlerFunc(func(r *Registrant, now time.Time) {
		w.Logger.Debug().
			Dur("delay", r.Delay()).
			Time("now", now).
			Msg("handling registrant")
	})
}
