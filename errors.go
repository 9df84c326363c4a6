package timewheel

import "errors"

var (
	ErrStopped          = errors.New("timewheel: wheel stopped")
	ErrDelayOutOfRange  = errors.New("timewheel: delay exceeds wheel coverage")
	ErrInvalidTiers     = errors.New("timewheel: invalid tier configuration")
	ErrInvalidPrecision = errors.New("timewheel: invalid precision")
	ErrForeign          = errors.New("timewheel: registrant belongs to another wheel")

	// ErrInvariant marks a broken internal invariant. It is always raised as a
	// panic and never returned.
	ErrInvariant = errors.New("timewheel: invariant violated")
)
