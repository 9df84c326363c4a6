package timewheel

import "time"

// Clock provides the current time for slot arithmetic and drift compensation.
type Clock func() time.Time

var defaultClock Clock = time.Now
