package task

import (
	"fmt"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// Every is an interval written in one unit, as found in config files:
//
//	every: {s: 30}
//
// Units are checked from the smallest to the largest and the first non-zero
// one wins; the others are ignored.
type Every struct {
	Ms float64 `yaml:"ms"`
	S  float64 `yaml:"s"`
	M  float64 `yaml:"m"`
	H  float64 `yaml:"h"`
	D  float64 `yaml:"d"`
	W  float64 `yaml:"w"`
	Mo float64 `yaml:"mo"`
	Yr float64 `yaml:"yr"`
}

// Duration converts the first non-zero unit. An Every without any unit is a
// configuration error.
func (e Every) Duration() (time.Duration, error) {
	units := []struct {
		v    float64
		unit time.Duration
	}{
		{e.Ms, time.Millisecond},
		{e.S, time.Second},
		{e.M, time.Minute},
		{e.H, time.Hour},
		{e.D, day},
		{e.W, week},
		{e.Mo, month},
		{e.Yr, year},
	}
	for _, u := range units {
		if u.v == 0 {
			continue
		}
		if u.v < 0 {
			return 0, fmt.Errorf("%w: got %v", ErrInvalidInterval, u.v)
		}
		return time.Duration(u.v * float64(u.unit)), nil
	}
	return 0, ErrNoUnit
}
