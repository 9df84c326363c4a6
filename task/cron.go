package task

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hyperjiang/timewheel/v2"
)

const cronBehavior = "cron"

// cronParser accepts 5-field and 6-field (with seconds) specs and descriptors
// such as @hourly or @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron runs the task at the times described by a cron expression. The
// interval is recomputed after every tick, so the ticks follow the calendar
// rather than a fixed period. The next time must fall within the wheel's
// coverage.
func (t *Task) Cron(expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	now := t.wheel.Now()
	first := sched.Next(now).Sub(now)
	return t.schedule(plan{
		delay: &first,
		behaviors: map[string]timewheel.Behavior{
			cronBehavior: cronStep{t: t, sched: sched},
		},
	})
}

// cronStep moves the interval to the next calendar time after each tick.
type cronStep struct {
	t     *Task
	sched cron.Schedule
}

// Apply ends the task when the next calendar time cannot be scheduled; the
// failure becomes the task's last error.
func (c cronStep) Apply(_ *timewheel.Registrant, now time.Time) error {
	next := c.sched.Next(now)
	if err := c.t.SetInterval(next.Sub(now)); err != nil {
		err = fmt.Errorf("next run at %s: %w", next.Format(time.RFC3339), err)
		c.t.record(nil, err, now)
		c.t.End()
		return err
	}
	return nil
}
