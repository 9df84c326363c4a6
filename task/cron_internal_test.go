package task

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/hyperjiang/timewheel/v2"
)

func TestCronStepBeyondCoverageEndsTask(t *testing.T) {
	should := require.New(t)

	w, err := timewheel.New(timewheel.WithTiers(
		timewheel.Tier{Range: 10 * time.Second, Slot: time.Millisecond, Check: time.Millisecond},
	))
	should.NoError(err)
	defer w.Stop()

	tk, err := New(w, nil)
	should.NoError(err)
	var errs int
	tk.OnError(func(Snapshot) { errs++ })
	should.NoError(tk.Cron("* * * * * *"))

	step := cronStep{t: tk, sched: cron.Every(time.Hour)}
	err = step.Apply(nil, w.Now())
	should.ErrorIs(err, timewheel.ErrDelayOutOfRange)

	should.True(tk.Ended())
	should.ErrorIs(tk.LastError(), timewheel.ErrDelayOutOfRange)
	should.Equal(1, errs)
	should.LessOrEqual(tk.Interval(), time.Second, "the rejected interval is not kept")
}
