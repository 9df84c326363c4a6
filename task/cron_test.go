package task_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperjiang/timewheel/v2"
	"github.com/hyperjiang/timewheel/v2/task"
)

func TestCronRejectsBadExpressions(t *testing.T) {
	should := require.New(t)

	w, err := timewheel.New()
	should.NoError(err)
	defer w.Stop()

	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * * * * *"} {
		tk, err := task.New(w, nil)
		should.NoError(err)
		should.ErrorIs(tk.Cron(expr), task.ErrInvalidCron, expr)
		should.False(tk.Started())
	}
}

func TestCronFollowsTheCalendar(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for two wall clock seconds")
	}
	should := require.New(t)

	w, err := timewheel.New()
	should.NoError(err)
	defer w.Stop()

	var mu sync.Mutex
	var fires []time.Time
	tk, err := task.New(w, nil, task.WithName("every-second"))
	should.NoError(err)
	tk.OnBeforeTick(func(s task.Snapshot) {
		mu.Lock()
		fires = append(fires, s.Now)
		mu.Unlock()
	})
	should.NoError(tk.Cron("* * * * * *"))
	should.NoError(tk.Watch(5*time.Millisecond, func(t *task.Task) bool { return t.Count() >= 2 }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tk.Wait(ctx)
	should.NoError(err)

	mu.Lock()
	defer mu.Unlock()
	should.Len(fires, 2)
	for _, at := range fires {
		should.Less(at.Sub(at.Truncate(time.Second)), 200*time.Millisecond, "ticks land on second boundaries")
	}
}
