package timewheel_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjiang/timewheel/v2"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TimeWheelTestSuite struct {
	suite.Suite
	tw *timewheel.Wheel
}

// TestTimeWheelTestSuite runs the wheel test suite
func TestTimeWheelTestSuite(t *testing.T) {
	suite.Run(t, new(TimeWheelTestSuite))
}

// SetupSuite run once at the very start of the testing suite, before any tests are run.
func (ts *TimeWheelTestSuite) SetupSuite() {
	should := require.New(ts.T())

	tw, err := timewheel.New(
		timewheel.WithLogger(timewheel.NewConsoleLogger("warn")),
		timewheel.WithTiers(
			timewheel.Tier{Range: time.Second, Slot: time.Millisecond, Check: time.Millisecond},
			timewheel.Tier{Range: time.Minute, Slot: 100 * time.Millisecond, Check: 50 * time.Millisecond},
		),
	)
	should.NoError(err)
	should.NotNil(tw)
	ts.tw = tw

	ts.tw.Start()
}

// TearDownSuite run once at the very end of the testing suite, after all tests have been run.
func (ts *TimeWheelTestSuite) TearDownSuite() {
	should := require.New(ts.T())
	should.Eventually(func() bool { return ts.tw.Pending() == 0 }, 3*time.Second, 10*time.Millisecond)

	ts.tw.Stop()
	<-ts.tw.Done()
}

func (ts *TimeWheelTestSuite) TestRunRegistrants() {
	should := require.New(ts.T())

	var mu sync.Mutex
	fired := make(map[string]time.Duration)
	start := time.Now()
	add := func(name string, d time.Duration) *timewheel.Registrant {
		r := ts.tw.NewRegistrant(timewheel.NewHandlerFunc(func(*timewheel.Registrant, time.Time) {
			mu.Lock()
			fired[name] = time.Since(start)
			mu.Unlock()
		}), d)
		should.NoError(r.Place())
		return r
	}

	add("-10ms", -10*time.Millisecond)
	add("10ms", 10*time.Millisecond)
	add("300ms", 300*time.Millisecond)
	add("300ms-cancelled", 300*time.Millisecond).Cancel()
	add("1.5s", 1500*time.Millisecond)

	should.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	should.NotContains(fired, "300ms-cancelled")
	should.GreaterOrEqual(fired["10ms"], 10*time.Millisecond)
	should.GreaterOrEqual(fired["300ms"], 300*time.Millisecond)
	should.GreaterOrEqual(fired["1.5s"], 1500*time.Millisecond)
}

func (ts *TimeWheelTestSuite) TestRepeatUntilCancelled() {
	should := require.New(ts.T())

	var count atomic.Int32
	r := ts.tw.NewRegistrant(timewheel.NewHandlerFunc(func(r *timewheel.Registrant, _ time.Time) {
		if count.Add(1) == 5 {
			r.Cancel()
		}
	}), 5*time.Millisecond, timewheel.Repeat())
	should.NoError(r.Place())

	should.Eventually(func() bool { return !r.Active() }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	should.EqualValues(5, count.Load())
	should.False(r.Queued())
}

func (ts *TimeWheelTestSuite) TestForeignRegistrant() {
	should := require.New(ts.T())

	other, err := timewheel.New()
	should.NoError(err)
	defer other.Stop()

	r := other.NewRegistrant(nil, time.Millisecond)
	should.ErrorIs(ts.tw.Register(r), timewheel.ErrForeign)
	should.ErrorIs(ts.tw.Register(nil), timewheel.ErrForeign)
}

func (ts *TimeWheelTestSuite) TestCoverageAndStats() {
	should := require.New(ts.T())

	should.Equal(time.Minute, ts.tw.Coverage())

	r := ts.tw.NewRegistrant(nil, time.Minute+time.Millisecond)
	should.ErrorIs(r.Place(), timewheel.ErrDelayOutOfRange)

	stats := ts.tw.Stats()
	should.Len(stats, 2)
	should.Equal(1001, stats[0].Slots)
	should.Equal(time.Second, stats[0].Capacity)
	should.Equal(601, stats[1].Slots)
	should.Equal(50*time.Millisecond, stats[1].Check)
}

func (ts *TimeWheelTestSuite) TestHandlerPanicRecovery() {
	should := require.New(ts.T())

	var count atomic.Int32
	h := timewheel.NewHandlerFunc(func(*timewheel.Registrant, time.Time) {
		count.Add(1)
		panic("boom")
	})

	tw, err := timewheel.New(
		timewheel.WithHandler(h),
		timewheel.WithLogger(timewheel.NewConsoleLogger("fatal")),
	)
	should.NoError(err)
	defer tw.Stop()

	should.NoError(tw.NewRegistrant(nil, 10*time.Millisecond).Place())
	should.NoError(tw.NewRegistrant(nil, 20*time.Millisecond).Place())

	should.Eventually(func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond,
		"driver survives a panicking handler")
}

func (ts *TimeWheelTestSuite) TestConcurrentRegisterCancel() {
	should := require.New(ts.T())

	tw, err := timewheel.New()
	should.NoError(err)
	defer tw.Stop()

	var fired atomic.Int32
	h := timewheel.NewHandlerFunc(func(*timewheel.Registrant, time.Time) { fired.Add(1) })

	var wg sync.WaitGroup
	adders := 20
	perAdder := 15
	regs := make(chan *timewheel.Registrant, adders*perAdder)

	wg.Add(adders)
	for range adders {
		go func() {
			defer wg.Done()
			for range perAdder {
				r := tw.NewRegistrant(h, 120*time.Millisecond)
				if tw.Register(r) == nil {
					regs <- r
				}
			}
		}()
	}
	wg.Wait()
	close(regs)

	// cancel half of them
	i := 0
	for r := range regs {
		if i%2 == 0 {
			r.Cancel()
		}
		i++
	}
	should.Equal(adders*perAdder, i)

	half := int32(adders * perAdder / 2)
	should.Eventually(func() bool { return fired.Load() == half }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	should.Equal(half, fired.Load())
	should.Zero(tw.Pending())
}

func (ts *TimeWheelTestSuite) TestIdempotentStop() {
	should := require.New(ts.T())

	tw, err := timewheel.New()
	should.NoError(err)
	tw.Start()
	tw.Stop()
	tw.Start() // return directly
	tw.Stop()  // return directly

	select {
	case <-tw.Done():
	case <-time.After(time.Second):
		should.Fail("driver did not exit")
	}
	should.True(tw.Stopped())

	// already stopped
	r := tw.NewRegistrant(nil, 0)
	should.ErrorIs(r.Place(), timewheel.ErrStopped)
	should.ErrorIs(tw.ChangePrecision(5*time.Millisecond), timewheel.ErrStopped)
}

func (ts *TimeWheelTestSuite) TestStopWithoutStart() {
	tw, err := timewheel.New()
	require.NoError(ts.T(), err)
	tw.Stop()

	select {
	case <-tw.Done():
	default:
		ts.Fail("done not closed")
	}
}

func (ts *TimeWheelTestSuite) TestEndWhenIdle() {
	should := require.New(ts.T())

	tw, err := timewheel.New()
	should.NoError(err)

	var fired atomic.Bool
	should.NoError(tw.NewRegistrant(timewheel.NewHandlerFunc(func(*timewheel.Registrant, time.Time) {
		fired.Store(true)
	}), 30*time.Millisecond).Place())

	start := time.Now()
	tw.EndWhenIdle(50 * time.Millisecond)

	select {
	case <-tw.Done():
	case <-time.After(2 * time.Second):
		should.Fail("idle wheel kept running")
	}
	should.True(fired.Load())
	should.True(tw.Stopped())
	should.GreaterOrEqual(time.Since(start), 80*time.Millisecond)
}

func (ts *TimeWheelTestSuite) TestEndWhenIdleAfterCancel() {
	should := require.New(ts.T())

	tw, err := timewheel.New()
	should.NoError(err)

	r := tw.NewRegistrant(nil, time.Second)
	should.NoError(r.Place())
	tw.EndWhenIdle(50 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	should.False(tw.Stopped())
	cancelled := time.Now()
	r.Cancel()

	select {
	case <-tw.Done():
	case <-time.After(time.Second):
		should.Fail("idle wheel kept running")
	}
	should.Less(time.Since(cancelled), 150*time.Millisecond)
}

func (ts *TimeWheelTestSuite) TestEndWhenIdleAfterCoarseCancel() {
	should := require.New(ts.T())

	// Default tiers: an hour sits in a block checked once a second.
	tw, err := timewheel.New()
	should.NoError(err)

	r := tw.NewRegistrant(nil, time.Hour)
	should.NoError(r.Place())
	tw.EndWhenIdle(50 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	cancelled := time.Now()
	r.Cancel()

	select {
	case <-tw.Done():
	case <-time.After(2 * time.Second):
		should.Fail("idle wheel kept running")
	}
	should.Less(time.Since(cancelled), 150*time.Millisecond)
}

func (ts *TimeWheelTestSuite) TestEndWhenIdleAfterRelease() {
	should := require.New(ts.T())

	tw, err := timewheel.New(timewheel.WithIdlePoll(50 * time.Millisecond))
	should.NoError(err)

	fired := make(chan struct{}, 1)
	r := tw.NewRegistrant(timewheel.NewHandlerFunc(func(*timewheel.Registrant, time.Time) {
		fired <- struct{}{}
	}), time.Millisecond, timewheel.Repeat())
	r.Hold()
	should.NoError(r.Place())
	<-fired

	// Held and cancelled: the hold is the last thing keeping the wheel busy.
	released := time.Now()
	r.Cancel()

	select {
	case <-tw.Done():
	case <-time.After(2 * time.Second):
		should.Fail("idle wheel kept running")
	}
	should.Less(time.Since(released), 150*time.Millisecond)
}

func (ts *TimeWheelTestSuite) TestStopFromHandler() {
	should := require.New(ts.T())

	tw, err := timewheel.New()
	should.NoError(err)

	var count atomic.Int32
	r := tw.NewRegistrant(timewheel.NewHandlerFunc(func(r *timewheel.Registrant, _ time.Time) {
		count.Add(1)
		tw.Stop()
	}), time.Millisecond, timewheel.Repeat())
	should.NoError(r.Place())

	select {
	case <-tw.Done():
	case <-time.After(time.Second):
		should.Fail("driver did not exit")
	}
	should.EqualValues(1, count.Load())
	should.False(r.Queued(), "stopped wheels do not requeue")
	should.Zero(tw.Pending())
}

func (ts *TimeWheelTestSuite) TestHoldKeepsWheelAlive() {
	should := require.New(ts.T())

	tw, err := timewheel.New(timewheel.WithIdlePoll(30 * time.Millisecond))
	should.NoError(err)
	defer tw.Stop()

	fired := make(chan struct{}, 4)
	r := tw.NewRegistrant(timewheel.NewHandlerFunc(func(r *timewheel.Registrant, _ time.Time) {
		fired <- struct{}{}
	}), 5*time.Millisecond, timewheel.Repeat())
	r.Hold()
	should.NoError(r.Place())

	<-fired
	time.Sleep(100 * time.Millisecond)
	should.False(tw.Stopped(), "a held registrant counts as work")

	should.NoError(r.Release())
	<-fired
	r.Cancel()

	select {
	case <-tw.Done():
	case <-time.After(time.Second):
		should.Fail("idle wheel kept running")
	}
}

func (ts *TimeWheelTestSuite) TestInvalidTiers() {
	should := require.New(ts.T())

	_, err := timewheel.New(timewheel.WithTiers(
		timewheel.Tier{Range: time.Second, Slot: time.Microsecond, Check: time.Millisecond},
	))
	should.ErrorIs(err, timewheel.ErrInvalidTiers)

	_, err = timewheel.New(timewheel.WithTiers(
		timewheel.Tier{Range: time.Minute, Slot: time.Second, Check: time.Second},
		timewheel.Tier{Range: time.Second, Slot: time.Millisecond, Check: time.Millisecond},
	))
	should.ErrorIs(err, timewheel.ErrInvalidTiers)
}
