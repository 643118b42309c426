package motion

import (
	"context"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-modules/stepper-drivers/loop"
	"github.com/viam-modules/stepper-drivers/profile"
	"github.com/viam-modules/stepper-drivers/pulse"
)

var testLimits = profile.Limits{MaxSpeed: 1000, Acceleration: 500}

// sim ticks an axis against a virtual clock, jumping straight to each due time.
type sim struct {
	t     *testing.T
	axis  *Axis
	trace *pulse.Trace
	now   time.Time
}

func newSim(t *testing.T, limits profile.Limits, opts ...Option) *sim {
	t.Helper()
	return newSimWith(t, limits, func(tr *pulse.Trace) pulse.Emitter { return tr }, opts...)
}

func newSimWith(t *testing.T, limits profile.Limits, wrap func(*pulse.Trace) pulse.Emitter, opts ...Option) *sim {
	t.Helper()
	s := &sim{t: t, now: time.Unix(1000, 0)}
	s.trace = pulse.NewTrace(func() time.Time { return s.now }, nil)
	axis, err := NewAxis(limits, wrap(s.trace), append([]Option{WithWakeDelay(0)}, opts...)...)
	test.That(t, err, test.ShouldBeNil)
	s.axis = axis
	return s
}

func (s *sim) tick() error {
	err := s.axis.Tick(context.Background(), s.now)
	if due := s.axis.NextDue(); due.After(s.now) {
		s.now = due
	}
	return err
}

// settle ticks until the axis is at rest, calling check after every tick.
func (s *sim) settle(check func()) {
	s.t.Helper()
	for i := 0; i < 1_000_000; i++ {
		test.That(s.t, s.tick(), test.ShouldBeNil)
		if check != nil {
			check()
		}
		if s.axis.Synced() && !s.axis.IsMoving() {
			return
		}
	}
	s.t.Fatal("axis never came to rest")
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func TestMovesConverge(t *testing.T) {
	for _, tc := range []struct {
		name   string
		limits profile.Limits
		target int64
	}{
		{"short", testLimits, 100},
		{"long", testLimits, 5000},
		{"backward", testLimits, -777},
		{"single step", testLimits, 1},
		{"slow", profile.Limits{MaxSpeed: 20, Acceleration: 5}, 40},
		{"hard stop", profile.Limits{MaxSpeed: 800, Acceleration: 200, Deceleration: 2000}, 1500},
		{"soft stop", profile.Limits{MaxSpeed: 800, Acceleration: 2000, Deceleration: 200}, -1500},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newSim(t, tc.limits)
			s.axis.SetTargetPosition(tc.target)

			s.settle(func() {
				v := s.axis.Speed()
				test.That(t, math.Abs(v), test.ShouldBeLessThanOrEqualTo, tc.limits.MaxSpeed+1e-9)
				if v != 0 {
					ahead := float64(tc.target-s.axis.Position()) * sign(v)
					test.That(t, ahead+1e-9, test.ShouldBeGreaterThanOrEqualTo,
						profile.StoppingDistance(v, tc.limits.Decel()))
				}
			})

			test.That(t, s.axis.Position(), test.ShouldEqual, tc.target)
			test.That(t, s.axis.Speed(), test.ShouldEqual, 0)
			test.That(t, s.axis.Phase(), test.ShouldEqual, profile.Idle)
			test.That(t, s.axis.Fault(), test.ShouldBeNil)
			test.That(t, s.trace.Position(), test.ShouldEqual, tc.target)
			test.That(t, s.trace.Steps(), test.ShouldEqual, int(math.Abs(float64(tc.target))))
		})
	}
}

func TestShortMoveIsSymmetric(t *testing.T) {
	s := newSim(t, testLimits)
	s.axis.SetTargetPosition(100)

	phases := map[profile.Phase]int{}
	peak := 0.0
	steps := 0
	s.settle(func() {
		if n := s.trace.Steps(); n > steps {
			steps = n
			phases[s.axis.Phase()]++
			peak = math.Max(peak, s.axis.Speed())
		}
	})

	test.That(t, steps, test.ShouldEqual, 100)
	test.That(t, phases[profile.Cruising], test.ShouldEqual, 0)
	test.That(t, math.Abs(float64(phases[profile.Accelerating]-phases[profile.Decelerating])), test.ShouldBeLessThanOrEqualTo, 3)
	// never close to max speed: the move is too short
	test.That(t, peak, test.ShouldAlmostEqual, math.Sqrt(2*500*50), 2)
}

func TestTickIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, testLimits)
	s.axis.SetTargetPosition(50)

	now := s.now
	test.That(t, s.axis.Tick(ctx, now), test.ShouldBeNil)
	test.That(t, s.trace.Steps(), test.ShouldEqual, 1)
	due := s.axis.NextDue()
	test.That(t, due.After(now), test.ShouldBeTrue)

	for i := 0; i < 100; i++ {
		test.That(t, s.axis.Tick(ctx, now), test.ShouldBeNil)
		test.That(t, s.axis.Tick(ctx, due.Add(-time.Nanosecond)), test.ShouldBeNil)
	}
	test.That(t, s.trace.Steps(), test.ShouldEqual, 1)
	test.That(t, s.axis.NextDue(), test.ShouldEqual, due)

	test.That(t, s.axis.Tick(ctx, due), test.ShouldBeNil)
	test.That(t, s.trace.Steps(), test.ShouldEqual, 2)
}

type dirRecorder struct {
	*pulse.Trace
	speed  func() float64
	speeds []float64
}

func (p *dirRecorder) SetDirection(ctx context.Context, forward bool) error {
	p.speeds = append(p.speeds, p.speed())
	return p.Trace.SetDirection(ctx, forward)
}

func TestRetargetReversesOnlyAtRest(t *testing.T) {
	var rec *dirRecorder
	var s *sim
	s = newSimWith(t, testLimits, func(tr *pulse.Trace) pulse.Emitter {
		rec = &dirRecorder{Trace: tr, speed: func() float64 { return s.axis.Speed() }}
		return rec
	})

	s.axis.SetTargetPosition(1000)
	for s.axis.Speed() < 400 {
		test.That(t, s.tick(), test.ShouldBeNil)
	}
	turnAt := s.axis.Position()
	s.axis.SetTargetPosition(0)

	furthest := turnAt
	s.settle(func() {
		if p := s.axis.Position(); p > furthest {
			furthest = p
		}
	})

	test.That(t, s.axis.Position(), test.ShouldEqual, 0)
	test.That(t, s.axis.Fault(), test.ShouldBeNil)
	// stopping from 400 steps/s at 500 steps/s^2 takes 160 steps
	test.That(t, furthest, test.ShouldBeBetweenOrEqual, turnAt+150, turnAt+170)

	test.That(t, rec.speeds, test.ShouldResemble, []float64{0, 0})

	// the motor rests for at least one start interval before the reversed step
	var lastForward, firstBackward time.Time
	for _, e := range s.trace.Events() {
		if e.Kind != pulse.EventStep {
			continue
		}
		if e.Forward {
			lastForward = e.Time
		} else if firstBackward.IsZero() {
			firstBackward = e.Time
		}
	}
	test.That(t, firstBackward.Sub(lastForward), test.ShouldBeGreaterThanOrEqualTo, 60*time.Millisecond)
}

func TestSpeedMode(t *testing.T) {
	s := newSim(t, testLimits)
	test.That(t, s.axis.SetTargetSpeed(-200), test.ShouldBeNil)

	end := s.now.Add(2 * time.Second)
	for s.now.Before(end) {
		test.That(t, s.tick(), test.ShouldBeNil)
	}
	test.That(t, s.axis.Speed(), test.ShouldEqual, -200)
	test.That(t, s.axis.Phase(), test.ShouldEqual, profile.Cruising)
	test.That(t, s.axis.IsMoving(), test.ShouldBeTrue)

	before := s.axis.Position()
	test.That(t, s.axis.SetTargetSpeed(0), test.ShouldBeNil)
	s.settle(nil)
	test.That(t, s.axis.IsMoving(), test.ShouldBeFalse)
	// 200^2 / (2*500) = 40 steps to stop
	test.That(t, before-s.axis.Position(), test.ShouldBeBetweenOrEqual, 35, 45)
}

func TestMaxSpeedZeroIsDone(t *testing.T) {
	s := newSim(t, testLimits)
	test.That(t, s.axis.SetMaxSpeed(0), test.ShouldBeNil)
	s.axis.SetTargetPosition(100)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, s.axis.IsMoving(), test.ShouldBeFalse)
	test.That(t, s.trace.Steps(), test.ShouldEqual, 0)
}

func TestLoweringMaxSpeedMidMove(t *testing.T) {
	s := newSim(t, testLimits)
	s.axis.SetTargetPosition(5000)
	for s.axis.Phase() != profile.Cruising {
		test.That(t, s.tick(), test.ShouldBeNil)
	}
	test.That(t, s.axis.SetMaxSpeed(300), test.ShouldBeNil)

	prev := s.axis.Speed()
	s.settle(func() {
		v := s.axis.Speed()
		// never faster than before, never a jump beyond one step of deceleration
		test.That(t, v, test.ShouldBeLessThanOrEqualTo, prev+1e-9)
		if v > 0 {
			test.That(t, prev-v, test.ShouldBeLessThanOrEqualTo, 500/v+1e-6)
		}
		prev = v
	})
	test.That(t, s.axis.Position(), test.ShouldEqual, 5000)
}

// brakeCheck fails the test when a step slows the axis by more than decel/speed.
func brakeCheck(t *testing.T, s *sim) func() {
	prev := math.Abs(s.axis.Speed())
	return func() {
		v := math.Abs(s.axis.Speed())
		if v > 0 && v < prev {
			test.That(t, (prev-v)*prev, test.ShouldBeLessThanOrEqualTo, s.axis.Limits().Decel()*(1+1e-6))
		}
		prev = v
	}
}

func TestLoweringDecelerationMidMove(t *testing.T) {
	s := newSim(t, testLimits)
	s.axis.SetTargetPosition(5000)
	for s.axis.Phase() != profile.Decelerating {
		test.That(t, s.tick(), test.ShouldBeNil)
	}
	test.That(t, s.axis.SetMaxDeceleration(100), test.ShouldBeNil)

	furthest := s.axis.Position()
	check := brakeCheck(t, s)
	s.settle(func() {
		check()
		if p := s.axis.Position(); p > furthest {
			furthest = p
		}
	})
	// too fast to stop in time at the lower rate: runs past and comes back
	test.That(t, furthest, test.ShouldBeGreaterThan, 5000)
	test.That(t, s.axis.Position(), test.ShouldEqual, 5000)
	test.That(t, s.trace.Position(), test.ShouldEqual, 5000)
	test.That(t, s.axis.Fault(), test.ShouldBeNil)
}

func TestRetargetJustAhead(t *testing.T) {
	for _, offset := range []int64{1, 2, 5, 50} {
		t.Run(strconv.FormatInt(offset, 10), func(t *testing.T) {
			s := newSim(t, profile.Limits{MaxSpeed: 400, Acceleration: 500})
			s.axis.SetTargetPosition(5000)
			for s.axis.Phase() != profile.Cruising {
				test.That(t, s.tick(), test.ShouldBeNil)
			}
			target := s.axis.Position() + offset
			s.axis.SetTargetPosition(target)

			check := brakeCheck(t, s)
			s.settle(check)
			test.That(t, s.axis.Position(), test.ShouldEqual, target)
			test.That(t, s.trace.Position(), test.ShouldEqual, target)
			test.That(t, s.axis.Fault(), test.ShouldBeNil)
		})
	}
}

func TestLoweringAccelerationMidMove(t *testing.T) {
	s := newSim(t, testLimits)
	s.axis.SetTargetPosition(-3000)
	for s.axis.Speed() > -300 {
		test.That(t, s.tick(), test.ShouldBeNil)
	}
	// deceleration follows acceleration when it is not set
	test.That(t, s.axis.SetMaxAcceleration(50), test.ShouldBeNil)

	check := brakeCheck(t, s)
	s.settle(check)
	test.That(t, s.axis.Position(), test.ShouldEqual, -3000)
	test.That(t, s.axis.Fault(), test.ShouldBeNil)
}

func TestSetMaxAccelerationRejectsZero(t *testing.T) {
	s := newSim(t, testLimits)
	err := s.axis.SetMaxAcceleration(0)
	test.That(t, errors.Is(err, profile.ErrInvalidAcceleration), test.ShouldBeTrue)
	test.That(t, s.axis.Limits().Acceleration, test.ShouldEqual, 500)

	// the rejected value must not leak into the next move
	s.axis.SetTargetPosition(100)
	s.settle(nil)
	test.That(t, s.axis.Position(), test.ShouldEqual, 100)
}

type flipPlanner struct {
	calls int
}

func (p *flipPlanner) Next(in profile.Input) profile.Step {
	p.calls++
	dir := profile.Forward
	if p.calls%2 == 0 {
		dir = profile.Backward
	}
	return profile.Step{Speed: 100 * float64(dir), Wait: time.Millisecond, Direction: dir, Phase: profile.Cruising}
}

func TestDirectionReversalHaltsMove(t *testing.T) {
	hf := &loop.HighFrequency{}
	s := newSim(t, testLimits, WithPlanner(&flipPlanner{}), WithHighFrequency(hf))
	s.axis.SetTargetPosition(10)

	test.That(t, s.tick(), test.ShouldBeNil)
	err := s.tick()
	test.That(t, errors.Is(err, ErrDirectionReversal), test.ShouldBeTrue)
	test.That(t, s.axis.Fault(), test.ShouldEqual, err)
	test.That(t, s.axis.IsMoving(), test.ShouldBeFalse)
	test.That(t, hf.Active(), test.ShouldBeFalse)

	// halted until a new target arrives
	for i := 0; i < 10; i++ {
		s.now = s.now.Add(time.Millisecond)
		test.That(t, s.tick(), test.ShouldBeNil)
	}
	test.That(t, s.trace.Steps(), test.ShouldEqual, 1)

	s.axis.SetTargetPosition(5)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, s.axis.Fault(), test.ShouldBeNil)
	test.That(t, s.trace.Steps(), test.ShouldEqual, 2)
}

type brokenEmitter struct{}

func (brokenEmitter) SetDirection(ctx context.Context, forward bool) error { return nil }

func (brokenEmitter) Step(ctx context.Context) error { return errors.New("step line shorted") }

func TestEmitterErrorHaltsMove(t *testing.T) {
	a, err := NewAxis(testLimits, brokenEmitter{})
	test.That(t, err, test.ShouldBeNil)
	a.SetTargetPosition(10)

	err = a.Tick(context.Background(), time.Now())
	test.That(t, errors.Is(err, ErrEmitter), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "step line shorted")
	test.That(t, a.Fault(), test.ShouldNotBeNil)
	test.That(t, a.IsMoving(), test.ShouldBeFalse)
	test.That(t, a.Position(), test.ShouldEqual, 0)
}

func TestSleepWhenDone(t *testing.T) {
	s := newSim(t, testLimits, WithSleepWhenDone(50*time.Millisecond), WithWakeDelay(time.Millisecond))
	start := s.now
	s.axis.SetTargetPosition(10)
	s.settle(nil)

	events := s.trace.Events()
	test.That(t, events[0].Kind, test.ShouldEqual, pulse.EventWake)
	test.That(t, events[0].Time, test.ShouldEqual, start)
	test.That(t, events[1].Kind, test.ShouldEqual, pulse.EventDirection)
	test.That(t, events[2].Kind, test.ShouldEqual, pulse.EventStep)
	test.That(t, events[2].Time, test.ShouldEqual, start.Add(time.Millisecond))

	done := s.now
	s.now = done.Add(10 * time.Millisecond)
	test.That(t, s.tick(), test.ShouldBeNil)
	events = s.trace.Events()
	test.That(t, events[len(events)-1].Kind, test.ShouldEqual, pulse.EventStep)

	s.now = done.Add(50 * time.Millisecond)
	test.That(t, s.tick(), test.ShouldBeNil)
	events = s.trace.Events()
	test.That(t, events[len(events)-1].Kind, test.ShouldEqual, pulse.EventSleep)

	// only once
	s.now = done.Add(time.Second)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, s.trace.Events(), test.ShouldHaveLength, len(events))

	s.axis.SetTargetPosition(0)
	test.That(t, s.tick(), test.ShouldBeNil)
	events = s.trace.Events()
	test.That(t, events[len(events)-1].Kind, test.ShouldEqual, pulse.EventWake)
	s.settle(nil)
	test.That(t, s.axis.Position(), test.ShouldEqual, 0)
}

type stuckSleeper struct {
	*pulse.Trace
	failures int
	calls    int
}

func (e *stuckSleeper) SetSleep(ctx context.Context, asleep bool) error {
	if asleep {
		e.calls++
		if e.failures > 0 {
			e.failures--
			return errors.New("sleep line stuck")
		}
	}
	return e.Trace.SetSleep(ctx, asleep)
}

func TestSleepRetriedAfterError(t *testing.T) {
	var em *stuckSleeper
	s := newSimWith(t, testLimits, func(tr *pulse.Trace) pulse.Emitter {
		em = &stuckSleeper{Trace: tr, failures: 1}
		return em
	}, WithSleepWhenDone(10*time.Millisecond))
	s.axis.SetTargetPosition(10)
	s.settle(nil)

	done := s.now
	s.now = done.Add(10 * time.Millisecond)
	err := s.tick()
	test.That(t, errors.Is(err, ErrEmitter), test.ShouldBeTrue)
	events := s.trace.Events()
	test.That(t, events[len(events)-1].Kind, test.ShouldEqual, pulse.EventStep)

	s.now = done.Add(20 * time.Millisecond)
	test.That(t, s.tick(), test.ShouldBeNil)
	events = s.trace.Events()
	test.That(t, events[len(events)-1].Kind, test.ShouldEqual, pulse.EventSleep)
	test.That(t, em.calls, test.ShouldEqual, 2)

	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, em.calls, test.ShouldEqual, 2)

	// and wakes again for the next move
	s.axis.SetTargetPosition(0)
	s.settle(nil)
	test.That(t, s.axis.Position(), test.ShouldEqual, 0)
	test.That(t, s.axis.Fault(), test.ShouldBeNil)
}

func TestHighFrequencyHeldWhileMoving(t *testing.T) {
	hf := &loop.HighFrequency{}
	s := newSim(t, testLimits, WithHighFrequency(hf))

	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, hf.Active(), test.ShouldBeFalse)

	s.axis.SetTargetPosition(20)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, hf.Active(), test.ShouldBeTrue)

	// retargeting mid-move keeps the single request
	s.axis.SetTargetPosition(30)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, hf.Active(), test.ShouldBeTrue)

	s.settle(nil)
	test.That(t, hf.Active(), test.ShouldBeFalse)
	test.That(t, s.axis.Position(), test.ShouldEqual, 30)
}

func TestReportPosition(t *testing.T) {
	s := newSim(t, testLimits, WithInitialPosition(-20))
	test.That(t, s.axis.Position(), test.ShouldEqual, -20)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, s.axis.IsMoving(), test.ShouldBeFalse)

	s.axis.ReportPosition(500)
	test.That(t, s.axis.Synced(), test.ShouldBeFalse)
	test.That(t, s.tick(), test.ShouldBeNil)
	test.That(t, s.axis.Synced(), test.ShouldBeTrue)
	test.That(t, s.axis.Position(), test.ShouldEqual, 500)
	test.That(t, s.axis.IsMoving(), test.ShouldBeFalse)
	test.That(t, s.trace.Steps(), test.ShouldEqual, 0)

	s.axis.SetTargetPosition(510)
	s.settle(nil)
	test.That(t, s.axis.Position(), test.ShouldEqual, 510)
	test.That(t, s.trace.Position(), test.ShouldEqual, 10)
}

func TestStore(t *testing.T) {
	changes := 0
	st, err := NewStore(testLimits, WithOnChange(func() { changes++ }))
	test.That(t, err, test.ShouldBeNil)

	first := st.Snapshot()
	st.SetTargetPosition(5)
	test.That(t, st.Snapshot().Version, test.ShouldEqual, first.Version+1)
	test.That(t, st.Snapshot().TargetSeq, test.ShouldEqual, 1)
	test.That(t, changes, test.ShouldEqual, 1)
	// snapshots are never modified in place
	test.That(t, first.Goal.Position, test.ShouldEqual, 0)

	t.Run("rejected mutations keep the prior value", func(t *testing.T) {
		version := st.Snapshot().Version
		for _, tc := range []struct {
			set  func(float64) error
			bad  float64
			want error
		}{
			{st.SetMaxAcceleration, 0, profile.ErrInvalidAcceleration},
			{st.SetMaxAcceleration, -3, profile.ErrInvalidAcceleration},
			{st.SetMaxAcceleration, math.NaN(), profile.ErrInvalidAcceleration},
			{st.SetMaxDeceleration, -1, profile.ErrInvalidDeceleration},
			{st.SetMaxSpeed, -1, profile.ErrInvalidMaxSpeed},
			{st.SetMaxSpeed, math.Inf(1), profile.ErrInvalidMaxSpeed},
			{st.SetTargetSpeed, math.Inf(-1), profile.ErrInvalidTargetSpeed},
		} {
			err := tc.set(tc.bad)
			test.That(t, errors.Is(err, tc.want), test.ShouldBeTrue)
		}
		test.That(t, st.Snapshot().Version, test.ShouldEqual, version)
		test.That(t, st.Limits(), test.ShouldResemble, testLimits)
		test.That(t, changes, test.ShouldEqual, 1)
	})

	test.That(t, st.SetMaxDeceleration(0), test.ShouldBeNil)
	test.That(t, st.SetMaxSpeed(0), test.ShouldBeNil)
	test.That(t, st.SetLimits(profile.Limits{MaxSpeed: 10, Acceleration: 1, Deceleration: 2}), test.ShouldBeNil)
	test.That(t, st.Limits().Deceleration, test.ShouldEqual, 2)

	st.ReportPosition(7)
	snap := st.Snapshot()
	test.That(t, snap.Report, test.ShouldResemble, PositionReport{Seq: 1, Steps: 7})
	test.That(t, snap.Goal, test.ShouldResemble, profile.PositionGoal(7))

	_, err = NewStore(profile.Limits{MaxSpeed: 10})
	test.That(t, errors.Is(err, profile.ErrInvalidAcceleration), test.ShouldBeTrue)
}

func TestNewScheduler(t *testing.T) {
	st, err := NewStore(testLimits)
	test.That(t, err, test.ShouldBeNil)
	_, err = NewScheduler(nil, pulse.NewTrace(nil, nil))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewScheduler(st, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConcurrentCommands(t *testing.T) {
	s := newSim(t, testLimits)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		targets := []int64{300, -200, 0, 1000}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.axis.SetTargetPosition(targets[i%len(targets)])
			//nolint:errcheck
			s.axis.SetMaxSpeed(float64(500 + 100*(i%5)))
			time.Sleep(50 * time.Microsecond)
		}
	}()

	for i := 0; i < 20000; i++ {
		test.That(t, s.tick(), test.ShouldBeNil)
		// queries are safe while the tick loop runs
		_ = s.axis.IsMoving()
		_ = s.axis.Speed()
	}
	close(stop)
	wg.Wait()

	s.axis.SetTargetPosition(42)
	s.settle(nil)
	test.That(t, s.axis.Position(), test.ShouldEqual, 42)
	test.That(t, s.trace.Position(), test.ShouldEqual, 42)
}
