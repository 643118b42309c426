package motion

import (
	"math"
	"time"

	"github.com/viam-modules/stepper-drivers/loop"
	"github.com/viam-modules/stepper-drivers/profile"
)

// DefaultWakeDelay is how long the driver gets to come out of sleep before the
// first step of a move.
const DefaultWakeDelay = time.Millisecond

// Planner decides the next step. profile.Generator is the default.
type Planner interface {
	Next(in profile.Input) profile.Step
}

type options struct {
	planner         Planner
	hf              *loop.HighFrequency
	sleepWhenDone   bool
	sleepGrace      time.Duration
	wakeDelay       time.Duration
	initialPosition int64
	onChange        func()
}

func newOptions(opts []Option) options {
	o := options{
		planner:   profile.Generator{},
		wakeDelay: DefaultWakeDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hf == nil {
		o.hf = &loop.HighFrequency{}
	}
	return o
}

// Option configures a Store, a Scheduler or an Axis.
type Option func(*options)

// WithPlanner replaces the trapezoidal profile generator.
func WithPlanner(p Planner) Option {
	return func(o *options) {
		o.planner = p
	}
}

// WithHighFrequency makes the scheduler hold a request on hf while it moves.
func WithHighFrequency(hf *loop.HighFrequency) Option {
	return func(o *options) {
		o.hf = hf
	}
}

// WithSleepWhenDone puts the driver to sleep once the axis has been idle for grace.
// It only has an effect on emitters that implement pulse.Sleeper.
func WithSleepWhenDone(grace time.Duration) Option {
	return func(o *options) {
		o.sleepWhenDone = true
		o.sleepGrace = grace
	}
}

// WithWakeDelay sets the pause between waking the driver and the first step.
func WithWakeDelay(d time.Duration) Option {
	return func(o *options) {
		o.wakeDelay = d
	}
}

// WithInitialPosition sets the position the axis believes it is at on start.
func WithInitialPosition(steps int64) Option {
	return func(o *options) {
		o.initialPosition = steps
	}
}

// WithOnChange registers fn to run after every accepted store mutation.
func WithOnChange(fn func()) Option {
	return func(o *options) {
		o.onChange = fn
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
