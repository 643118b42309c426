// Package profile computes trapezoidal velocity profiles for a single stepper axis.
// It performs no I/O: every decision is a function of the Input it is handed.
package profile

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Forever is the wait reported once a move is done.
const Forever = time.Duration(math.MaxInt64)

// Configuration errors.
var (
	ErrInvalidMaxSpeed     = errors.New("max speed must be a finite, non-negative number")
	ErrInvalidAcceleration = errors.New("max acceleration must be a finite, positive number")
	ErrInvalidDeceleration = errors.New("max deceleration must be a finite, positive number")
	ErrInvalidTargetSpeed  = errors.New("target speed must be a finite number")
)

// Mode selects which part of a Goal is active.
type Mode int

// Goal modes.
const (
	ModePosition Mode = iota
	ModeSpeed
)

func (m Mode) String() string {
	if m == ModeSpeed {
		return "speed"
	}
	return "position"
}

// Direction of a step.
type Direction int8

// Step directions.
const (
	Backward Direction = -1
	Forward  Direction = 1
)

// Forward reports whether d is the forward direction.
func (d Direction) Forward() bool {
	return d == Forward
}

// Phase is the part of the trapezoid a step belongs to.
type Phase int

// Profile phases.
const (
	Idle Phase = iota
	Accelerating
	Cruising
	Decelerating
)

func (p Phase) String() string {
	switch p {
	case Accelerating:
		return "accelerating"
	case Cruising:
		return "cruising"
	case Decelerating:
		return "decelerating"
	default:
		return "idle"
	}
}

// Goal is either an absolute position (steps) or a continuous speed (steps/s).
type Goal struct {
	Mode     Mode
	Position int64
	Speed    float64
}

// PositionGoal returns a goal that moves to the given absolute step.
func PositionGoal(steps int64) Goal {
	return Goal{Mode: ModePosition, Position: steps}
}

// SpeedGoal returns a goal that rotates continuously at the given signed speed.
func SpeedGoal(stepsPerSec float64) Goal {
	return Goal{Mode: ModeSpeed, Speed: stepsPerSec}
}

// Limits bounds the motion of an axis. A zero Deceleration means the axis
// decelerates at its Acceleration.
type Limits struct {
	MaxSpeed     float64 // steps/s
	Acceleration float64 // steps/s^2
	Deceleration float64 // steps/s^2
}

// Validate checks the limits for configuration errors.
func (l Limits) Validate() error {
	if !finite(l.MaxSpeed) || l.MaxSpeed < 0 {
		return errors.Wrapf(ErrInvalidMaxSpeed, "got %v", l.MaxSpeed)
	}
	if !finite(l.Acceleration) || l.Acceleration <= 0 {
		return errors.Wrapf(ErrInvalidAcceleration, "got %v", l.Acceleration)
	}
	if !finite(l.Deceleration) || l.Deceleration < 0 {
		return errors.Wrapf(ErrInvalidDeceleration, "got %v", l.Deceleration)
	}
	return nil
}

// Decel returns the effective deceleration.
func (l Limits) Decel() float64 {
	if l.Deceleration > 0 {
		return l.Deceleration
	}
	return l.Acceleration
}

// StartInterval is the time needed to cover one step from standstill.
func (l Limits) StartInterval() float64 {
	return math.Sqrt(2 / l.Acceleration)
}

// StoppingDistance returns the number of steps needed to come to rest from speed.
func StoppingDistance(speed, decel float64) float64 {
	return speed * speed / (2 * decel)
}

// BrakingSpeed is the fastest an axis may move with steps still to go after the
// current one and still land on its target, slowing by at most decel/speed per step.
// It stays below the continuous bound sqrt(2*decel*steps) and each value can be
// braked down to the next one in a single step.
func BrakingSpeed(steps, decel float64) float64 {
	if steps <= 0 {
		return 0
	}
	return math.Sqrt(decel * math.Max(2*steps-1-0.6*math.Log(steps), 0))
}

// brakeSlack absorbs rounding so a speed sitting on the braking curve can always
// be brought down to the next point of it.
const brakeSlack = 1e-9

// Input is everything the generator looks at.
type Input struct {
	Position int64
	Speed    float64 // signed, steps/s
	Goal     Goal
	Limits   Limits
	Elapsed  time.Duration // since the previous step
}

// Step is the generator's decision for the step that is due now.
type Step struct {
	Speed     float64 // signed speed once this step is taken
	Wait      time.Duration
	Direction Direction
	Phase     Phase
	Done      bool
}

// Generator is the trapezoidal profile generator. The zero value is ready to use.
type Generator struct{}

// Next decides the step that is due now. Limits are assumed valid.
func (Generator) Next(in Input) Step {
	lim := in.Limits
	decel := lim.Decel()

	remaining := 0.0
	ceiling := lim.MaxSpeed
	switch in.Goal.Mode {
	case ModeSpeed:
		ceiling = math.Min(math.Abs(in.Goal.Speed), lim.MaxSpeed)
		if ceiling > 0 {
			remaining = math.Copysign(math.Inf(1), in.Goal.Speed)
		}
	default:
		remaining = distance(in.Goal.Position, in.Position)
	}

	speed := math.Abs(in.Speed)
	var dir Direction
	switch {
	case in.Speed > 0:
		dir = Forward
	case in.Speed < 0:
		dir = Backward
	case remaining == 0 || ceiling == 0:
		return Step{Wait: Forever, Phase: Idle, Done: true}
	case remaining > 0:
		dir = Forward
	default:
		dir = Backward
	}

	dt := lim.StartInterval()
	if speed > 0 {
		dt = 1 / speed
		if e := in.Elapsed.Seconds(); e > 0 && e < dt {
			dt = e
		}
	}

	ahead := remaining * float64(dir)
	var next float64
	var phase Phase
	switch {
	case ahead <= 0:
		// target is behind us or reached while moving: stop first, reverse later
		next, phase = math.Max(speed-decel*dt, 0), Decelerating
	case speed > ceiling:
		next, phase = math.Max(speed-decel*dt, ceiling), Decelerating
	case speed < ceiling:
		next, phase = math.Min(speed+lim.Acceleration*dt, ceiling), Accelerating
	default:
		next, phase = ceiling, Cruising
	}

	// Brake along the braking curve, never harder than decel. An axis that is
	// already above the curve (target moved closer, deceleration lowered) overshoots
	// and comes back through the ahead <= 0 case above.
	if ahead > 0 && !math.IsInf(ahead, 1) {
		if limit := BrakingSpeed(ahead-1, decel); next > limit {
			floor := 0.0
			if speed > 0 {
				floor = speed - decel/speed*(1+brakeSlack)
			}
			next = math.Max(limit, floor)
			if next < speed {
				phase = Decelerating
			}
		}
	}

	step := Step{Direction: dir, Phase: phase}
	switch {
	case next > 0:
		step.Speed = next * float64(dir)
		step.Wait = interval(next)
	case ahead == 1 || ceiling == 0:
		// this step settles the move
		step.Wait = 0
	default:
		step.Wait = seconds(lim.StartInterval())
	}
	return step
}

// distance returns to-from without wrapping around when the difference does not
// fit an int64.
func distance(to, from int64) float64 {
	d := to - from
	if (to > from) != (d > 0) {
		return float64(to) - float64(from)
	}
	return float64(d)
}

// interval converts a speed in steps/s to the time between steps.
func interval(speed float64) time.Duration {
	return seconds(1 / speed)
}

func seconds(secs float64) time.Duration {
	if secs >= Forever.Seconds() {
		return Forever
	}
	return time.Duration(secs * float64(time.Second))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
