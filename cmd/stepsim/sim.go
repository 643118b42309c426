package main

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/stepper-drivers/loop"
	"github.com/viam-modules/stepper-drivers/motion"
	"github.com/viam-modules/stepper-drivers/profile"
	"github.com/viam-modules/stepper-drivers/pulse"
)

// MaxUnattended bounds simulated time when no duration is configured and the axis
// never comes to rest, e.g. when it was left in speed mode.
const MaxUnattended = time.Hour

// Command ops.
const (
	OpPosition     = "position"
	OpSpeed        = "speed"
	OpMaxSpeed     = "max_speed"
	OpAcceleration = "acceleration"
	OpDeceleration = "deceleration"
	OpReport       = "report"
)

// Command is a single command sent to the axis at a point in simulated time.
type Command struct {
	// At is the time in seconds after the start of the simulation
	At float64 `koanf:"at" yaml:"at"`

	// Op is one of position, speed, max_speed, acceleration, deceleration or report
	Op string `koanf:"op" yaml:"op"`

	// Value is in steps, steps/s or steps/s^2 depending on Op
	Value float64 `koanf:"value" yaml:"value"`
}

func (c Command) apply(axis *motion.Axis) error {
	switch strings.ToLower(c.Op) {
	case OpPosition:
		axis.SetTargetPosition(int64(math.Round(c.Value)))
		return nil
	case OpSpeed:
		return axis.SetTargetSpeed(c.Value)
	case OpMaxSpeed:
		return axis.SetMaxSpeed(c.Value)
	case OpAcceleration:
		return axis.SetMaxAcceleration(c.Value)
	case OpDeceleration:
		return axis.SetMaxDeceleration(c.Value)
	case OpReport:
		axis.ReportPosition(int64(math.Round(c.Value)))
		return nil
	default:
		return errors.Errorf("unknown op %q", c.Op)
	}
}

// Config is a simulation setup.
type Config struct {
	MaxSpeed      float64 `koanf:"max_speed" yaml:"max_speed"`
	Acceleration  float64 `koanf:"acceleration" yaml:"acceleration"`
	Deceleration  float64 `koanf:"deceleration" yaml:"deceleration"`
	StartPosition int64   `koanf:"start_position" yaml:"start_position"`

	// Duration is the simulated time in seconds.  Zero runs until the axis is at
	// rest after the last command.
	Duration float64 `koanf:"duration" yaml:"duration"`

	SleepWhenDone bool `koanf:"sleep_when_done" yaml:"sleep_when_done"`
	IdleGraceMS   int  `koanf:"idle_grace_ms" yaml:"idle_grace_ms"`

	// Output is where the CSV trace goes, - is stdout
	Output string `koanf:"output" yaml:"output"`

	Commands []Command `koanf:"commands" yaml:"commands"`
}

// DefaultConfig is a short trapezoidal move.
func DefaultConfig() Config {
	return Config{
		MaxSpeed:     1000,
		Acceleration: 500,
		Output:       "-",
		Commands:     []Command{{At: 0, Op: OpPosition, Value: 100}},
	}
}

// Validate checks the parts of a config the axis does not check itself.
func (c Config) Validate() error {
	if c.Duration < 0 || !isFinite(c.Duration) {
		return errors.New("duration must be a non-negative number of seconds")
	}
	if c.IdleGraceMS < 0 {
		return errors.New("idle_grace_ms can't be negative")
	}
	for i, cmd := range c.Commands {
		if cmd.At < 0 || !isFinite(cmd.At) {
			return errors.Errorf("command %d: at must be a non-negative number of seconds", i)
		}
		switch strings.ToLower(cmd.Op) {
		case OpPosition, OpSpeed, OpMaxSpeed, OpAcceleration, OpDeceleration, OpReport:
		default:
			return errors.Errorf("command %d: unknown op %q", i, cmd.Op)
		}
	}
	return nil
}

func (c Config) limits() profile.Limits {
	return profile.Limits{MaxSpeed: c.MaxSpeed, Acceleration: c.Acceleration, Deceleration: c.Deceleration}
}

// Result is the outcome of a simulation.
type Result struct {
	Events   []pulse.Event
	Position int64
	Elapsed  time.Duration
	// Rejected counts commands the axis refused.
	Rejected int
	Fault    error
}

var epoch = time.Unix(0, 0).UTC()

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Simulate runs an axis against a virtual clock.  The host loop is driven by hand
// and time jumps straight to whatever the loop or the next command is waiting for.
func Simulate(ctx context.Context, c Config, logger logging.Logger) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	pending := append([]Command(nil), c.Commands...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].At < pending[j].At })

	now := epoch
	trace := pulse.NewTrace(func() time.Time { return now }, nil)
	host := loop.NewHost(logger, loop.WithSpinWindow(0))

	opts := []motion.Option{
		motion.WithHighFrequency(host.HighFrequency()),
		motion.WithInitialPosition(c.StartPosition),
	}
	if c.SleepWhenDone {
		opts = append(opts, motion.WithSleepWhenDone(time.Duration(c.IdleGraceMS)*time.Millisecond))
	}
	axis, err := motion.NewAxis(c.limits(), trace, opts...)
	if err != nil {
		return Result{}, err
	}
	unregister := host.Register(axis)
	defer unregister()

	var (
		end      = epoch.Add(seconds(c.Duration))
		limit    = epoch.Add(MaxUnattended)
		rejected int
		stalls   int
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for len(pending) > 0 && !epoch.Add(seconds(pending[0].At)).After(now) {
			if err := pending[0].apply(axis); err != nil {
				logger.Warnw("command rejected", "at", pending[0].At, "op", pending[0].Op, "error", err)
				rejected++
			}
			pending = pending[1:]
		}

		wait := host.RunOnce(ctx, now)

		if c.Duration > 0 {
			if !now.Before(end) {
				break
			}
		} else if len(pending) == 0 && axis.Synced() && !axis.IsMoving() && (!c.SleepWhenDone || asleep(trace)) {
			break
		} else if now.After(limit) {
			return Result{}, errors.Errorf("axis still moving after %v of simulated time", MaxUnattended)
		}

		if wait <= 0 {
			// a pass that was due got ticked, the next one must be later
			if stalls++; stalls > 16 {
				return Result{}, errors.Errorf("simulation stalled at %v", now.Sub(epoch))
			}
			continue
		}
		stalls = 0

		next := now.Add(wait)
		if len(pending) > 0 {
			if at := epoch.Add(seconds(pending[0].At)); at.Before(next) {
				next = at
			}
		}
		if c.Duration > 0 && end.Before(next) {
			next = end
		}
		now = next
	}

	logger.Debugw("simulation done", "steps", trace.Steps(), "position", axis.Position(), "elapsed", now.Sub(epoch))
	return Result{
		Events:   trace.Events(),
		Position: axis.Position(),
		Elapsed:  now.Sub(epoch),
		Rejected: rejected,
		Fault:    axis.Fault(),
	}, nil
}

// asleep reports whether the last sleep or wake the trace saw was a sleep. A driver
// that was never woken counts as asleep.
func asleep(trace *pulse.Trace) bool {
	events := trace.Events()
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Kind {
		case pulse.EventSleep:
			return true
		case pulse.EventWake:
			return false
		default:
		}
	}
	return true
}

// WriteCSV writes one row per event with the time in microseconds since the start.
func WriteCSV(w io.Writer, events []pulse.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time_us", "event", "forward", "net_steps"}); err != nil {
		return err
	}
	for _, ev := range events {
		row := []string{
			strconv.FormatInt(ev.Time.Sub(epoch).Microseconds(), 10),
			ev.Kind.String(),
			strconv.FormatBool(ev.Forward),
			strconv.FormatInt(ev.Position, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
