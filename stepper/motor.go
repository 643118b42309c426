// Package stepper implements an open-loop stepper motor on top of a motion axis.
// The driver models (a4988, uln2003) only differ in how steps reach the hardware.
package stepper

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/stepper-drivers/loop"
	"github.com/viam-modules/stepper-drivers/motion"
	"github.com/viam-modules/stepper-drivers/profile"
	"github.com/viam-modules/stepper-drivers/pulse"
)

// Defaults applied when the config leaves a value unset.
const (
	DefaultMaxRPM          = 200
	DefaultMaxAcceleration = 200 // rpm/s
)

const pollInterval = 10 * time.Millisecond

// Settings are the kinematic attributes every model shares.
type Settings struct {
	TicksPerRotation int
	MaxRPM           float64
	Acceleration     float64 // rpm/s
	Deceleration     float64 // rpm/s, zero means same as Acceleration
	SleepWhenDone    bool
	IdleGrace        time.Duration
}

// Validate checks the settings. The field names in errors are the JSON attribute names.
func (s Settings) Validate(path string) error {
	if s.TicksPerRotation <= 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "ticks_per_rotation")
	}
	if s.MaxRPM < 0 {
		return errors.Errorf("%s: max_rpm can't be negative", path)
	}
	if s.Acceleration < 0 {
		return errors.Errorf("%s: max_acceleration_rpm_per_sec can't be negative", path)
	}
	if s.Deceleration < 0 {
		return errors.Errorf("%s: max_deceleration_rpm_per_sec can't be negative", path)
	}
	if s.IdleGrace < 0 {
		return errors.Errorf("%s: idle_grace_ms can't be negative", path)
	}
	return nil
}

// A Motor is an open-loop stepper motor. Every motor runs its own host loop.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	axis       *motion.Axis
	host       *loop.Host
	unregister func()
	emitter    pulse.Emitter
	logger     logging.Logger
	opMgr      *operation.SingleOperationManager
	motorName  string

	ticksPerRotation int
	maxRPM           float64

	mu       sync.Mutex
	limits   profile.Limits // configured, before per-move overrides
	powerPct float64
}

// NewMotor returns a started motor stepping through emitter.
func NewMotor(
	ctx context.Context,
	name resource.Name,
	emitter pulse.Emitter,
	s Settings,
	logger logging.Logger,
) (*Motor, error) {
	if err := s.Validate(name.ShortName()); err != nil {
		return nil, err
	}
	if s.MaxRPM == 0 {
		logger.CWarnf(ctx, "max_rpm not set, setting to %d rpm", DefaultMaxRPM)
		s.MaxRPM = DefaultMaxRPM
	}
	if s.Acceleration == 0 {
		logger.CWarnf(ctx, "max_acceleration_rpm_per_sec not set, setting to %d rpm/sec", DefaultMaxAcceleration)
		s.Acceleration = DefaultMaxAcceleration
	}

	limits := profile.Limits{
		MaxSpeed:     rpmToSteps(s.MaxRPM, s.TicksPerRotation),
		Acceleration: rpmToSteps(s.Acceleration, s.TicksPerRotation),
		Deceleration: rpmToSteps(s.Deceleration, s.TicksPerRotation),
	}

	host := loop.NewHost(logger)
	opts := []motion.Option{
		motion.WithHighFrequency(host.HighFrequency()),
		motion.WithOnChange(host.Wake),
	}
	if s.SleepWhenDone {
		opts = append(opts, motion.WithSleepWhenDone(s.IdleGrace))
	}
	axis, err := motion.NewAxis(limits, emitter, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating motor (%s)", name.ShortName())
	}

	// the scheduler wakes the driver before the first move
	if sleeper, ok := emitter.(pulse.Sleeper); ok {
		if err := sleeper.SetSleep(ctx, true); err != nil {
			return nil, err
		}
	}

	m := &Motor{
		Named:            name.AsNamed(),
		axis:             axis,
		host:             host,
		emitter:          emitter,
		logger:           logger,
		opMgr:            operation.NewSingleOperationManager(),
		motorName:        name.ShortName(),
		ticksPerRotation: s.TicksPerRotation,
		maxRPM:           s.MaxRPM,
		limits:           limits,
	}
	m.unregister = host.Register(axis)
	host.Start()
	return m, nil
}

// moveLimits returns the configured limits with the speed capped at rpm and any
// ramp_parameters in extra applied.
func (m *Motor) moveLimits(rpm float64, extra map[string]interface{}) (profile.Limits, error) {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	limits.MaxSpeed = rpmToSteps(math.Min(math.Abs(rpm), m.maxRPM), m.ticksPerRotation)
	if extra == nil {
		return limits, nil
	}
	override, err := parseRampParametersFromExtra(extra)
	if err != nil {
		return profile.Limits{}, err
	}
	if override != nil {
		limits = mergeRampParameters(limits, *override, m.ticksPerRotation)
	}
	return limits, nil
}

func (m *Motor) setPowerPct(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerPct = pct
}

// GoTo moves to the specified position in terms of (provided in revolutions from home/zero),
// at a specific speed. Regardless of the directionality of the RPM this function will move the
// motor towards the specified target.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	opCtx, done := m.opMgr.New(ctx)
	defer done()

	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}

	limits, err := m.moveLimits(rpm, extra)
	if err != nil {
		return errors.Wrapf(err, "error parsing ramp_parameters in GoTo from motor (%s)", m.motorName)
	}
	if err := m.axis.SetLimits(limits); err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}

	target := int64(math.Round(positionRevolutions * float64(m.ticksPerRotation)))
	m.logger.Debugf("motor (%s) going to step %d at rpm %.2f", m.motorName, target, math.Abs(rpm))
	m.setPowerPct(math.Min(math.Abs(rpm)/m.maxRPM, 1))
	m.axis.SetTargetPosition(target)

	if err := m.opMgr.WaitForSuccess(opCtx, pollInterval, m.moveFinished); err != nil {
		if ctx.Err() != nil {
			// the caller gave up rather than another command taking over
			m.halt()
		}
		return err
	}
	return nil
}

// GoFor turns in the given direction the given number of times at the given speed.
// Both the RPM and the revolutions can be assigned negative values to move in a backwards direction.
// Note: if both are negative the motor will spin in the forward direction.
// Zero revolutions spins the motor until it is told otherwise.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}

	if revolutions == 0 {
		return m.SetRPM(ctx, rpm, extra)
	}

	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
	}

	d := 1.0
	if math.Signbit(revolutions) != math.Signbit(rpm) {
		d = -1
	}
	target := curPos + math.Abs(revolutions)*d
	return m.GoTo(ctx, math.Abs(rpm), target, extra)
}

// SetRPM instructs the motor to move at the specified RPM indefinitely.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	return m.doJog(ctx, rpm, extra)
}

// SetPower sets the motor at a particular rpm based on the percent of
// maxRPM supplied by powerPct (between -1 and 1).
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	return m.doJog(ctx, powerPct*m.maxRPM, extra)
}

// Jog sets a fixed RPM.
func (m *Motor) Jog(ctx context.Context, rpm float64) error {
	m.opMgr.CancelRunning(ctx)
	return m.doJog(ctx, rpm, nil)
}

func (m *Motor) doJog(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	// only display warnings if rpm != 0 because Stop ends up here with an rpm of 0
	if rpm != 0 {
		if warning != "" {
			m.logger.CWarn(ctx, warning)
		}
		if err != nil {
			m.logger.CError(ctx, err)
		}
	}

	limits, err := m.moveLimits(m.maxRPM, extra)
	if err != nil {
		return errors.Wrapf(err, "error parsing ramp_parameters from motor (%s)", m.motorName)
	}
	rpm = math.Max(-m.maxRPM, math.Min(rpm, m.maxRPM))
	m.setPowerPct(rpm / m.maxRPM)
	return multierr.Combine(
		m.axis.SetLimits(limits),
		m.axis.SetTargetSpeed(rpmToSteps(rpm, m.ticksPerRotation)),
	)
}

// moveFinished reports whether the last command has been taken up by the scheduler and
// the axis is at rest. A halted move is an error.
func (m *Motor) moveFinished(ctx context.Context) (bool, error) {
	if !m.axis.Synced() {
		return false, nil
	}
	if err := m.axis.Fault(); err != nil {
		return false, errors.Wrapf(err, "motor (%s) halted", m.motorName)
	}
	return !m.axis.IsMoving(), nil
}

// halt decelerates to rest at the configured deceleration.
func (m *Motor) halt() {
	m.setPowerPct(0)
	//nolint:errcheck
	m.axis.SetTargetSpeed(0)
}

// Stop decelerates the motor to rest. It does not wait for the motor to stop.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.halt()
	return nil
}

// Position reports the position of the motor in revolutions. It is the number of
// steps emitted, not a measurement.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return float64(m.axis.Position()) / float64(m.ticksPerRotation), nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// IsPowered returns true if the motor is currently moving.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	on, err := m.IsMoving(ctx)
	if err != nil {
		return on, 0, errors.Wrapf(err, "error in IsPowered from motor (%s)", m.motorName)
	}
	if !on {
		return false, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return true, m.powerPct, nil
}

// IsMoving returns true if the motor is currently moving.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	return m.axis.IsMoving(), nil
}

// ResetZeroPosition sets the current position of the motor specified by the request
// (adjusted by a given offset) to be its new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	// an unsynced axis may be about to start a move the host has not picked up yet
	if m.axis.IsMoving() || !m.axis.Synced() {
		return errors.Errorf("can't zero motor (%s) while moving", m.motorName)
	}
	m.axis.ReportPosition(int64(math.Round(-1 * offset * float64(m.ticksPerRotation))))
	return m.opMgr.WaitForSuccess(ctx, time.Millisecond, func(ctx context.Context) (bool, error) {
		return m.axis.Synced(), nil
	})
}

// DoCommand() related constants.
const (
	Command         = "command"
	Jog             = "jog"
	RPMVal          = "rpm"
	Status          = "status"
	SetAcceleration = "set_acceleration"
	AccelerationVal = "rpm_per_sec"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Status:
		return m.status(), nil
	case Jog:
		rpm, ok := toFloat64(cmd[RPMVal])
		if !ok {
			return nil, errors.Errorf("need numeric %s value for jog", RPMVal)
		}
		return nil, m.Jog(ctx, rpm)
	case SetAcceleration:
		acc, ok := toFloat64(cmd[AccelerationVal])
		if !ok {
			return nil, errors.Errorf("need numeric %s value for set_acceleration", AccelerationVal)
		}
		return nil, m.setAcceleration(acc)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func (m *Motor) status() map[string]interface{} {
	fault := ""
	if err := m.axis.Fault(); err != nil {
		fault = err.Error()
	}
	return map[string]interface{}{
		"position_steps": m.axis.Position(),
		"rpm":            stepsToRPM(m.axis.Speed(), m.ticksPerRotation),
		"phase":          m.axis.Phase().String(),
		"moving":         m.axis.IsMoving(),
		"fault":          fault,
	}
}

// setAcceleration changes the configured acceleration for every following move.
func (m *Motor) setAcceleration(rpmPerSec float64) error {
	steps := rpmToSteps(rpmPerSec, m.ticksPerRotation)
	if err := m.axis.SetMaxAcceleration(steps); err != nil {
		return errors.Wrapf(err, "error in set_acceleration from motor (%s)", m.motorName)
	}
	m.mu.Lock()
	m.limits.Acceleration = steps
	m.mu.Unlock()
	return nil
}

// Close stops the host loop and puts the driver to sleep.
func (m *Motor) Close(ctx context.Context) error {
	m.opMgr.CancelRunning(ctx)
	m.unregister()
	m.host.Close()
	if sleeper, ok := m.emitter.(pulse.Sleeper); ok {
		return sleeper.SetSleep(ctx, true)
	}
	return nil
}
