// Package pulse turns step decisions into edges on a motor driver's input lines.
package pulse

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
)

// Emitter drives the direction line and emits single steps.
type Emitter interface {
	// SetDirection selects the direction of every following step.
	SetDirection(ctx context.Context, forward bool) error
	// Step emits one step pulse.
	Step(ctx context.Context) error
}

// Sleeper is implemented by emitters that can power down the driver stage.
type Sleeper interface {
	SetSleep(ctx context.Context, asleep bool) error
}

// StepDirPins are the lines of a step/direction driver such as the A4988 or DRV8825.
type StepDirPins struct {
	Step      board.GPIOPin
	Direction board.GPIOPin
	// SleepLow is the driver's active low sleep input. Optional.
	SleepLow board.GPIOPin
	// EnableLow is the driver's active low enable input. Optional.
	EnableLow board.GPIOPin
	// InvertDirection flips the level written for forward steps.
	InvertDirection bool
}

// StepDir is an Emitter for step/direction drivers.
type StepDir struct {
	pins StepDirPins
}

// NewStepDir returns an emitter for the given pins.
func NewStepDir(pins StepDirPins) (*StepDir, error) {
	if pins.Step == nil {
		return nil, errors.New("step pin is required")
	}
	if pins.Direction == nil {
		return nil, errors.New("direction pin is required")
	}
	return &StepDir{pins: pins}, nil
}

// SetDirection drives the direction line.
func (s *StepDir) SetDirection(ctx context.Context, forward bool) error {
	return s.pins.Direction.Set(ctx, forward != s.pins.InvertDirection, nil)
}

// Step drives the step line high and back low.
func (s *StepDir) Step(ctx context.Context) error {
	if err := s.pins.Step.Set(ctx, true, nil); err != nil {
		return err
	}
	return s.pins.Step.Set(ctx, false, nil)
}

// SetSleep puts the driver to sleep and disables its outputs, or wakes it.
// Without sleep or enable pins it does nothing.
func (s *StepDir) SetSleep(ctx context.Context, asleep bool) error {
	var err error
	if s.pins.SleepLow != nil {
		err = multierr.Combine(err, s.pins.SleepLow.Set(ctx, !asleep, nil))
	}
	if s.pins.EnableLow != nil {
		err = multierr.Combine(err, s.pins.EnableLow.Set(ctx, asleep, nil))
	}
	return err
}
