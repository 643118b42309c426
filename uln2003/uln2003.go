// Package uln2003 implements a unipolar stepper motor (such as the 28BYJ-48) driven
// through a ULN2003 darlington array on four GPIO pins.
package uln2003

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/stepper-drivers/pulse"
	"github.com/viam-modules/stepper-drivers/stepper"
)

// PinConfig defines the mapping of where the coils are wired.
type PinConfig struct {
	A string `json:"a"`
	B string `json:"b"`
	C string `json:"c"`
	D string `json:"d"`
}

// Config describes the configuration of a motor.
type Config struct {
	Pins             PinConfig `json:"pins"`
	BoardName        string    `json:"board"`
	StepMode         string    `json:"step_mode,omitempty"` // FULL_STEP (default), HALF_STEP or WAVE_DRIVE
	TicksPerRotation int       `json:"ticks_per_rotation"`
	MaxRPM           float64   `json:"max_rpm,omitempty"`
	MaxAcceleration  float64   `json:"max_acceleration_rpm_per_sec,omitempty"`
	MaxDeceleration  float64   `json:"max_deceleration_rpm_per_sec,omitempty"`
	SleepWhenDone    bool      `json:"sleep_when_done,omitempty"`
	IdleGraceMS      int       `json:"idle_grace_ms,omitempty"`
}

// Model for a ULN2003 driven stepper motor.
var Model = resource.NewModel("viam", "stepper-drivers", "uln2003")

func (config *Config) settings() stepper.Settings {
	return stepper.Settings{
		TicksPerRotation: config.TicksPerRotation,
		MaxRPM:           config.MaxRPM,
		Acceleration:     config.MaxAcceleration,
		Deceleration:     config.MaxDeceleration,
		SleepWhenDone:    config.SleepWhenDone,
		IdleGrace:        time.Duration(config.IdleGraceMS) * time.Millisecond,
	}
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	for i, pin := range []string{config.Pins.A, config.Pins.B, config.Pins.C, config.Pins.D} {
		if pin == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins."+string(rune('a'+i)))
		}
	}
	if _, err := pulse.ParseStepMode(config.StepMode); err != nil {
		return nil, nil, err
	}
	if err := config.settings().Validate(path); err != nil {
		return nil, nil, err
	}
	return []string{config.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	return makeMotor(ctx, b, *conf, c.ResourceName(), logger)
}

func makeMotor(ctx context.Context, b board.Board, c Config, name resource.Name, logger logging.Logger,
) (motor.Motor, error) {
	mode, err := pulse.ParseStepMode(c.StepMode)
	if err != nil {
		return nil, err
	}

	var coils [4]board.GPIOPin
	for i, pinName := range []string{c.Pins.A, c.Pins.B, c.Pins.C, c.Pins.D} {
		if coils[i], err = b.GPIOPinByName(pinName); err != nil {
			return nil, err
		}
	}

	emitter, err := pulse.NewCoils(coils[0], coils[1], coils[2], coils[3], mode)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating motor (%s)", name.ShortName())
	}
	logger.Debugf("motor (%s) stepping coils in %s mode", name.ShortName(), mode)

	m, err := stepper.NewMotor(ctx, name, emitter, c.settings(), logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}
