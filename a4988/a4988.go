// Package a4988 implements a stepper motor wired to an A4988 or DRV8825 style
// step/direction driver.
package a4988

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

// PinConfig defines the mapping of where motor are wired.
type PinConfig struct {
	Step         string `json:"step"`
	Direction    string `json:"dir"`
	Sleep        string `json:"sleep,omitempty"`
	EnablePinLow string `json:"en_low,omitempty"`
}

// Config describes the configuration of a motor.
type Config struct {
	Pins             PinConfig `json:"pins"`
	BoardName        string    `json:"board"`
	TicksPerRotation int       `json:"ticks_per_rotation"`
	MaxRPM           float64   `json:"max_rpm,omitempty"`
	MaxAcceleration  float64   `json:"max_acceleration_rpm_per_sec,omitempty"`
	MaxDeceleration  float64   `json:"max_deceleration_rpm_per_sec,omitempty"`
	InvertDirection  bool      `json:"invert_direction,omitempty"`
	SleepWhenDone    bool      `json:"sleep_when_done,omitempty"`
	IdleGraceMS      int       `json:"idle_grace_ms,omitempty"`
}

// Model for an A4988 driven stepper motor.
var Model = resource.NewModel("viam", "stepper-drivers", "a4988")

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
	if config.Pins.Step == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "step")
	}
	if config.Pins.Direction == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "dir")
	}
	if config.SleepWhenDone && config.Pins.Sleep == "" && config.Pins.EnablePinLow == "" {
		return nil, nil, errors.New("sleep_when_done needs a sleep or en_low pin")
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

// makeMotor is separate from newMotor so tests can hand in an injected board.
func makeMotor(ctx context.Context, b board.Board, c Config, name resource.Name, logger logging.Logger,
) (motor.Motor, error) {
	pins := pulse.StepDirPins{InvertDirection: c.InvertDirection}
	var err error
	if pins.Step, err = b.GPIOPinByName(c.Pins.Step); err != nil {
		return nil, err
	}
	if pins.Direction, err = b.GPIOPinByName(c.Pins.Direction); err != nil {
		return nil, err
	}
	// optional pins
	if c.Pins.Sleep != "" {
		if pins.SleepLow, err = b.GPIOPinByName(c.Pins.Sleep); err != nil {
			return nil, err
		}
	}
	if c.Pins.EnablePinLow != "" {
		if pins.EnableLow, err = b.GPIOPinByName(c.Pins.EnablePinLow); err != nil {
			return nil, err
		}
	}

	emitter, err := pulse.NewStepDir(pins)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating motor (%s)", name.ShortName())
	}
	m, err := stepper.NewMotor(ctx, name, emitter, c.settings(), logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}
