package stepper

import (
	"math"

	"github.com/pkg/errors"

	"github.com/viam-modules/stepper-drivers/profile"
)

// rampParameters overrides the configured ramp for a single move. Values are in rpm/s.
type rampParameters struct {
	Acceleration *float64
	Deceleration *float64
}

// validate checks that all non-nil ramp parameters are positive and finite.
func (rp *rampParameters) validate() error {
	if rp == nil {
		return nil
	}

	check := func(name string, val *float64) error {
		if val != nil && (math.IsNaN(*val) || math.IsInf(*val, 0) || *val <= 0) {
			return errors.Errorf("%s must be a positive number, got %v", name, *val)
		}
		return nil
	}

	if err := check(rampAcceleration, rp.Acceleration); err != nil {
		return err
	}
	return check(rampDeceleration, rp.Deceleration)
}

// mergeRampParameters applies the non-nil overrides to base, converting rpm/s to steps/s^2.
func mergeRampParameters(base profile.Limits, override rampParameters, ticksPerRotation int) profile.Limits {
	result := base
	if override.Acceleration != nil {
		result.Acceleration = rpmToSteps(*override.Acceleration, ticksPerRotation)
	}
	if override.Deceleration != nil {
		result.Deceleration = rpmToSteps(*override.Deceleration, ticksPerRotation)
	}
	return result
}

// Keys accepted inside the ramp_parameters map of extra.
const (
	rampParametersKey = "ramp_parameters"
	rampAcceleration  = "acceleration_rpm_per_sec"
	rampDeceleration  = "deceleration_rpm_per_sec"
)

// parseRampParametersFromExtra extracts ramp_parameters from the extra map.
func parseRampParametersFromExtra(extra map[string]interface{}) (*rampParameters, error) {
	rampParamsRaw, ok := extra[rampParametersKey]
	if !ok {
		return nil, nil
	}

	rampParamsMap, ok := rampParamsRaw.(map[string]interface{})
	if !ok {
		return nil, errors.New("ramp_parameters must be a map[string]interface{}")
	}

	params := &rampParameters{}
	if val, ok := toFloat64(rampParamsMap[rampAcceleration]); ok {
		params.Acceleration = &val
	}
	if val, ok := toFloat64(rampParamsMap[rampDeceleration]); ok {
		params.Deceleration = &val
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// toFloat64 converts the numeric types that arrive through extra and DoCommand.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint32:
		return float64(val), true
	default:
		return 0, false
	}
}

// rpmToSteps converts rpm to steps/s, and rpm/s to steps/s^2.
func rpmToSteps(rpm float64, ticksPerRotation int) float64 {
	return rpm / 60 * float64(ticksPerRotation)
}

// stepsToRPM converts steps/s to rpm.
func stepsToRPM(steps float64, ticksPerRotation int) float64 {
	return steps * 60 / float64(ticksPerRotation)
}
