package pulse

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
)

// StepMode selects the coil sequence of a unipolar driver such as the ULN2003.
type StepMode int

// Coil step modes.
const (
	FullStep StepMode = iota
	HalfStep
	WaveDrive
)

var stepModeNames = map[StepMode]string{
	FullStep:  "FULL_STEP",
	HalfStep:  "HALF_STEP",
	WaveDrive: "WAVE_DRIVE",
}

func (m StepMode) String() string {
	if name, ok := stepModeNames[m]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStepMode parses names like "FULL_STEP", "half step" or "wave_drive".
// An empty string is FullStep.
func ParseStepMode(s string) (StepMode, error) {
	if s == "" {
		return FullStep, nil
	}
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	for mode, name := range stepModeNames {
		if name == norm {
			return mode, nil
		}
	}
	return FullStep, errors.Errorf("unknown step mode %q, expected one of FULL_STEP, HALF_STEP, WAVE_DRIVE", s)
}

// phases returns the length of the coil sequence.
func (m StepMode) phases() int {
	if m == HalfStep {
		return 8
	}
	return 4
}

// pattern returns the coil bits (bit 0 = coil A) for the given phase.
func (m StepMode) pattern(phase int) uint8 {
	switch m {
	case HalfStep:
		// A, AB, B, BC, C, CD, D, DA
		return 1<<(phase>>1) | 1<<(((phase+1)>>1)&0x3)
	case WaveDrive:
		// A, B, C, D
		return 1 << phase
	default:
		// AB, BC, CD, DA
		return 1<<phase | 1<<((phase+1)%4)
	}
}

// Coils is an Emitter that walks four coil lines through a step sequence.
type Coils struct {
	pins    [4]board.GPIOPin
	mode    StepMode
	phase   int
	forward bool
}

// NewCoils returns an emitter for coils A to D.
func NewCoils(a, b, c, d board.GPIOPin, mode StepMode) (*Coils, error) {
	pins := [4]board.GPIOPin{a, b, c, d}
	for i, pin := range pins {
		if pin == nil {
			return nil, errors.Errorf("coil pin %c is required", 'a'+i)
		}
	}
	return &Coils{pins: pins, mode: mode, forward: true}, nil
}

// SetDirection sets the order the sequence is walked in.
func (c *Coils) SetDirection(ctx context.Context, forward bool) error {
	c.forward = forward
	return nil
}

// Step advances one phase and energizes it.
func (c *Coils) Step(ctx context.Context) error {
	n := c.mode.phases()
	if c.forward {
		c.phase = (c.phase + 1) % n
	} else {
		c.phase = (c.phase + n - 1) % n
	}
	return c.write(ctx, c.mode.pattern(c.phase))
}

// SetSleep de-energizes every coil, or re-energizes the current phase.
func (c *Coils) SetSleep(ctx context.Context, asleep bool) error {
	if asleep {
		return c.write(ctx, 0)
	}
	return c.write(ctx, c.mode.pattern(c.phase))
}

func (c *Coils) write(ctx context.Context, bits uint8) error {
	return multierr.Combine(
		c.pins[0].Set(ctx, bits&0x1 != 0, nil),
		c.pins[1].Set(ctx, bits&0x2 != 0, nil),
		c.pins[2].Set(ctx, bits&0x4 != 0, nil),
		c.pins[3].Set(ctx, bits&0x8 != 0, nil),
	)
}
