// Package motion owns the state of one stepper axis: the target and limits set by
// device logic, and the scheduler that turns them into step pulses.
package motion

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/viam-modules/stepper-drivers/profile"
)

// PositionReport tells the scheduler where the axis really is. Seq increases with
// every report.
type PositionReport struct {
	Seq   uint64
	Steps int64
}

// Snapshot is an immutable view of everything device logic has asked for.
type Snapshot struct {
	Goal   profile.Goal
	Limits profile.Limits
	// Version increases with every accepted mutation.
	Version uint64
	// TargetSeq increases with every new target.
	TargetSeq uint64
	Report    PositionReport
}

// Store holds the target and limits of an axis. Mutations may come from any
// goroutine; the scheduler reads a whole Snapshot with a single atomic load.
type Store struct {
	mu       sync.Mutex // serializes writers only
	snap     atomic.Pointer[Snapshot]
	onChange func()
}

// NewStore returns a store holding a position target of zero.
func NewStore(limits profile.Limits, opts ...Option) (*Store, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	s := &Store{onChange: o.onChange}
	s.snap.Store(&Snapshot{
		Goal:   profile.PositionGoal(o.initialPosition),
		Limits: limits,
	})
	return s, nil
}

// Snapshot returns the current state. The result must not be modified.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Limits returns the current limits.
func (s *Store) Limits() profile.Limits {
	return s.snap.Load().Limits
}

func (s *Store) update(mutate func(next *Snapshot) error) error {
	s.mu.Lock()
	next := *s.snap.Load()
	if err := mutate(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	next.Version++
	s.snap.Store(&next)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

// SetTargetPosition moves the axis to an absolute step. Setting it to the current
// position is how a move is cancelled.
func (s *Store) SetTargetPosition(steps int64) {
	//nolint:errcheck
	s.update(func(next *Snapshot) error {
		next.Goal = profile.PositionGoal(steps)
		next.TargetSeq++
		return nil
	})
}

// SetTargetSpeed rotates the axis continuously at a signed speed in steps/s.
// A speed of zero brings it to rest.
func (s *Store) SetTargetSpeed(stepsPerSec float64) error {
	return s.update(func(next *Snapshot) error {
		if !finite(stepsPerSec) {
			return errors.Wrapf(profile.ErrInvalidTargetSpeed, "got %v", stepsPerSec)
		}
		next.Goal = profile.SpeedGoal(stepsPerSec)
		next.TargetSeq++
		return nil
	})
}

// SetMaxSpeed sets the speed limit in steps/s.
func (s *Store) SetMaxSpeed(stepsPerSec float64) error {
	return s.updateLimits(func(l *profile.Limits) { l.MaxSpeed = stepsPerSec })
}

// SetMaxAcceleration sets the acceleration limit in steps/s^2. Zero is rejected.
func (s *Store) SetMaxAcceleration(stepsPerSec2 float64) error {
	return s.updateLimits(func(l *profile.Limits) { l.Acceleration = stepsPerSec2 })
}

// SetMaxDeceleration sets the deceleration limit in steps/s^2. Zero decelerates at
// the acceleration limit.
func (s *Store) SetMaxDeceleration(stepsPerSec2 float64) error {
	return s.updateLimits(func(l *profile.Limits) { l.Deceleration = stepsPerSec2 })
}

// SetLimits replaces all limits at once.
func (s *Store) SetLimits(limits profile.Limits) error {
	return s.updateLimits(func(l *profile.Limits) { *l = limits })
}

func (s *Store) updateLimits(mutate func(l *profile.Limits)) error {
	return s.update(func(next *Snapshot) error {
		limits := next.Limits
		mutate(&limits)
		if err := limits.Validate(); err != nil {
			return err
		}
		next.Limits = limits
		return nil
	})
}

// ReportPosition declares the axis to be at steps without moving it. The target
// becomes the reported position as well.
func (s *Store) ReportPosition(steps int64) {
	//nolint:errcheck
	s.update(func(next *Snapshot) error {
		next.Report = PositionReport{Seq: next.Report.Seq + 1, Steps: steps}
		next.Goal = profile.PositionGoal(steps)
		next.TargetSeq++
		return nil
	})
}
