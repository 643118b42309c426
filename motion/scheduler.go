package motion

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/stepper-drivers/loop"
	"github.com/viam-modules/stepper-drivers/profile"
	"github.com/viam-modules/stepper-drivers/pulse"
)

// Faults that halt a move. Both are cleared by the next target.
var (
	ErrDirectionReversal = errors.New("direction change requested while the motor is moving")
	ErrEmitter           = errors.New("pulse emitter failed")
)

type faultState struct {
	err error
}

// Scheduler emits the steps of an axis at the times its planner asks for.
//
// Tick must only be called from one goroutine at a time. The query methods
// (Position, Speed, IsMoving, Phase, Fault, Synced) are safe from any goroutine.
type Scheduler struct {
	store   *Store
	emitter pulse.Emitter
	sleeper pulse.Sleeper
	opts    options

	// owned by the ticking goroutine
	targetSeq uint64
	reportSeq uint64
	moving    bool
	speed     float64
	forward   bool
	dirDriven bool
	asleep    bool
	request   loop.Request
	lastStep  time.Time
	nextDue   time.Time
	idleSince time.Time

	position  atomic.Int64
	speedBits atomic.Uint64
	isMoving  atomic.Bool
	phase     atomic.Int32
	applied   atomic.Pointer[Snapshot]
	fault     atomic.Pointer[faultState]
}

// NewScheduler returns a scheduler stepping emitter toward the targets in store.
// If emitter is a pulse.Sleeper the driver is assumed to be asleep until the first move.
func NewScheduler(store *Store, emitter pulse.Emitter, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if emitter == nil {
		return nil, errors.New("pulse emitter is required")
	}
	s := &Scheduler{
		store:   store,
		emitter: emitter,
		opts:    newOptions(opts),
	}
	if sleeper, ok := emitter.(pulse.Sleeper); ok {
		s.sleeper = sleeper
		s.asleep = true
	}
	s.position.Store(s.opts.initialPosition)
	return s, nil
}

// Tick emits a step if one is due at now and otherwise returns straight away.
// A returned error means the current move was halted; see Fault.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	snap := s.store.Snapshot()
	if snap != s.applied.Load() {
		if err := s.apply(ctx, snap, now); err != nil {
			return err
		}
	}
	if !s.moving {
		return s.idle(ctx, now)
	}
	if now.Before(s.nextDue) {
		return nil
	}

	in := profile.Input{
		Position: s.position.Load(),
		Speed:    s.speed,
		Goal:     snap.Goal,
		Limits:   snap.Limits,
	}
	if !s.lastStep.IsZero() {
		in.Elapsed = now.Sub(s.lastStep)
	}
	step := s.opts.planner.Next(in)
	if step.Done {
		s.stop(now)
		return nil
	}

	forward := step.Direction.Forward()
	if !s.dirDriven || forward != s.forward {
		if s.speed != 0 {
			return s.halt(now, errors.Wrapf(ErrDirectionReversal,
				"at step %d, %.1f steps/s", in.Position, s.speed))
		}
		if err := s.emitter.SetDirection(ctx, forward); err != nil {
			return s.halt(now, errors.Wrapf(ErrEmitter, "setting direction at step %d: %v", in.Position, err))
		}
		s.forward = forward
		s.dirDriven = true
	}
	if err := s.emitter.Step(ctx); err != nil {
		return s.halt(now, errors.Wrapf(ErrEmitter, "stepping at step %d: %v", in.Position, err))
	}

	s.position.Add(int64(step.Direction))
	s.setSpeed(step.Speed)
	s.phase.Store(int32(step.Phase))
	s.lastStep = now
	s.nextDue = now.Add(step.Wait)
	return nil
}

// apply takes in a new snapshot and starts a move if it asks for one.
func (s *Scheduler) apply(ctx context.Context, snap *Snapshot, now time.Time) error {
	if snap.Report.Seq != s.reportSeq {
		s.reportSeq = snap.Report.Seq
		s.position.Store(snap.Report.Steps)
	}
	if snap.TargetSeq != s.targetSeq {
		s.targetSeq = snap.TargetSeq
		s.fault.Store(nil)
	}
	s.applied.Store(snap)

	if s.moving || s.fault.Load() != nil || !hasWork(snap, s.position.Load()) {
		return nil
	}
	return s.start(ctx, now)
}

func hasWork(snap *Snapshot, position int64) bool {
	if snap.Limits.MaxSpeed == 0 {
		return false
	}
	if snap.Goal.Mode == profile.ModeSpeed {
		return snap.Goal.Speed != 0
	}
	return snap.Goal.Position != position
}

func (s *Scheduler) start(ctx context.Context, now time.Time) error {
	s.moving = true
	s.isMoving.Store(true)
	s.request = s.opts.hf.Acquire()
	s.idleSince = time.Time{}
	s.lastStep = time.Time{}
	s.nextDue = now

	if s.asleep {
		if err := s.sleeper.SetSleep(ctx, false); err != nil {
			return s.halt(now, errors.Wrapf(ErrEmitter, "waking driver: %v", err))
		}
		s.asleep = false
		s.nextDue = now.Add(s.opts.wakeDelay)
	}
	return nil
}

func (s *Scheduler) stop(now time.Time) {
	s.moving = false
	s.isMoving.Store(false)
	s.setSpeed(0)
	s.phase.Store(int32(profile.Idle))
	s.request.Release()
	s.nextDue = time.Time{}
	s.idleSince = now
}

func (s *Scheduler) halt(now time.Time, err error) error {
	s.stop(now)
	s.fault.Store(&faultState{err: err})
	return err
}

// idle puts the driver to sleep once the grace period has passed.
func (s *Scheduler) idle(ctx context.Context, now time.Time) error {
	if !s.opts.sleepWhenDone || s.sleeper == nil || s.asleep {
		return nil
	}
	if s.idleSince.IsZero() {
		s.idleSince = now
	}
	if now.Sub(s.idleSince) < s.opts.sleepGrace {
		return nil
	}
	// left awake on failure so the next tick tries again
	if err := s.sleeper.SetSleep(ctx, true); err != nil {
		return errors.Wrapf(ErrEmitter, "putting driver to sleep: %v", err)
	}
	s.asleep = true
	return nil
}

func (s *Scheduler) setSpeed(v float64) {
	s.speed = v
	s.speedBits.Store(math.Float64bits(v))
}

// NextDue returns when the next step is due, or the zero time when the axis is idle.
// Call it from the ticking goroutine.
func (s *Scheduler) NextDue() time.Time {
	return s.nextDue
}

// Position returns the current position in steps.
func (s *Scheduler) Position() int64 {
	return s.position.Load()
}

// Speed returns the signed speed in steps/s.
func (s *Scheduler) Speed() float64 {
	return math.Float64frombits(s.speedBits.Load())
}

// IsMoving reports whether a move is in progress.
func (s *Scheduler) IsMoving() bool {
	return s.isMoving.Load()
}

// Phase returns the profile phase of the last step.
func (s *Scheduler) Phase() profile.Phase {
	return profile.Phase(s.phase.Load())
}

// Fault returns the error that halted the last move, or nil.
func (s *Scheduler) Fault() error {
	if f := s.fault.Load(); f != nil {
		return f.err
	}
	return nil
}

// Synced reports whether the latest store mutation has been picked up by Tick.
func (s *Scheduler) Synced() bool {
	return s.applied.Load() == s.store.Snapshot()
}
