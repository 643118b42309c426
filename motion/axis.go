package motion

import (
	"github.com/viam-modules/stepper-drivers/profile"
	"github.com/viam-modules/stepper-drivers/pulse"
)

// Axis is one independent stepper axis: commands go to its Store, and its
// Scheduler is ticked by a host loop. An Axis satisfies loop.Ticker.
type Axis struct {
	*Store
	*Scheduler
}

// NewAxis returns an axis at rest driving emitter within limits.
func NewAxis(limits profile.Limits, emitter pulse.Emitter, opts ...Option) (*Axis, error) {
	store, err := NewStore(limits, opts...)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(store, emitter, opts...)
	if err != nil {
		return nil, err
	}
	return &Axis{Store: store, Scheduler: sched}, nil
}
