package loop

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Ticker is a motion core driven by a Host. Tick must not block.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) error
	// NextDue returns when the ticker next has work, or the zero time if it has none.
	NextDue() time.Time
}

// Default host timings.
const (
	DefaultSpinWindow  = 200 * time.Microsecond
	DefaultIdleInitial = time.Millisecond
	DefaultIdleMax     = 100 * time.Millisecond
)

// Option configures a Host.
type Option func(*Host)

// WithSpinWindow sets how close to a due time the host yields instead of sleeping.
func WithSpinWindow(d time.Duration) Option {
	return func(h *Host) {
		h.spin = d
	}
}

// WithIdleInterval sets the bounds of the polling interval used while no ticker
// requests high-frequency ticking.
func WithIdleInterval(initial, maxInterval time.Duration) Option {
	return func(h *Host) {
		h.idle.InitialInterval = initial
		h.idle.MaxInterval = maxInterval
	}
}

// Host runs registered tickers on a single goroutine.
type Host struct {
	logger logging.Logger
	hf     HighFrequency

	regMu   sync.Mutex
	tickers atomic.Pointer[[]Ticker]
	wake    chan struct{}

	// only touched by the loop goroutine
	spin time.Duration
	idle *backoff.ExponentialBackOff

	mu            sync.Mutex
	threadStarted bool
	cancel        context.CancelFunc
	waitGroup     sync.WaitGroup
}

// NewHost returns a host that has not been started.
func NewHost(logger logging.Logger, opts ...Option) *Host {
	h := &Host{
		logger: logger,
		wake:   make(chan struct{}, 1),
		spin:   DefaultSpinWindow,
		idle: &backoff.ExponentialBackOff{
			InitialInterval:     DefaultIdleInitial,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         DefaultIdleMax,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.idle.Reset()
	h.tickers.Store(&[]Ticker{})
	return h
}

// HighFrequency returns the request counter tickers use to keep the host fast.
func (h *Host) HighFrequency() *HighFrequency {
	return &h.hf
}

// Register adds t to the loop and returns a func that removes it again.
func (h *Host) Register(t Ticker) func() {
	h.regMu.Lock()
	next := append(slices.Clone(*h.tickers.Load()), t)
	h.tickers.Store(&next)
	h.regMu.Unlock()
	h.Wake()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.regMu.Lock()
			defer h.regMu.Unlock()
			next := slices.DeleteFunc(slices.Clone(*h.tickers.Load()), func(o Ticker) bool {
				return o == t
			})
			h.tickers.Store(&next)
		})
	}
}

// Wake cuts the current wait short. It never blocks.
func (h *Host) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Start launches the loop goroutine. Calling it again is a no-op.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.threadStarted {
		return
	}
	h.logger.Debug("starting host loop")

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	h.threadStarted = true
	h.waitGroup.Add(1)
	utils.PanicCapturingGo(func() {
		defer h.waitGroup.Done()
		h.run(ctx)
	})
}

// Close stops the loop goroutine and waits for it to exit.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.logger.Debug("stopping host loop")
		h.cancel()
		h.cancel = nil
		h.waitGroup.Wait()
	}
	h.threadStarted = false
}

func (h *Host) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := h.RunOnce(ctx, time.Now())
		if wait <= 0 {
			runtime.Gosched()
			if ctx.Err() != nil {
				return
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce ticks every registered ticker once and returns how long the loop may wait
// before the next pass. A zero wait means yield and come straight back.
func (h *Host) RunOnce(ctx context.Context, now time.Time) time.Duration {
	tickers := *h.tickers.Load()
	for _, t := range tickers {
		if err := t.Tick(ctx, now); err != nil {
			h.logger.CError(ctx, err)
		}
	}

	if !h.hf.Active() {
		wait := h.idle.NextBackOff()
		if wait == backoff.Stop {
			wait = h.idle.MaxInterval
		}
		return wait
	}
	h.idle.Reset()

	var next time.Time
	for _, t := range tickers {
		if due := t.NextDue(); !due.IsZero() && (next.IsZero() || due.Before(next)) {
			next = due
		}
	}
	if next.IsZero() {
		return h.spin
	}
	wait := next.Sub(now)
	if wait <= h.spin {
		return 0
	}
	return wait - h.spin
}
