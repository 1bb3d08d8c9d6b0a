// Package encoder tracks wheel rotation pulses from a quadrature/slotted
// encoder and derives a velocity in centimetres per second, which the
// control loop hands to the degraded-mode controller.
package encoder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fregster/DCCLiveSteam/internal/hal"
)

// velocityWindow is how often the velocity is recomputed from the pulse
// count delta, matching the 1000ms cadence of the original tracker.
const velocityWindow = time.Second

// Tracker counts encoder pulses from an EdgePin and derives velocity.
type Tracker struct {
	pin   hal.EdgePin
	clock hal.Clock

	count int64 // atomic, monotonically increasing pulse count

	mu            sync.RWMutex
	lastCount     int64
	lastSampledAt time.Time
	velocityCms   float64

	distancePerTickCm float64
}

// NewTracker creates a Tracker over pin, using distancePerTickCm (derived
// from wheel circumference and CV38 segment count) to convert pulses to
// distance.
func NewTracker(pin hal.EdgePin, clock hal.Clock, distancePerTickCm float64) *Tracker {
	return &Tracker{pin: pin, clock: clock, distancePerTickCm: distancePerTickCm}
}

// Run watches pin for edges until stop is closed, incrementing the pulse
// counter on each one. Intended to run in its own goroutine, modelling the
// encoder ISR.
func (t *Tracker) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if t.pin.WaitForEdge(50 * time.Millisecond) {
			atomic.AddInt64(&t.count, 1)
		}
	}
}

// Count returns the cumulative pulse count.
func (t *Tracker) Count() int64 {
	return atomic.LoadInt64(&t.count)
}

// UpdateVelocity recomputes the cached velocity if at least velocityWindow
// has elapsed since the last update. Call this once per control-loop tick;
// it is a no-op between windows.
func (t *Tracker) UpdateVelocity() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSampledAt.IsZero() {
		t.lastSampledAt = now
		t.lastCount = t.Count()
		return
	}
	elapsed := now.Sub(t.lastSampledAt)
	if elapsed < velocityWindow {
		return
	}

	current := t.Count()
	delta := current - t.lastCount
	t.velocityCms = calcVelocity(delta, elapsed, t.distancePerTickCm)

	t.lastCount = current
	t.lastSampledAt = now
}

// calcVelocity converts a pulse delta over elapsed wall time into
// centimetres per second. A non-positive delta or elapsed time yields zero
// rather than a negative or infinite velocity.
func calcVelocity(deltaTicks int64, elapsed time.Duration, distancePerTickCm float64) float64 {
	if deltaTicks <= 0 || elapsed <= 0 {
		return 0
	}
	distanceCm := float64(deltaTicks) * distancePerTickCm
	seconds := elapsed.Seconds()
	v := distanceCm / seconds
	if v < 0 {
		return 0
	}
	return v
}

// VelocityCms returns the most recently computed velocity.
func (t *Tracker) VelocityCms() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.velocityCms
}
