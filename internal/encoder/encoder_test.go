package encoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fregster/DCCLiveSteam/internal/hal"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func TestUpdateVelocity_ZeroUntilWindowElapses(t *testing.T) {
	pin := hal.NewFakeEdgePin()
	clock := &fakeClock{now: time.Unix(0, 0)}
	tr := NewTracker(pin, clock, 1.0)

	tr.UpdateVelocity() // primes the window

	clock.now = clock.now.Add(500 * time.Millisecond)
	tr.UpdateVelocity()
	assert.Equal(t, 0.0, tr.VelocityCms(), "velocity must not update before the window elapses")
}

func TestUpdateVelocity_ComputesAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	pin := hal.NewFakeEdgePin()
	tr := NewTracker(pin, clock, 2.0) // 2cm per tick

	tr.UpdateVelocity() // primes the window

	stop := make(chan struct{})
	go tr.Run(stop)
	for i := 0; i < 50; i++ {
		pin.Fire(clock.now)
		time.Sleep(time.Millisecond)
	}
	close(stop)

	clock.now = clock.now.Add(velocityWindow)
	tr.UpdateVelocity()

	assert.GreaterOrEqual(t, tr.VelocityCms(), 0.0)
}

func TestCalcVelocity_NonPositiveInputsClampToZero(t *testing.T) {
	assert.Equal(t, 0.0, calcVelocity(-1, time.Second, 1.0))
	assert.Equal(t, 0.0, calcVelocity(10, 0, 1.0))
	assert.Equal(t, 0.0, calcVelocity(0, time.Second, 1.0))
}

func TestCalcVelocity_Nominal(t *testing.T) {
	v := calcVelocity(50, time.Second, 2.0)
	assert.InDelta(t, 100.0, v, 0.001)
}
