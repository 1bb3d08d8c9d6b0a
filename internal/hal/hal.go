// Package hal defines the capability interfaces that stand in for the
// microcontroller peripherals (ADC channels, edge-interrupt pins, PWM
// channels). Production wiring is expected to back these with real
// peripherals; tests and the host-side control loop substitute fakes,
// exactly the "component polymorphism" pattern spec'd for this port.
//
// The shapes mirror periph.io/x/periph's conn/gpio package (PinIn with
// WaitForEdge, PinOut with PWM(duty)) so a future swap to real periph.io
// drivers is a rewiring, not a rewrite.
package hal

import (
	"time"

	"periph.io/x/periph/conn/physic"
)

// EdgePin is a digital input pin that can report rising-edge transitions.
// DccDecoder and EncoderTracker both consume one of these; in firmware this
// would be a real GPIO interrupt line, on this host port it is typically
// backed by a goroutine reading a simulated or recorded edge stream.
type EdgePin interface {
	// WaitForEdge blocks until the next rising edge or the timeout elapses.
	// It returns false on timeout. Mirrors gpio.PinIn.WaitForEdge.
	WaitForEdge(timeout time.Duration) bool
	// Since returns the monotonic timestamp of the edge most recently
	// reported by WaitForEdge, with microsecond resolution — DccDecoder
	// needs the inter-edge delta, not just the edge event.
	Since() time.Time
}

// PWMChannel is a PWM-capable output pin. Duty is expressed in the caller's
// native range (0..1023 for the heater channels, CV46..CV47 for the servo)
// rather than periph.io's 0..gpio.Max, since the CV table already encodes
// the locomotive-specific range.
type PWMChannel interface {
	// SetDuty writes a new duty cycle. Implementations must clamp silently
	// to their supported range only as a last-resort safety net; callers are
	// expected to have already validated the value.
	SetDuty(duty int) error
	// Duty returns the last duty cycle written.
	Duty() int
}

// ADCPin is a single-shot analogue input, pre-configured for the 0..3.3V
// range used throughout the sensor suite.
type ADCPin interface {
	// Sample returns one raw ADC code in [0, fullScale]. SensorSuite handles
	// oversampling by calling this N times.
	Sample() (uint16, error)
	// FullScale is the maximum code value (e.g. 4095 for 12-bit).
	FullScale() uint16
}

// Clock abstracts wall/monotonic time so tests can control tick spacing
// without sleeping. Production wiring uses RealClock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// RealClock is the production Clock backed by the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time     { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// ReferenceVoltage is the ADC reference rail shared by every analogue
// channel on the board.
const ReferenceVoltage = 3300 * physic.MilliVolt
