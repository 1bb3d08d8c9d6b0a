package hal

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// InitHost initializes the periph.io host drivers for the board this
// process is running on. Call once at startup before looking up any pin
// by name.
func InitHost() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("hal: periph host init: %w", err)
	}
	return nil
}

// PeriphEdgePin adapts a periph.io gpio.PinIn to the EdgePin interface.
type PeriphEdgePin struct {
	pin gpio.PinIn
}

// OpenEdgePin looks up name in the periph.io pin registry and configures
// it for rising-edge interrupts.
func OpenEdgePin(name string) (*PeriphEdgePin, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hal: no such pin %q", name)
	}
	in, ok := p.(gpio.PinIn)
	if !ok {
		return nil, fmt.Errorf("hal: pin %q is not an input", name)
	}
	if err := in.In(gpio.PullNoChange, gpio.Rising); err != nil {
		return nil, fmt.Errorf("hal: configure %q: %w", name, err)
	}
	return &PeriphEdgePin{pin: in}, nil
}

func (p *PeriphEdgePin) WaitForEdge(timeout time.Duration) bool {
	return p.pin.WaitForEdge(timeout)
}

func (p *PeriphEdgePin) Since() time.Time {
	return time.Now()
}

// PeriphPWM adapts a periph.io gpio.PinOut to the PWMChannel interface.
// Duty is expressed in the caller's native range (e.g. 0..1023) and
// rescaled here to gpio.Max, the 0..65536 range periph.io's PWM uses.
type PeriphPWM struct {
	pin       gpio.PinOut
	fullScale int
	last      int
}

// OpenPWM looks up name in the periph.io pin registry and configures it for
// PWM output, accepting duty values in [0, fullScale].
func OpenPWM(name string, fullScale int) (*PeriphPWM, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("hal: no such pin %q", name)
	}
	out, ok := p.(gpio.PinOut)
	if !ok {
		return nil, fmt.Errorf("hal: pin %q is not an output", name)
	}
	return &PeriphPWM{pin: out, fullScale: fullScale}, nil
}

func (p *PeriphPWM) SetDuty(duty int) error {
	if duty < 0 {
		duty = 0
	} else if duty > p.fullScale {
		duty = p.fullScale
	}
	scaled := duty * gpio.Max / p.fullScale
	if err := p.pin.PWM(scaled); err != nil {
		return fmt.Errorf("hal: pwm write: %w", err)
	}
	p.last = duty
	return nil
}

func (p *PeriphPWM) Duty() int { return p.last }
