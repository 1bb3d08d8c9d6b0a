package hal

import (
	"sync"
	"time"
)

// FakeEdgePin is a test/host double for EdgePin. Call Fire to simulate an
// edge; WaitForEdge blocks until Fire is called or the timeout elapses.
type FakeEdgePin struct {
	mu    sync.Mutex
	ch    chan struct{}
	since time.Time
}

// NewFakeEdgePin returns a ready-to-use FakeEdgePin.
func NewFakeEdgePin() *FakeEdgePin {
	return &FakeEdgePin{ch: make(chan struct{}, 1)}
}

// Fire records an edge at the given timestamp and wakes one waiter.
func (f *FakeEdgePin) Fire(at time.Time) {
	f.mu.Lock()
	f.since = at
	f.mu.Unlock()
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

func (f *FakeEdgePin) WaitForEdge(timeout time.Duration) bool {
	select {
	case <-f.ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *FakeEdgePin) Since() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since
}

// FakePWM is a test/host double for PWMChannel that just remembers the last
// duty cycle written.
type FakePWM struct {
	mu   sync.Mutex
	duty int
}

func (f *FakePWM) SetDuty(duty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duty = duty
	return nil
}

func (f *FakePWM) Duty() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duty
}

// FakeADC is a test/host double for ADCPin backed by a fixed or
// caller-mutated code value.
type FakeADC struct {
	mu        sync.Mutex
	Code      uint16
	Full      uint16
	Err       error
}

// NewFakeADC returns a FakeADC reporting a 12-bit full-scale range.
func NewFakeADC(code uint16) *FakeADC {
	return &FakeADC{Code: code, Full: 4095}
}

func (f *FakeADC) Sample() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Code, nil
}

func (f *FakeADC) FullScale() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Full == 0 {
		return 4095
	}
	return f.Full
}

// Set updates the code the next Sample call returns.
func (f *FakeADC) Set(code uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Code = code
}
