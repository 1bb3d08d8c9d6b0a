// Package servo drives the regulator servo: slew-rate limiting toward a
// commanded position, a stiction-breakout kick when starting from rest,
// and an idle jitter-sleep that de-powers the servo after a period with no
// goal change. Grounded on the original MechanicalMapper.
package servo

import (
	"fmt"
	"math"
	"time"

	"github.com/d2r2/go-logger"

	"github.com/fregster/DCCLiveSteam/internal/cvstore"
	"github.com/fregster/DCCLiveSteam/internal/hal"
)

var lg = logger.NewPackageLogger("servo", logger.InfoLevel)

// idleTimeout is how long current must equal target before the servo is
// allowed to jitter-sleep (depower) rather than hold position.
const idleTimeout = 2000 * time.Millisecond

// stictionHoldDuration is how long the stiction-breakout kick duty is held
// before the shaper resumes normal slew toward the target.
const stictionHoldDuration = 50 * time.Millisecond

// stictionKickFraction is the fixed overshoot fraction of the CV46..CV47
// swing applied as the one-shot breakout kick, matching the original's
// literal 0.3 constant.
const stictionKickFraction = 0.3

// Shaper tracks a current servo duty and slews it toward a commanded target
// duty, applying stiction breakout and idle power-down. current and target
// are always expressed in the servo's native PWM duty range, CV46..CV47,
// never as a percentage, so the invariant "servo duty in [CV-neutral,
// CV-max]" holds by construction rather than by a later conversion.
type Shaper struct {
	cv    *cvstore.Table
	pwm   hal.PWMChannel
	clock hal.Clock

	current float64 // duty units, native PWM scale
	target  float64

	stoppedAt       time.Time
	isSleeping      bool
	wasStopped      bool
	stictionApplied bool

	kickUntil time.Time
	kicking   bool
}

// New creates a Shaper bound to cv for its tuning parameters and pwm for
// output, initialized at the neutral (fully closed) duty.
func New(cv *cvstore.Table, pwm hal.PWMChannel, clock hal.Clock) *Shaper {
	neutral := float64(cv.MustGet(46))
	now := clock.Now()
	return &Shaper{
		cv: cv, pwm: pwm, clock: clock,
		current: neutral, target: neutral,
		stoppedAt: now, wasStopped: true,
	}
}

// SetGoal commands a new regulator position as a percentage (0..100),
// computing the target duty the same way the original firmware does: a
// linear degree mapping over [CV48+1, 90] degrees across the [CV46, CV47]
// PWM range. whistle, when percent is 0, cracks the valve open to CV48
// degrees worth of duty to admit steam to the whistle only; it has no
// effect once percent > 0. It returns an error if percent is out of range,
// mirroring the original's ValueError on an invalid goal.
func (s *Shaper) SetGoal(percent float64, whistle bool) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("servo: goal %.1f%% out of range [0,100]", percent)
	}

	neutral := float64(s.cv.MustGet(46))
	maxDuty := float64(s.cv.MustGet(47))
	whistleOffset := float64(s.cv.MustGet(48))
	pwmPerDeg := (maxDuty - neutral) / 90.0

	var deg float64
	switch {
	case percent > 0:
		minDrive := whistleOffset + 1
		deg = minDrive + (percent/100.0)*(90-minDrive)
	case whistle:
		deg = whistleOffset
	}
	s.target = neutral + deg*pwmPerDeg
	return nil
}

// Update advances the shaper by one control-loop tick of duration dt,
// slewing current toward target and handling stiction kick, idle
// power-down, and emergency bypass. emergency, when true, bypasses slew
// limiting and snaps current straight to target (the regulator-slam-shut
// path in an emergency shutdown).
func (s *Shaper) Update(dt time.Duration, emergency bool) {
	if s.kicking {
		if !emergency && s.clock.Now().Before(s.kickUntil) {
			return
		}
		s.kicking = false
	}

	if s.current == s.target {
		if !s.isSleeping && s.clock.Now().Sub(s.stoppedAt) > idleTimeout {
			s.isSleeping = true
			if err := s.pwm.SetDuty(0); err != nil {
				lg.Warningf("servo: depower write failed: %v", err)
			}
		}
		s.wasStopped = true
		s.stictionApplied = false
		return
	}
	s.stoppedAt = s.clock.Now()
	s.isSleeping = false

	if emergency {
		s.current = s.target
		s.writeDuty()
		return
	}

	neutral := float64(s.cv.MustGet(46))
	maxDuty := float64(s.cv.MustGet(47))

	if s.wasStopped && !s.stictionApplied && s.target > neutral {
		s.beginStictionKick(neutral, maxDuty)
		s.wasStopped = false
		return
	}

	travelMs := float64(s.cv.MustGet(49))
	if travelMs < 100 {
		travelMs = 100
	}
	ratePerSec := math.Abs(maxDuty-neutral) / (travelMs / 1000.0)
	step := ratePerSec * dt.Seconds()

	diff := s.target - s.current
	switch {
	case math.Abs(diff) <= step:
		s.current = s.target
	case diff > 0:
		s.current += step
	default:
		s.current -= step
	}
	s.writeDuty()
	s.wasStopped = false
}

// beginStictionKick writes a one-shot overshoot duty directly to the PWM
// channel without moving current, so normal slew resumes from wherever
// current was once the kick's hold window expires.
func (s *Shaper) beginStictionKick(neutral, maxDuty float64) {
	kick := neutral + stictionKickFraction*(maxDuty-neutral)
	s.kicking = true
	s.kickUntil = s.clock.Now().Add(stictionHoldDuration)
	s.stictionApplied = true
	if err := s.pwm.SetDuty(int(kick)); err != nil {
		lg.Warningf("servo: stiction kick write failed: %v", err)
	}
}

func (s *Shaper) writeDuty() {
	if err := s.pwm.SetDuty(int(s.current)); err != nil {
		lg.Warningf("servo: write failed: %v", err)
	}
}

// Current returns the shaper's current position as a native PWM duty value
// in [CV46, CV47].
func (s *Shaper) Current() float64 { return s.current }

// PercentOpen returns the regulator's current position as a percentage of
// its CV46..CV47 duty span, the unit the rest of the control loop (pressure
// staging, telemetry) reasons about the regulator in.
func (s *Shaper) PercentOpen() float64 {
	neutral := float64(s.cv.MustGet(46))
	maxDuty := float64(s.cv.MustGet(47))
	span := maxDuty - neutral
	if span <= 0 {
		return 0
	}
	pct := (s.current - neutral) / span * 100.0
	if pct < 0 {
		return 0
	}
	return pct
}

// IsMoving reports whether the shaper is currently slewing toward a new
// target, including a stiction kick in progress: the "servo_moving" input
// to the power budget's current estimate.
func (s *Shaper) IsMoving() bool {
	return s.kicking || s.current != s.target
}

// IsAsleep reports whether the servo is currently jitter-sleeping.
func (s *Shaper) IsAsleep() bool { return s.isSleeping }
