// Package pressure implements the staged boiler/superheater pressure
// controller: a PID loop driving boiler heater duty, a staged superheater
// duty policy keyed off the pressure ratio and whether the regulator is
// moving, a blow-down spike when the regulator opens, and a
// temperature-only fallback for when the pressure sensor itself is
// unavailable. Grounded on the original PressureManager.
package pressure

import (
	"time"

	"github.com/d2r2/go-logger"

	"github.com/fregster/DCCLiveSteam/internal/cvstore"
)

var lg = logger.NewPackageLogger("pressure", logger.InfoLevel)

// PID gains, matching spec's documented defaults; implementation-tunable
// but unchanged here.
const (
	kp = 20.0
	ki = 0.5
	kd = 5.0
)

// integralClamp bounds the PID integral term against windup while the
// boiler is far from its target (e.g. during cold start).
const integralClamp = 100.0

// blowDownDuration is how long the superheater is spiked to full duty
// after the regulator opens, offsetting the pressure drop from admitting
// steam to the cylinders.
const blowDownDuration = 1 * time.Second

// Output is one tick's commanded duty cycles, both in percent.
type Output struct {
	BoilerDuty      float64
	SuperheaterDuty float64
	Degraded        bool
}

// Controller is a stateful boiler/superheater pressure loop. Create one per
// locomotive instance; it is not safe for concurrent use.
type Controller struct {
	cv *cvstore.Table

	integral         float64
	lastError        float64
	haveLastError    bool
	wasRegulatorOpen bool
	blowDownUntil    time.Time
	blowingDown      bool
}

// New creates a Controller.
func New() *Controller {
	return &Controller{}
}

// Process runs one control step. currentKPa and pressureAvailable describe
// the boiler pressure sensor reading (already converted to the canonical
// kPa unit); regulatorOpenPct is the commanded regulator/servo position in
// percent; regulatorMoving reports whether the servo is currently slewing
// (the staged table's "moving" vs "stopped" split at the top pressure
// band); superheaterTempC is the superheater thermocouple reading; now and
// dt are the tick's wall-clock time and duration.
func (c *Controller) Process(cv *cvstore.Table, currentKPa float64, pressureAvailable bool, regulatorOpenPct float64, regulatorMoving bool, superheaterTempC float64, now time.Time, dt time.Duration) Output {
	regulatorOpen := regulatorOpenPct > 1.0
	justOpened := regulatorOpen && !c.wasRegulatorOpen
	c.wasRegulatorOpen = regulatorOpen

	if justOpened {
		c.blowingDown = true
		c.blowDownUntil = now.Add(blowDownDuration)
	}
	if c.blowingDown && now.After(c.blowDownUntil) {
		c.blowingDown = false
	}

	if !pressureAvailable {
		return c.degradedOutput(cv, superheaterTempC)
	}

	target := float64(cv.MustGet(32))
	if target <= 0 {
		target = 1
	}
	ratio := currentKPa / target

	var boilerDuty float64
	if ratio < 0.5 {
		boilerDuty = 100
	} else {
		boilerDuty = c.pid(target, currentKPa, dt)
	}
	superheaterDuty := stagedSuperheaterDuty(ratio, regulatorMoving)

	if c.blowingDown {
		superheaterDuty = 100
	}

	maxPressure := float64(cv.MustGet(35))
	if maxPressure > 0 && currentKPa >= maxPressure {
		boilerDuty = 0
		lg.Warningf("boiler pressure %.1fkPa at or above max %.1fkPa, heater forced off", currentKPa, maxPressure)
	}

	return Output{BoilerDuty: boilerDuty, SuperheaterDuty: superheaterDuty}
}

// pid computes the boiler heater duty with anti-windup, clamped to 0..100.
func (c *Controller) pid(target, current float64, dt time.Duration) float64 {
	err := target - current
	c.integral += err * dt.Seconds()
	if c.integral > integralClamp {
		c.integral = integralClamp
	} else if c.integral < -integralClamp {
		c.integral = -integralClamp
	}

	var derivative float64
	if c.haveLastError && dt > 0 {
		derivative = (err - c.lastError) / dt.Seconds()
	}
	c.lastError = err
	c.haveLastError = true

	out := kp*err + ki*c.integral + kd*derivative
	if out < 0 {
		out = 0
	} else if out > 100 {
		out = 100
	}
	return out
}

// stagedSuperheaterDuty implements the staged policy: the superheater only
// ramps up once the boiler is approaching its target pressure, to avoid
// scorching a dry superheater element while the boiler is still cold. At
// or above 90% of target, duty depends on whether the regulator is
// currently moving (admitting fresh steam, needing more superheat) or
// settled at rest.
func stagedSuperheaterDuty(ratio float64, regulatorMoving bool) float64 {
	switch {
	case ratio < 0.5:
		return 0
	case ratio < 0.75:
		return 25
	case ratio < 0.9:
		return 50
	case regulatorMoving:
		return 90
	default:
		return 50
	}
}

// degradedOutput computes heater duties from superheater temperature alone,
// for when the pressure sensor has failed its plausibility check. This
// mirrors the original's pressure_sensor_available branch: a conservative
// fixed duty rather than a PID loop with no feedback signal to close on.
func (c *Controller) degradedOutput(cv *cvstore.Table, superheaterTempC float64) Output {
	limit := float64(cv.MustGet(43))
	var boilerDuty float64
	switch {
	case superheaterTempC < limit*0.85:
		boilerDuty = 30
	case superheaterTempC < limit:
		boilerDuty = 25
	default:
		boilerDuty = 0
	}
	return Output{BoilerDuty: boilerDuty, SuperheaterDuty: 0, Degraded: true}
}
