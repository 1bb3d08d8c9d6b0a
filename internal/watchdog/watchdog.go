// Package watchdog implements the multi-vector safety watchdog: it checks
// five independent health vectors every tick (logic temperature, boiler
// temperature, superheater temperature, track voltage, DCC signal
// presence) and derives a NOMINAL/DEGRADED/CRITICAL mode from them, plus a
// one-shot shutdown latch so an emergency shutdown sequence runs exactly
// once per episode. Grounded on the original Watchdog and
// DegradedModeController.
package watchdog

import (
	"time"

	"github.com/d2r2/go-logger"

	"github.com/fregster/DCCLiveSteam/internal/cvstore"
)

var lg = logger.NewPackageLogger("watchdog", logger.InfoLevel)

// Mode is the watchdog's current assessment of system health.
type Mode int

const (
	Nominal Mode = iota
	Degraded
	Critical
)

func (m Mode) String() string {
	switch m {
	case Nominal:
		return "NOMINAL"
	case Degraded:
		return "DEGRADED"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Cause is a forensic shutdown/degradation tag, one of the literal strings
// the black box and telemetry record alongside a mode transition.
type Cause string

const (
	CauseNone                  Cause = ""
	CauseLogicHot              Cause = "LOGIC_HOT"
	CauseDryBoil               Cause = "DRY_BOIL"
	CauseSuperHot              Cause = "SUPER_HOT"
	CausePowerLoss             Cause = "PWR_LOSS"
	CauseDCCLost               Cause = "DCC_LOST"
	CauseUserEStop             Cause = "USER_ESTOP"
	CauseMultipleSensorsFailed Cause = "MULTIPLE_SENSORS_FAILED"
	CauseSensorDegradedTimeout Cause = "SENSOR_DEGRADED_TIMEOUT"
	CausePowerBudgetExceeded   Cause = "POWER_BUDGET_EXCEEDED"
)

// minTrackVoltageMV is the absolute floor below which the track signal is
// considered lost even if a DCC packet is still technically decoding.
const minTrackVoltageMV = 1500

// Vectors is one tick's worth of raw health inputs to the watchdog.
type Vectors struct {
	LogicTempC         float64
	LogicHealthy       bool
	BoilerTempC        float64
	BoilerHealthy      bool
	SuperheaterTempC   float64
	SuperheaterHealthy bool
	TrackVoltageMV     float64
	DCCActive          bool
}

// Watchdog evaluates Vectors each tick and tracks the derived mode,
// including the debounce timers for the track-voltage and DCC-signal
// vectors and the one-shot latch that prevents a shutdown sequence from
// being re-entered.
type Watchdog struct {
	cv *cvstore.Table

	mode             Mode
	cause            Cause
	shutdownLatched  bool
	shutdownInFlight bool

	// powerLowSince and dccSilentSince are zero when the corresponding
	// vector is currently healthy; they record when it first went bad so
	// Check can debounce against CV45/CV44's timeout windows instead of
	// tripping on a single bad tick. Both reset to zero on recovery so a
	// brief dropout never accumulates toward the timeout.
	powerLowSince  time.Time
	dccSilentSince time.Time
}

// New creates a Watchdog bound to cv for its temperature limits and
// debounce timeouts.
func New(cv *cvstore.Table) *Watchdog {
	return &Watchdog{cv: cv}
}

// Check evaluates one tick's vectors at now and returns the resulting mode
// and, on every tick the mode is CRITICAL, the cause tag describing why
// (CauseNone otherwise). It does not itself trigger a shutdown; callers consult
// ShouldShutdown() and drive the shutdown sequence, then call
// LatchShutdown.
func (w *Watchdog) Check(v Vectors, now time.Time) (Mode, Cause) {
	logicLimit := float64(w.cv.MustGet(41))
	boilerLimit := float64(w.cv.MustGet(42))
	superLimit := float64(w.cv.MustGet(43))
	dccTimeout := time.Duration(w.cv.MustGet(44)) * 100 * time.Millisecond
	powerTimeout := time.Duration(w.cv.MustGet(45)) * 100 * time.Millisecond

	if v.DCCActive {
		w.dccSilentSince = time.Time{}
	} else if w.dccSilentSince.IsZero() {
		w.dccSilentSince = now
	}
	if v.TrackVoltageMV >= minTrackVoltageMV {
		w.powerLowSince = time.Time{}
	} else if w.powerLowSince.IsZero() {
		w.powerLowSince = now
	}

	critical := false
	degraded := false
	cause := CauseNone

	unhealthyCount := 0
	if !v.LogicHealthy {
		unhealthyCount++
	}
	if !v.BoilerHealthy {
		unhealthyCount++
	}
	if !v.SuperheaterHealthy {
		unhealthyCount++
	}

	// Thermal thresholds and the debounced signal/power vectors are
	// immediate CRITICAL triggers, not DEGRADED. DEGRADED is reserved for
	// a single failed (implausible) sensor channel, below.
	if v.LogicTempC > logicLimit {
		critical = true
		cause = CauseLogicHot
	}
	if v.BoilerTempC > boilerLimit {
		critical = true
		cause = CauseDryBoil
	}
	if v.SuperheaterTempC > superLimit {
		critical = true
		cause = CauseSuperHot
	}
	if !w.powerLowSince.IsZero() && now.Sub(w.powerLowSince) >= powerTimeout {
		critical = true
		cause = CausePowerLoss
	}
	if !w.dccSilentSince.IsZero() && now.Sub(w.dccSilentSince) >= dccTimeout {
		critical = true
		cause = CauseDCCLost
	}

	switch {
	case unhealthyCount >= 2:
		critical = true
		cause = CauseMultipleSensorsFailed
	case unhealthyCount == 1 && !critical:
		degraded = true
	}

	switch {
	case critical:
		w.mode = Critical
	case degraded:
		w.mode = Degraded
	default:
		w.mode = Nominal
		cause = CauseNone
	}
	w.cause = cause
	return w.mode, cause
}

// Mode returns the most recently computed mode.
func (w *Watchdog) Mode() Mode { return w.mode }

// Cause returns the cause tag from the most recent Check, or CauseNone if
// the mode is NOMINAL.
func (w *Watchdog) Cause() Cause { return w.cause }

// IsDegraded reports whether the current mode is DEGRADED (not CRITICAL).
func (w *Watchdog) IsDegraded() bool { return w.mode == Degraded }

// IsCritical reports whether the current mode is CRITICAL.
func (w *Watchdog) IsCritical() bool { return w.mode == Critical }

// ShouldShutdown reports whether a shutdown sequence needs to start: the
// watchdog is CRITICAL and no shutdown has been latched yet.
func (w *Watchdog) ShouldShutdown() bool {
	return w.mode == Critical && !w.shutdownLatched && !w.shutdownInFlight
}

// BeginShutdown marks a shutdown sequence as in progress, a one-shot guard
// against re-entering the sequence from a later tick while it runs.
func (w *Watchdog) BeginShutdown() {
	w.shutdownInFlight = true
}

// LatchShutdown marks the shutdown sequence complete. Once latched, the
// watchdog will not report ShouldShutdown again until Reset is called.
func (w *Watchdog) LatchShutdown() {
	w.shutdownInFlight = false
	w.shutdownLatched = true
	lg.Warningf("shutdown sequence latched, cause=%s", w.cause)
}

// Reset clears the shutdown latch, used only by test harnesses and a
// deliberate operator-initiated recovery, never by the control loop
// itself.
func (w *Watchdog) Reset() {
	w.shutdownLatched = false
	w.shutdownInFlight = false
	w.mode = Nominal
	w.cause = CauseNone
	w.powerLowSince = time.Time{}
	w.dccSilentSince = time.Time{}
}

// DegradedModeController decelerates the locomotive linearly at CV87 when
// the watchdog enters DEGRADED mode, handing control back once the
// locomotive is stopped, or escalating to a forced CRITICAL once CV88
// seconds have elapsed.
type DegradedModeController struct {
	cv *cvstore.Table

	active     bool
	timedOut   bool
	startedAt  time.Time
	startSpeed float64
}

// NewDegradedModeController creates a DegradedModeController bound to cv.
func NewDegradedModeController(cv *cvstore.Table) *DegradedModeController {
	return &DegradedModeController{cv: cv}
}

// Start begins a deceleration episode from currentSpeedPct at now.
func (d *DegradedModeController) Start(currentSpeedPct float64, now time.Time) {
	d.active = true
	d.timedOut = false
	d.startedAt = now
	d.startSpeed = currentSpeedPct
}

// Active reports whether a deceleration episode is in progress.
func (d *DegradedModeController) Active() bool { return d.active }

// TimedOut reports whether the most recent UpdateSpeedCommand call forced
// zero because CV88 seconds elapsed rather than because the ramp reached
// zero on its own, the SENSOR_DEGRADED_TIMEOUT escalation to CRITICAL.
func (d *DegradedModeController) TimedOut() bool { return d.timedOut }

// UpdateSpeedCommand computes the regulator percentage for now, ramping
// linearly to zero at the CV87 rate, and forcing zero once CV88 seconds
// have elapsed regardless of the ramp's progress.
func (d *DegradedModeController) UpdateSpeedCommand(currentSpeedCms float64, now time.Time) float64 {
	if !d.active {
		return d.startSpeed
	}

	elapsed := now.Sub(d.startedAt)
	timeoutS := float64(d.cv.MustGet(88))
	if elapsed.Seconds() >= timeoutS {
		d.active = false
		d.timedOut = true
		return 0
	}

	decelRate := float64(d.cv.MustGet(87)) // cm/s^2
	speedPct := d.startSpeed - decelRate*elapsed.Seconds()
	if speedPct <= 0 {
		d.active = false
		return 0
	}
	return speedPct
}

// IsStopped reports whether the locomotive's measured velocity is at or
// below the threshold the original firmware treats as "stationary"
// (encoder noise floor).
func IsStopped(velocityCms float64) bool {
	return velocityCms <= 0.1
}
